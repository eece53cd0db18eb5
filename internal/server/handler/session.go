package handler

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/service"
)

// SessionService is what the session endpoints need from the service layer.
type SessionService interface {
	Current() (service.View, bool)
	Automation() (service.AutomationHealth, bool)
	Owner() common.Address
	Configure(ctx context.Context, req service.ConfigureRequest) (service.View, error)
	Teardown(ctx context.Context) error
	Deposit(ctx context.Context, amount *big.Int) (service.DepositReceipt, error)
	Repay(ctx context.Context, amount *big.Int) (service.TxResult, error)
	Withdraw(ctx context.Context, amount *big.Int) (service.TxResult, error)
	ClosePosition(ctx context.Context) (service.TxResult, error)
	Resume(ctx context.Context) (common.Hash, error)
}

// SessionHandler serves the live session and its commands.
type SessionHandler struct {
	sessions SessionService
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

type sessionResponse struct {
	Configured bool           `json:"configured"`
	Owner      common.Address `json:"owner"`
	*service.View
	Automation *service.AutomationHealth `json:"automation,omitempty"`
}

// GetSession returns the live view: session, position, metrics, timeline,
// wallet balance and loop state.
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{Owner: h.sessions.Owner()}
	if v, ok := h.sessions.Current(); ok {
		resp.Configured = true
		resp.View = &v
	}
	if a, ok := h.sessions.Automation(); ok {
		resp.Automation = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

type configureRequest struct {
	AutomationAccount string `json:"automation_account"`
	AutomationCaller  string `json:"automation_caller"`
}

// Configure starts a new session for the automation account, replacing the
// current one.
// POST /api/session/configure
func (h *SessionHandler) Configure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !common.IsHexAddress(req.AutomationAccount) || !common.IsHexAddress(req.AutomationCaller) {
		writeError(w, http.StatusBadRequest, "automation_account and automation_caller must be hex addresses")
		return
	}

	v, err := h.sessions.Configure(r.Context(), service.ConfigureRequest{
		Account: common.HexToAddress(req.AutomationAccount),
		Caller:  common.HexToAddress(req.AutomationCaller),
	})
	if err != nil {
		h.fail(r, "configure", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Configured: true, Owner: h.sessions.Owner(), View: &v})
}

// Teardown stops the live session.
// DELETE /api/session
func (h *SessionHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Teardown(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (h *SessionHandler) amount(w http.ResponseWriter, r *http.Request) (*big.Int, bool) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return amt, true
}

type depositResponse struct {
	TxHash    common.Hash            `json:"tx_hash"`
	Block     uint64                 `json:"block"`
	Deposited *domain.DepositedEvent `json:"deposited,omitempty"`
}

// Deposit signs a permit and deposits the amount into the automation
// account. It answers once the transaction is mined.
// POST /api/session/deposit {"amount":"0.04"}
func (h *SessionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	amt, ok := h.amount(w, r)
	if !ok {
		return
	}
	rcpt, err := h.sessions.Deposit(r.Context(), amt)
	if err != nil {
		h.fail(r, "deposit", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse{TxHash: rcpt.TxHash, Block: rcpt.Block, Deposited: rcpt.Deposited})
}

type txResponse struct {
	TxHash common.Hash         `json:"tx_hash"`
	Amount string              `json:"amount,omitempty"`
	Events []domain.ChainEvent `json:"events,omitempty"`
}

func (h *SessionHandler) writeTx(w http.ResponseWriter, r *http.Request, op string, res service.TxResult, err error) {
	if err != nil {
		h.fail(r, op, err)
		writeDomainError(w, err)
		return
	}
	resp := txResponse{TxHash: res.TxHash, Events: res.Events}
	if res.Amount != nil {
		resp.Amount = domain.FromWei(res.Amount).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Repay repays up to amount of debt.
// POST /api/session/repay {"amount":"1.5"}
func (h *SessionHandler) Repay(w http.ResponseWriter, r *http.Request) {
	amt, ok := h.amount(w, r)
	if !ok {
		return
	}
	res, err := h.sessions.Repay(r.Context(), amt)
	h.writeTx(w, r, "repay", res, err)
}

// Withdraw withdraws free collateral.
// POST /api/session/withdraw {"amount":"1.5"}
func (h *SessionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	amt, ok := h.amount(w, r)
	if !ok {
		return
	}
	res, err := h.sessions.Withdraw(r.Context(), amt)
	h.writeTx(w, r, "withdraw", res, err)
}

// ClosePosition repays all debt and returns the collateral.
// POST /api/session/close
func (h *SessionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.ClosePosition(r.Context())
	h.writeTx(w, r, "close", res, err)
}

// Resume asks the automation caller to restore its subscriptions.
// POST /api/session/resume
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	hash, err := h.sessions.Resume(r.Context())
	if err != nil {
		h.fail(r, "resume", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{TxHash: hash})
}

func (h *SessionHandler) fail(r *http.Request, op string, err error) {
	level := slog.LevelWarn
	if statusFor(err) >= http.StatusInternalServerError && !errors.Is(err, context.DeadlineExceeded) {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "handler: command failed",
		slog.String("op", op),
		slog.String("kind", string(domain.KindOf(err))),
		slog.String("error", err.Error()),
	)
}
