package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// Submitter sends one write transaction and waits for its receipt. Writes
// are never retried.
type Submitter struct {
	chain   ChainWriter
	audit   domain.AuditStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter. audit may be nil.
func NewSubmitter(chain ChainWriter, audit domain.AuditStore, timeout time.Duration, logger *slog.Logger) *Submitter {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Submitter{
		chain:   chain,
		audit:   audit,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "submitter")),
	}
}

// Submit checks the network, broadcasts data to `to`, calls onSent with the
// hash once broadcast, and waits for the receipt. The returned hash is zero
// when nothing was broadcast.
func (s *Submitter) Submit(ctx context.Context, signer domain.Signer, op string, to common.Address, data []byte, onSent func(common.Hash)) (common.Hash, *types.Receipt, error) {
	if err := s.chain.CheckNetwork(ctx); err != nil {
		return common.Hash{}, nil, classifyWriteError(op, err)
	}

	hash, err := s.chain.Transact(ctx, signer, to, data)
	if err != nil {
		s.record(ctx, "tx_rejected", op, common.Hash{}, err)
		return common.Hash{}, nil, classifyWriteError(op, err)
	}
	s.record(ctx, "tx_sent", op, hash, nil)
	if onSent != nil {
		onSent(hash)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	receipt, err := s.chain.WaitReceipt(waitCtx, hash)
	if err != nil {
		s.record(ctx, "tx_failed", op, hash, err)
		return hash, receipt, classifyWriteError(op, err)
	}
	s.record(ctx, "tx_confirmed", op, hash, nil)
	return hash, receipt, nil
}

func (s *Submitter) record(ctx context.Context, event, op string, hash common.Hash, err error) {
	attrs := []any{slog.String("op", op)}
	detail := map[string]any{"op": op}
	if hash != (common.Hash{}) {
		attrs = append(attrs, slog.String("tx", hash.Hex()))
		detail["tx"] = hash.Hex()
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		detail["error"] = err.Error()
		s.logger.WarnContext(ctx, event, attrs...)
	} else {
		s.logger.InfoContext(ctx, event, attrs...)
	}
	if s.audit == nil {
		return
	}
	if aerr := s.audit.Log(context.WithoutCancel(ctx), event, detail); aerr != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", aerr.Error()))
	}
}

// classifyWriteError maps a write-path failure onto the error taxonomy,
// keeping the revert reason verbatim.
func classifyWriteError(op string, err error) error {
	var classified *domain.Error
	if errors.As(err, &classified) {
		return err
	}
	var rerr *domain.RevertError
	switch {
	case errors.As(err, &rerr):
		return &domain.Error{Kind: domain.KindSubmission, Op: op, Reason: rerr.Reason, Err: rerr}
	case errors.Is(err, domain.ErrSigningDeclined):
		return domain.NewError(domain.KindAuthorization, op, domain.ErrSigningDeclined, err)
	case errors.Is(err, domain.ErrNetworkMismatch):
		return domain.NewError(domain.KindSubmission, op, domain.ErrNetworkMismatch, err)
	case errors.Is(err, domain.ErrInsufficientBalance):
		return domain.NewError(domain.KindSubmission, op, domain.ErrInsufficientBalance, err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewError(domain.KindTimeout, op, err, nil)
	default:
		return domain.NewError(domain.KindSubmission, op, err, nil)
	}
}
