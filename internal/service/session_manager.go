package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/observability"
)

// ManagerConfig holds the parameters shared by every session.
type ManagerConfig struct {
	Tokens       Tokens
	Session      SessionConfig
	Reader       ReaderConfig
	Monitor      MonitorConfig
	TxTimeout    time.Duration
	AssignCaller bool
}

// ManagerDeps are the collaborators of a SessionManager. Locks, Journal,
// Notifier and the stores may be nil.
type ManagerDeps struct {
	Chain      ChainReader
	Logs       LogSource
	Keys       domain.SignerSource
	Permits    *PermitAuthorizer
	Deposits   *DepositInitiator
	Ops        *PositionOps
	Probe      *AutomationProbe
	Locks      domain.LockManager
	Journal    *Journal
	Notifier   Notifier
	Sessions   domain.SessionStore
	Iterations domain.IterationStore
	Activity   domain.ActivityStore
	Archive    domain.ArchiveReader
}

// ConfigureRequest selects the automation account and caller of a session.
type ConfigureRequest struct {
	Account common.Address
	Caller  common.Address
}

// SessionManager owns at most one live Session for the configured owner and
// runs the user commands against it.
type SessionManager struct {
	root  context.Context
	cfg   ManagerConfig
	deps  ManagerDeps
	owner common.Address

	configMu   sync.Mutex
	mu         sync.Mutex
	current    *Session
	automation *AutomationHealth

	cmdMu   sync.Mutex
	metrics *observability.LoopMetrics
	logger  *slog.Logger
}

// NewSessionManager creates a SessionManager. Sessions run under root and
// are torn down when it is cancelled.
func NewSessionManager(root context.Context, cfg ManagerConfig, deps ManagerDeps, logger *slog.Logger) *SessionManager {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 3 * time.Minute
	}
	return &SessionManager{
		root:    root,
		cfg:     cfg,
		deps:    deps,
		owner:   deps.Keys.Address(),
		metrics: observability.Loop(),
		logger:  logger.With(slog.String("component", "session_manager")),
	}
}

// Owner returns the address whose key signs every command.
func (m *SessionManager) Owner() common.Address { return m.owner }

// Configure tears down the current session, verifies the automation caller
// and starts a new session observing events from the current head.
func (m *SessionManager) Configure(ctx context.Context, req ConfigureRequest) (View, error) {
	const op = "configure"
	if req.Account == (common.Address{}) || req.Caller == (common.Address{}) {
		e := domain.NewError(domain.KindConfiguration, op, domain.ErrNotConfigured, nil)
		e.Reason = "automation account and caller are required"
		return View{}, e
	}

	m.configMu.Lock()
	defer m.configMu.Unlock()

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		m.logger.InfoContext(ctx, "reconfigure, tearing down session", slog.String("session_id", prev.ID()))
		prev.Stop()
	}

	wctx := context.WithoutCancel(ctx)
	var err error
	if m.cfg.AssignCaller {
		err = m.deps.Keys.Borrow(wctx, func(signer domain.Signer) error {
			return m.deps.Ops.EnsureCaller(wctx, signer, req.Account, req.Caller, true)
		})
	} else {
		err = m.deps.Ops.EnsureCaller(wctx, nil, req.Account, req.Caller, false)
	}
	if err != nil {
		err = classifyWriteError(op, err)
		m.metrics.RecordCommand(op, err)
		return View{}, err
	}

	if m.deps.Probe != nil {
		h := m.deps.Probe.Probe(ctx, req.Caller)
		m.mu.Lock()
		m.automation = &h
		m.mu.Unlock()
	}

	head, err := m.deps.Chain.HeadBlock(ctx)
	if err != nil {
		err = domain.NewError(domain.KindObservation, op, domain.ErrChainRead, err)
		m.metrics.RecordCommand(op, err)
		return View{}, err
	}

	now := time.Now().UTC()
	rec := domain.LoopSession{
		ID:         uuid.NewString(),
		Owner:      m.owner,
		Account:    req.Account,
		Caller:     req.Caller,
		StartBlock: head,
		Status:     domain.SessionIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s := NewSession(rec, m.cfg.Session, SessionDeps{
		Journal:  m.deps.Journal,
		Notifier: m.deps.Notifier,
		Logger:   m.logger,
	})
	reader := NewPositionReader(m.deps.Chain, req.Account, m.owner, m.cfg.Tokens.Collateral, m.cfg.Reader, s, m.logger)
	monCfg := m.cfg.Monitor
	monCfg.StartBlock = head
	monitor := NewEventMonitor(m.deps.Logs, req.Account, m.owner, monCfg, s, m.logger)
	s.SetNudge(reader.Nudge)
	s.Start(m.root, reader.Run, monitor.Run)
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.metrics.RecordCommand(op, nil)
	m.logger.InfoContext(ctx, "session configured",
		slog.String("session_id", rec.ID),
		slog.String("account", req.Account.Hex()),
		slog.String("caller", req.Caller.Hex()),
		slog.Uint64("start_block", head),
	)
	return s.View(), nil
}

// Teardown stops the current session.
func (m *SessionManager) Teardown(ctx context.Context) error {
	s := m.detach()
	if s == nil {
		return domain.NewError(domain.KindConfiguration, "teardown", domain.ErrNotConfigured, nil)
	}
	m.logger.InfoContext(ctx, "tearing down session", slog.String("session_id", s.ID()))
	s.Stop()
	return nil
}

// Close tears down any live session on shutdown.
func (m *SessionManager) Close() {
	if s := m.detach(); s != nil {
		s.Stop()
	}
}

func (m *SessionManager) detach() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	m.current = nil
	return s
}

// Current returns the view of the live session.
func (m *SessionManager) Current() (View, bool) {
	s := m.session()
	if s == nil {
		return View{}, false
	}
	return s.View(), true
}

// Automation returns the last automation caller probe, if any.
func (m *SessionManager) Automation() (AutomationHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.automation == nil {
		return AutomationHealth{}, false
	}
	return *m.automation, true
}

func (m *SessionManager) session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *SessionManager) requireSession(op string) (*Session, error) {
	s := m.session()
	if s == nil {
		return nil, domain.NewError(domain.KindConfiguration, op, domain.ErrNotConfigured, nil)
	}
	return s, nil
}

// Deposit authorises a permit for amount and submits depositWithPermit. It
// returns once the transaction is mined or has failed.
func (m *SessionManager) Deposit(ctx context.Context, amount *big.Int) (DepositReceipt, error) {
	const op = "deposit"
	s, err := m.requireSession(op)
	if err != nil {
		return DepositReceipt{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return DepositReceipt{}, domain.NewError(domain.KindSubmission, op, domain.ErrInvalidAmount, nil)
	}
	unlock, err := m.lockCommands(ctx, s.rec.Account)
	if err != nil {
		return DepositReceipt{}, err
	}
	defer unlock()

	if err := s.BeginDeposit(ctx); err != nil {
		return DepositReceipt{}, err
	}

	wctx := context.WithoutCancel(ctx)
	var rcpt DepositReceipt
	err = m.deps.Keys.Borrow(wctx, func(signer domain.Signer) error {
		auth, err := m.deps.Permits.Authorize(wctx, signer, domain.PermitRequest{
			Owner:   m.owner,
			Spender: s.rec.Account,
			Token:   m.cfg.Tokens.Collateral,
			Amount:  amount,
		})
		if err != nil {
			return err
		}
		rcpt, err = m.deps.Deposits.Submit(wctx, signer, s.rec.Account, auth, func(h common.Hash) {
			s.DepositSent(h, amount)
		})
		return err
	})
	if err != nil {
		err = classifyWriteError(op, err)
	}
	s.DepositFinished(rcpt, err)
	m.metrics.RecordCommand(op, err)
	return rcpt, err
}

// Repay repays up to amount of debt.
func (m *SessionManager) Repay(ctx context.Context, amount *big.Int) (TxResult, error) {
	return m.write(ctx, "repay", func(ctx context.Context, signer domain.Signer, account common.Address) (TxResult, error) {
		return m.deps.Ops.Repay(ctx, signer, account, amount, nil)
	})
}

// Withdraw withdraws amount of collateral tokens to the owner.
func (m *SessionManager) Withdraw(ctx context.Context, amount *big.Int) (TxResult, error) {
	return m.write(ctx, "withdraw", func(ctx context.Context, signer domain.Signer, account common.Address) (TxResult, error) {
		return m.deps.Ops.Withdraw(ctx, signer, account, amount, nil)
	})
}

// ClosePosition repays all debt and returns the collateral. The resulting
// PositionClosed event reaches the session through the event monitor.
func (m *SessionManager) ClosePosition(ctx context.Context) (TxResult, error) {
	return m.write(ctx, "close", func(ctx context.Context, signer domain.Signer, account common.Address) (TxResult, error) {
		return m.deps.Ops.Close(ctx, signer, account, nil)
	})
}

type writeFunc func(ctx context.Context, signer domain.Signer, account common.Address) (TxResult, error)

func (m *SessionManager) write(ctx context.Context, op string, fn writeFunc) (TxResult, error) {
	s, err := m.requireSession(op)
	if err != nil {
		return TxResult{}, err
	}
	unlock, err := m.lockCommands(ctx, s.rec.Account)
	if err != nil {
		return TxResult{}, err
	}
	defer unlock()

	wctx := context.WithoutCancel(ctx)
	var res TxResult
	err = m.deps.Keys.Borrow(wctx, func(signer domain.Signer) error {
		var err error
		res, err = fn(wctx, signer, s.rec.Account)
		return err
	})
	m.metrics.RecordCommand(op, err)
	if err != nil {
		err = classifyWriteError(op, err)
		s.CommandFailed(err, res.TxHash)
		return res, err
	}
	m.logger.InfoContext(ctx, op+" confirmed",
		slog.String("tx", res.TxHash.Hex()),
		slog.Int("events", len(res.Events)),
	)
	s.CommandSucceeded()
	return res, nil
}

// Resume asks the automation caller to restore its subscriptions.
func (m *SessionManager) Resume(ctx context.Context) (common.Hash, error) {
	const op = "resume"
	s, err := m.requireSession(op)
	if err != nil {
		return common.Hash{}, err
	}
	if m.deps.Probe == nil {
		return common.Hash{}, domain.NewError(domain.KindConfiguration, op, domain.ErrNotConfigured, errors.New("automation chain not configured"))
	}
	wctx := context.WithoutCancel(ctx)
	var hash common.Hash
	err = m.deps.Keys.Borrow(wctx, func(signer domain.Signer) error {
		var err error
		hash, err = m.deps.Probe.Resume(wctx, signer, s.rec.Caller)
		return err
	})
	m.metrics.RecordCommand(op, err)
	if err != nil {
		return hash, classifyWriteError(op, err)
	}
	return hash, nil
}

// lockCommands serialises write commands per automation account, across
// replicas when a LockManager is configured.
// commandLockMargin covers the reads, gas estimation and nonce lookups around
// the submits of one command.
const commandLockMargin = 30 * time.Second

// commandLockTTL bounds the cross-replica command lock. Close and repay may
// submit an approval and then the command itself, each waiting up to
// txTimeout for its receipt.
func commandLockTTL(txTimeout time.Duration) time.Duration {
	return 2*txTimeout + commandLockMargin
}

func (m *SessionManager) lockCommands(ctx context.Context, account common.Address) (func(), error) {
	if !m.cmdMu.TryLock() {
		return nil, domain.NewError(domain.KindSubmission, "command", domain.ErrCommandInFlight, nil)
	}
	if m.deps.Locks == nil {
		return m.cmdMu.Unlock, nil
	}
	release, err := m.deps.Locks.Acquire(ctx, "cmd:"+account.Hex(), commandLockTTL(m.cfg.TxTimeout))
	if err != nil {
		m.cmdMu.Unlock()
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, domain.NewError(domain.KindSubmission, "command", domain.ErrCommandInFlight, err)
		}
		return nil, fmt.Errorf("service: command lock: %w", err)
	}
	return func() {
		release()
		m.cmdMu.Unlock()
	}, nil
}

// --- history --------------------------------------------------------------

// History lists sessions of the owner, newest first. Without a session store
// it combines the live session with the archive.
func (m *SessionManager) History(ctx context.Context, opts domain.ListOpts) ([]domain.LoopSession, error) {
	if m.deps.Sessions != nil {
		return m.deps.Sessions.List(ctx, m.owner, opts)
	}

	var out []domain.LoopSession
	if v, ok := m.Current(); ok {
		out = append(out, v.Session)
	}
	if m.deps.Archive != nil {
		ids, err := m.deps.Archive.ListSessions(ctx, m.owner)
		if err != nil {
			return nil, fmt.Errorf("service: list archive: %w", err)
		}
		for _, id := range ids {
			if len(out) > 0 && out[0].ID == id {
				continue
			}
			a, err := m.deps.Archive.LoadSession(ctx, m.owner, id)
			if err != nil {
				return nil, fmt.Errorf("service: load archive %s: %w", id, err)
			}
			out = append(out, a.Session)
		}
	}
	return pageSessions(out, opts), nil
}

// pageSessions orders sessions newest first and applies opts.
func pageSessions(all []domain.LoopSession, opts domain.ListOpts) []domain.LoopSession {
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	kept := all[:0]
	for _, s := range all {
		if opts.Since != nil && s.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && s.CreatedAt.After(*opts.Until) {
			continue
		}
		kept = append(kept, s)
	}
	all = kept
	if opts.Offset >= len(all) {
		return nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all
}

// SessionTimeline returns the full timeline of a session, including
// superseded placeholders. Sessions missing from the stores are looked up in
// the archive.
func (m *SessionManager) SessionTimeline(ctx context.Context, id string) ([]domain.ActivityEntry, error) {
	if s := m.session(); s != nil && s.ID() == id {
		return s.FullLog(ctx)
	}
	if m.deps.Sessions != nil && m.deps.Activity != nil {
		found, err := m.owned(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			return m.deps.Activity.ListBySession(ctx, id)
		}
	}
	a, err := m.archived(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Timeline, nil
}

// SessionIterations returns the persisted iterations of a session.
func (m *SessionManager) SessionIterations(ctx context.Context, id string) ([]domain.LoopIteration, error) {
	if s := m.session(); s != nil && s.ID() == id {
		return s.View().Iterations, nil
	}
	if m.deps.Sessions != nil && m.deps.Iterations != nil {
		found, err := m.owned(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			return m.deps.Iterations.ListBySession(ctx, id)
		}
	}
	a, err := m.archived(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Iterations, nil
}

// owned reports whether the stores hold session id of this owner. Sessions
// of other owners are reported as not found.
func (m *SessionManager) owned(ctx context.Context, id string) (bool, error) {
	rec, err := m.deps.Sessions.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Owner != m.owner {
		return false, domain.ErrNotFound
	}
	return true, nil
}

func (m *SessionManager) archived(ctx context.Context, id string) (domain.SessionArchive, error) {
	if m.deps.Archive == nil {
		return domain.SessionArchive{}, domain.ErrNotFound
	}
	return m.deps.Archive.LoadSession(ctx, m.owner, id)
}
