package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/loop"
	"github.com/alanyoungcy/loopbot/internal/observability"
)

// SessionConfig holds the loop parameters of a session.
type SessionConfig struct {
	Policy             loop.Policy
	DangerThresholdPct float64
	WatchdogTimeout    time.Duration
}

// LoopState summarises loop progress for display.
type LoopState struct {
	Looping          bool       `json:"looping"`
	LastIteration    uint64     `json:"last_iteration"`
	ReportedLTVBps   int64      `json:"reported_ltv_bps"`
	TargetLTVBps     int64      `json:"target_ltv_bps"`
	MaxIterations    uint64     `json:"max_iterations"`
	WatchdogDeadline *time.Time `json:"watchdog_deadline,omitempty"`
}

// Health reports degraded observation producers.
type Health struct {
	EventsDegraded bool   `json:"events_degraded"`
	PollDegraded   bool   `json:"poll_degraded"`
	LastError      string `json:"last_error,omitempty"`
}

// View is an immutable snapshot of a session for readers.
type View struct {
	Session       domain.LoopSession     `json:"session"`
	Position      domain.Position        `json:"position"`
	Metrics       loop.Metrics           `json:"metrics"`
	Timeline      []domain.ActivityEntry `json:"timeline"`
	Iterations    []domain.LoopIteration `json:"iterations"`
	WalletBalance decimal.Decimal        `json:"wallet_balance"`
	Loop          LoopState              `json:"loop"`
	Health        Health                 `json:"health"`
}

// SessionDeps are the collaborators of a Session. Journal and Notifier may
// be nil.
type SessionDeps struct {
	Journal  *Journal
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// Session is the single writer of one (owner, automation account) loop.
// Producers (poller, event monitor, watchdog, commands) post mutations to
// its inbox; only the run goroutine touches the timeline, the reconciler and
// the session record. Readers get copies through View.
type Session struct {
	cfg      SessionConfig
	rec      domain.LoopSession
	timeline *loop.Timeline
	state    *loop.Reconciler
	wallet   decimal.Decimal
	health   Health
	prev     domain.SessionStatus
	watchdog *Watchdog

	journal  *Journal
	notifier Notifier
	nudge    func()
	now      func() time.Time

	inbox  chan func()
	done   chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group

	mu   sync.RWMutex
	view View

	metrics *observability.LoopMetrics
	logger  *slog.Logger
}

// NewSession creates an idle session for rec. Call Start to run it.
func NewSession(rec domain.LoopSession, cfg SessionConfig, deps SessionDeps) *Session {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:      cfg,
		rec:      rec,
		timeline: loop.NewTimeline(now),
		state:    loop.NewReconciler(),
		journal:  deps.Journal,
		notifier: deps.Notifier,
		nudge:    func() {},
		now:      now,
		inbox:    make(chan func(), 256),
		done:     make(chan struct{}),
		metrics:  observability.Loop(),
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("session_id", rec.ID),
			slog.String("account", rec.Account.Hex()),
		),
	}
	s.watchdog = NewWatchdog(cfg.WatchdogTimeout, func(gen uint64) {
		s.post(func() { s.onWatchdog(gen) })
	})
	s.publish()
	return s
}

// SetNudge installs the hook used to request an early position read.
func (s *Session) SetNudge(fn func()) {
	if fn != nil {
		s.nudge = fn
	}
}

// Start runs the writer loop and the given producers until Stop or ctx is
// done.
func (s *Session) Start(ctx context.Context, producers ...func(context.Context) error) {
	if s.journal != nil {
		s.journal.CreateSession(s.rec)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.run(gctx) })
	for _, p := range producers {
		g.Go(func() error { return p(gctx) })
	}
	s.group = g
}

// Stop tears the session down: the subscription and poller are detached and
// the watchdog cancelled. Submitted transactions are not affected.
func (s *Session) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("session producer exited with error", slog.String("error", err.Error()))
	}
}

// Done is closed once the writer loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// ID returns the session id.
func (s *Session) ID() string { return s.rec.ID }

// View returns the latest published snapshot.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

func (s *Session) run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case fn := <-s.inbox:
			fn()
		}
	}
}

// post queues fn for the writer. It returns false once the session is gone.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the writer and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if !s.post(func() { errCh <- fn() }) {
		return s.gone()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.gone()
	}
}

func (s *Session) gone() error {
	return domain.NewError(domain.KindConfiguration, "session", domain.ErrSessionInactive, fmt.Errorf("session %s torn down", s.rec.ID))
}

func (s *Session) teardown() {
	s.watchdog.Stop()
	s.setStatus(domain.SessionTornDown, s.rec.StopReason)
	s.logger.Info("session torn down")
	s.publish()
}

// --- producer sinks -------------------------------------------------------

// OnChainEvent implements EventSink.
func (s *Session) OnChainEvent(ev domain.ChainEvent) {
	s.post(func() { s.applyEvent(ev) })
}

// OnObservationError implements EventSink.
func (s *Session) OnObservationError(err error) {
	s.post(func() {
		if errors.Is(err, domain.ErrSubscriptionDropped) {
			s.health.EventsDegraded = true
		}
		s.fail(err, "")
		s.publish()
	})
}

// OnObservationRestored implements EventSink.
func (s *Session) OnObservationRestored() {
	s.post(func() {
		s.health.EventsDegraded = false
		s.publish()
	})
}

// OnSnapshot implements PollSink.
func (s *Session) OnSnapshot(snap PollSnapshot) {
	s.post(func() {
		s.wallet = snap.WalletBalance
		if !s.state.ApplyPoll(snap.Position) {
			s.logger.Debug("stale poll snapshot dropped", slog.Uint64("block", snap.Position.Block))
		}
		s.publish()
	})
}

// OnPollFailure implements PollSink.
func (s *Session) OnPollFailure(err error) {
	s.post(func() {
		s.health.PollDegraded = true
		s.fail(err, "")
		s.publish()
	})
}

// OnPollRecovered implements PollSink.
func (s *Session) OnPollRecovered() {
	s.post(func() {
		s.health.PollDegraded = false
		s.publish()
	})
}

// --- event application ----------------------------------------------------

func (s *Session) applyEvent(ev domain.ChainEvent) {
	var archived []domain.LoopIteration
	if ev.Kind == domain.EventPositionClosed {
		archived = s.state.Iterations()
	}
	lastID := s.state.LastIterationID()

	it, ok := s.state.ApplyEvent(ev, s.now())
	if !ok {
		s.logger.Debug("duplicate event dropped",
			slog.Uint64("block", ev.Block),
			slog.Uint64("log_index", uint64(ev.LogIndex)),
		)
		return
	}
	s.metrics.RecordEvent(string(ev.Kind))
	tx := ev.TxHash.Hex()

	switch ev.Kind {
	case domain.EventDeposited:
		s.append(loop.DepositEntry(ev.Deposited, tx, domain.StatusSuccess))
		s.append(loop.WaitingEntry())
		s.setStatus(domain.SessionLooping, domain.StopNone)
		s.watchdog.Arm()
		s.logger.Info("deposit observed",
			slog.String("tx", tx),
			slog.String("amount", domain.FromWei(ev.Deposited.Amount).String()),
		)

	case domain.EventLoopStep:
		if lastID > 0 && it.IterationID > lastID+1 {
			s.logger.Warn("iteration gap",
				slog.Uint64("last", lastID),
				slog.Uint64("got", it.IterationID),
			)
		}
		s.append(loop.LoopStepEntry(*it))
		if s.journal != nil {
			s.journal.InsertIteration(s.rec.ID, *it)
		}
		d := s.cfg.Policy.Decide(it.IterationID, it.ResultingLTVBps)
		s.logger.Info("loop step observed",
			slog.Uint64("iteration", it.IterationID),
			slog.Int64("ltv_bps", it.ResultingLTVBps),
			slog.Bool("continue", d.Continue),
			slog.String("reason", string(d.Reason)),
		)
		if d.Continue {
			s.append(loop.WaitingEntry())
			s.setStatus(domain.SessionLooping, domain.StopNone)
			s.watchdog.Arm()
			break
		}
		s.watchdog.Stop()
		s.setStatus(domain.SessionCompleted, d.Reason)
		s.metrics.RecordStop(string(d.Reason))
		s.notify(EventLoopCompleted, "Leverage loop completed",
			fmt.Sprintf("account %s stopped after iteration %d at LTV %.2f%% (%s)",
				s.rec.Account.Hex(), it.IterationID, float64(it.ResultingLTVBps)/100, d.Reason))

	case domain.EventPositionClosed:
		s.append(loop.CloseEntry(ev.Closed, tx))
		s.watchdog.Stop()
		now := s.now().UTC()
		s.rec.ClosedAt = &now
		s.setStatus(domain.SessionClosed, domain.StopClosed)
		s.metrics.RecordStop(string(domain.StopClosed))
		s.notify(EventPositionClosed, "Position closed",
			fmt.Sprintf("account %s repaid %s, returned %s", s.rec.Account.Hex(),
				domain.FromWei(ev.Closed.DebtRepaid), domain.FromWei(ev.Closed.CollateralReturned)))
		if s.journal != nil {
			s.journal.Archive(domain.SessionArchive{
				Session:    s.rec,
				Position:   s.state.Position(),
				Iterations: archived,
				Timeline:   s.timeline.Log(),
				ArchivedAt: now,
			})
		}
	}

	s.nudge()
	s.publish()
}

func (s *Session) onWatchdog(gen uint64) {
	if !s.watchdog.Current(gen) {
		return
	}
	s.watchdog.Stop()
	if s.rec.Status != domain.SessionLooping {
		return
	}
	err := domain.NewError(domain.KindTimeout, "watchdog", domain.ErrNoAutomationResponse,
		fmt.Errorf("no loop iteration within %s", s.cfg.WatchdogTimeout))
	s.setStatus(domain.SessionTimedOut, domain.StopTimeout)
	s.metrics.RecordStop(string(domain.StopTimeout))
	s.append(loop.ErrorEntry(err, ""))
	s.health.LastError = err.Error()
	s.logger.Warn("watchdog fired", slog.Duration("timeout", s.cfg.WatchdogTimeout))
	s.notify(EventWatchdogTimeout, "No automation response",
		fmt.Sprintf("account %s: %s", s.rec.Account.Hex(), err))
	s.publish()
}

// --- commands -------------------------------------------------------------

// BeginDeposit moves the session to depositing if a deposit is allowed.
func (s *Session) BeginDeposit(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.rec.Status.AcceptsDeposit() {
			e := domain.NewError(domain.KindSubmission, "deposit", domain.ErrLoopInProgress, nil)
			e.Reason = "session is " + string(s.rec.Status)
			return e
		}
		s.prev = s.rec.Status
		s.setStatus(domain.SessionDepositing, domain.StopNone)
		s.publish()
		return nil
	})
}

// DepositSent appends the optimistic pending deposit entry.
func (s *Session) DepositSent(hash common.Hash, amount *big.Int) {
	s.post(func() {
		s.append(loop.PendingDepositEntry(amount, hash.Hex()))
		s.publish()
	})
}

// DepositFinished records the deposit outcome. On success the watchdog is
// armed unless the Deposited event already did so.
func (s *Session) DepositFinished(rcpt DepositReceipt, err error) {
	s.post(func() {
		if err != nil {
			s.fail(err, hashString(rcpt.TxHash))
			if s.rec.Status == domain.SessionDepositing {
				s.setStatus(s.prev, s.rec.StopReason)
			}
			s.publish()
			return
		}
		if s.rec.Status == domain.SessionDepositing {
			s.setStatus(domain.SessionLooping, domain.StopNone)
			s.watchdog.Arm()
		}
		s.nudge()
		s.publish()
	})
}

// CommandFailed records a failed write command on the timeline.
func (s *Session) CommandFailed(err error, hash common.Hash) {
	s.post(func() {
		s.fail(err, hashString(hash))
		s.publish()
	})
}

// CommandSucceeded refreshes the position after a write.
func (s *Session) CommandSucceeded() {
	s.post(func() { s.nudge() })
}

// --- helpers --------------------------------------------------------------

func (s *Session) append(e domain.ActivityEntry) {
	entry := s.timeline.Append(e)
	if s.journal != nil {
		s.journal.AppendActivity(s.rec.ID, entry)
	}
}

func (s *Session) fail(err error, tx string) {
	s.append(loop.ErrorEntry(err, tx))
	s.health.LastError = err.Error()
	s.logger.Warn("session error",
		slog.String("kind", string(domain.KindOf(err))),
		slog.String("error", err.Error()),
	)
	s.notify(EventError, "Loop error", fmt.Sprintf("account %s: %s", s.rec.Account.Hex(), err))
}

func (s *Session) setStatus(status domain.SessionStatus, reason domain.StopReason) {
	if s.rec.Status == status && s.rec.StopReason == reason {
		return
	}
	s.rec.Status = status
	s.rec.StopReason = reason
	s.rec.UpdatedAt = s.now().UTC()
	if s.journal != nil {
		s.journal.UpdateSession(s.rec)
	}
}

func (s *Session) notify(event, title, msg string) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, event, title, msg); err != nil {
			s.logger.Warn("notification failed", slog.String("error", err.Error()))
		}
	}()
}

// publish rebuilds the reader snapshot and hands it to the journal.
func (s *Session) publish() {
	pos := s.state.Position()
	v := View{
		Session:       s.rec,
		Position:      pos,
		Metrics:       loop.Project(pos, s.cfg.DangerThresholdPct),
		Timeline:      s.timeline.View(),
		Iterations:    s.state.Iterations(),
		WalletBalance: s.wallet,
		Loop: LoopState{
			Looping:        s.rec.Status == domain.SessionLooping,
			LastIteration:  s.state.LastIterationID(),
			ReportedLTVBps: s.state.ReportedLTV(),
			TargetLTVBps:   s.cfg.Policy.TargetLTVBps,
			MaxIterations:  s.cfg.Policy.MaxIterations,
		},
		Health: s.health,
	}
	if d := s.watchdog.Deadline(); !d.IsZero() {
		v.Loop.WatchdogDeadline = &d
	}

	s.mu.Lock()
	s.view = v
	s.mu.Unlock()

	s.metrics.SetPosition(s.rec.Account.Hex(), pos.LTVBps, len(v.Iterations))
	if s.journal == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal session view", slog.String("error", err.Error()))
		return
	}
	s.journal.PublishView(SnapshotKey(s.rec.Account.Hex()), payload)
}

// FullLog returns every timeline entry including superseded placeholders.
func (s *Session) FullLog(ctx context.Context) ([]domain.ActivityEntry, error) {
	var out []domain.ActivityEntry
	err := s.call(ctx, func() error {
		out = s.timeline.Log()
		return nil
	})
	return out, err
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
