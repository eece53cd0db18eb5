package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/observability"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

// EventSink receives decoded events in canonical log order.
type EventSink interface {
	OnChainEvent(ev domain.ChainEvent)
	OnObservationError(err error)
	OnObservationRestored()
}

// MonitorConfig tunes an EventMonitor.
type MonitorConfig struct {
	StartBlock      uint64
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	LogPollInterval time.Duration
}

// backfillChunk bounds a single eth_getLogs range; public providers reject
// wide ranges.
const backfillChunk = 5000

var errSubscriptionClosed = errors.New("log subscription closed")

// EventMonitor streams the automation account's events to a sink. On every
// (re)subscription it first backfills from its cursor so events emitted
// while disconnected are still delivered in order.
type EventMonitor struct {
	source  LogSource
	account common.Address
	owner   common.Address
	cfg     MonitorConfig
	sink    EventSink

	cursor     domain.LogPosition
	haveCursor bool
	attempts   int
	surfaced   bool
	metrics    *observability.LoopMetrics
	logger     *slog.Logger
}

// NewEventMonitor creates an EventMonitor scoped to (account, owner).
func NewEventMonitor(source LogSource, account, owner common.Address, cfg MonitorConfig, sink EventSink, logger *slog.Logger) *EventMonitor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LogPollInterval <= 0 {
		cfg.LogPollInterval = 4 * time.Second
	}
	return &EventMonitor{
		source:  source,
		account: account,
		owner:   owner,
		cfg:     cfg,
		sink:    sink,
		metrics: observability.Loop(),
		logger:  logger.With(slog.String("component", "event_monitor"), slog.String("account", account.Hex())),
	}
}

// Run keeps a subscription alive until ctx is done, resubscribing with
// exponential backoff. After MaxAttempts consecutive failures one
// ObservationError is surfaced; retries continue at the max delay.
func (m *EventMonitor) Run(ctx context.Context) error {
	for {
		err := m.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.RecordResubscribe(err)
		m.attempts++
		delay := m.backoff(m.attempts)
		m.logger.WarnContext(ctx, "log subscription lost",
			slog.Int("attempt", m.attempts),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if m.attempts >= m.cfg.MaxAttempts && !m.surfaced {
			m.surfaced = true
			m.sink.OnObservationError(domain.NewError(domain.KindObservation, "monitor", domain.ErrSubscriptionDropped, err))
		}
		if sleepCtx(ctx, delay) != nil {
			return ctx.Err()
		}
	}
}

func (m *EventMonitor) backoff(attempt int) time.Duration {
	d := m.cfg.BaseDelay
	for i := 1; i < attempt && d < m.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	return d
}

// established resets the failure counter once a stream is live again.
func (m *EventMonitor) established(ctx context.Context) {
	if m.attempts > 0 {
		m.logger.InfoContext(ctx, "log subscription restored", slog.Int("after_attempts", m.attempts))
	}
	if m.surfaced {
		m.sink.OnObservationRestored()
	}
	m.attempts = 0
	m.surfaced = false
}

// stream runs one subscription lifetime: subscribe, backfill, then deliver
// live logs until the subscription errors.
func (m *EventMonitor) stream(ctx context.Context) error {
	ch := make(chan types.Log, 64)
	sub, err := m.source.SubscribeLogs(ctx, evm.LogQuery(m.account, nil, nil), ch)
	if err != nil {
		if evm.IsNotificationsUnsupported(err) {
			m.logger.InfoContext(ctx, "endpoint has no push subscriptions, polling logs",
				slog.Duration("interval", m.cfg.LogPollInterval))
			return m.poll(ctx)
		}
		return err
	}
	defer sub.Unsubscribe()

	if err := m.backfill(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.acceptGap(ctx, err)
	}
	m.established(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				return errSubscriptionClosed
			}
			return err
		case l := <-ch:
			m.deliver(ctx, l)
		}
	}
}

// poll is the getLogs fallback for endpoints without subscriptions.
func (m *EventMonitor) poll(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.LogPollInterval)
	defer ticker.Stop()
	live := false
	for {
		if err := m.backfill(ctx); err != nil {
			return err
		}
		if !live {
			m.established(ctx)
			live = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fromBlock is where the next historical query starts. The cursor block is
// re-read because later logs of that block may not have been seen.
func (m *EventMonitor) fromBlock() uint64 {
	if m.haveCursor {
		return m.cursor.Block
	}
	return m.cfg.StartBlock
}

// backfill delivers every log from the cursor up to head in chunks.
func (m *EventMonitor) backfill(ctx context.Context) error {
	head, err := m.source.HeadBlock(ctx)
	if err != nil {
		return err
	}
	for from := m.fromBlock(); from <= head; from += backfillChunk {
		to := from + backfillChunk - 1
		if to > head {
			to = head
		}
		logs, err := m.source.FilterLogs(ctx, evm.LogQuery(m.account,
			new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
		if err != nil {
			return fmt.Errorf("backfill blocks %d..%d: %w", from, to, err)
		}
		for _, l := range logs {
			m.deliver(ctx, l)
		}
	}
	return nil
}

// acceptGap records that logs after the cursor may be missing. The timeline
// is left as is.
func (m *EventMonitor) acceptGap(ctx context.Context, cause error) {
	span := fmt.Sprintf("event gap after block %d", m.fromBlock())
	if head, err := m.source.HeadBlock(ctx); err == nil {
		span = fmt.Sprintf("event gap blocks %d..%d", m.fromBlock(), head)
	}
	m.logger.WarnContext(ctx, "backfill failed, accepting gap",
		slog.String("gap", span),
		slog.String("error", cause.Error()),
	)
	e := domain.NewError(domain.KindObservation, "monitor", domain.ErrEventGap, cause)
	e.Reason = span
	m.sink.OnObservationError(e)
}

// deliver decodes l and forwards it when it is new, ours and for this owner.
func (m *EventMonitor) deliver(ctx context.Context, l types.Log) {
	if l.Removed {
		m.logger.WarnContext(ctx, "ignoring removed log",
			slog.Uint64("block", l.BlockNumber),
			slog.String("tx", l.TxHash.Hex()),
		)
		return
	}
	if l.Address != m.account {
		return
	}
	pos := domain.LogPosition{Block: l.BlockNumber, LogIndex: l.Index}
	if m.haveCursor && !pos.After(m.cursor) {
		return
	}
	ev, err := evm.DecodeLog(l)
	if err != nil {
		m.logger.WarnContext(ctx, "undecodable log",
			slog.Uint64("block", l.BlockNumber),
			slog.String("error", err.Error()),
		)
		return
	}
	m.cursor = pos
	m.haveCursor = true

	if ev.Kind == domain.EventDeposited && ev.Deposited.User != m.owner {
		m.logger.DebugContext(ctx, "ignoring deposit of another owner", slog.String("user", ev.Deposited.User.Hex()))
		return
	}
	m.sink.OnChainEvent(ev)
}
