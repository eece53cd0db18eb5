package service

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/observability"
)

// PollSnapshot is one consistent read of the account and wallet.
type PollSnapshot struct {
	Position      domain.Position
	WalletBalance decimal.Decimal
}

// PollSink receives the reader's output.
type PollSink interface {
	OnSnapshot(snap PollSnapshot)
	OnPollFailure(err error)
	OnPollRecovered()
}

// ReaderConfig tunes a PositionReader.
type ReaderConfig struct {
	Interval         time.Duration
	RetryDelay       time.Duration
	FailureThreshold int
	// NudgeEvery bounds how often Nudge may trigger an extra read.
	NudgeEvery time.Duration
}

// PositionReader polls getStatus and the owner's collateral balance on a
// fixed interval, independent of the event stream.
type PositionReader struct {
	chain      ChainReader
	account    common.Address
	owner      common.Address
	collateral common.Address
	cfg        ReaderConfig
	sink       PollSink

	nudge   chan struct{}
	limiter *rate.Limiter
	misses  int
	now     func() time.Time
	metrics *observability.LoopMetrics
	logger  *slog.Logger
}

// NewPositionReader creates a PositionReader for one account.
func NewPositionReader(chain ChainReader, account, owner, collateral common.Address, cfg ReaderConfig, sink PollSink, logger *slog.Logger) *PositionReader {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.NudgeEvery <= 0 {
		cfg.NudgeEvery = time.Second
	}
	return &PositionReader{
		chain:      chain,
		account:    account,
		owner:      owner,
		collateral: collateral,
		cfg:        cfg,
		sink:       sink,
		nudge:      make(chan struct{}, 1),
		limiter:    rate.NewLimiter(rate.Every(cfg.NudgeEvery), 1),
		now:        time.Now,
		metrics:    observability.Loop(),
		logger:     logger.With(slog.String("component", "position_reader"), slog.String("account", account.Hex())),
	}
}

// Read performs one snapshot read pinned to the current head block.
func (r *PositionReader) Read(ctx context.Context) (PollSnapshot, error) {
	head, err := r.chain.HeadBlock(ctx)
	if err != nil {
		return PollSnapshot{}, err
	}
	block := new(big.Int).SetUint64(head)
	st, err := r.chain.AccountStatus(ctx, r.account, block)
	if err != nil {
		return PollSnapshot{}, err
	}
	bal, err := r.chain.BalanceOf(ctx, r.collateral, r.owner, block)
	if err != nil {
		return PollSnapshot{}, err
	}
	coll, debt := domain.FromWei(st.Collateral), domain.FromWei(st.Debt)
	return PollSnapshot{
		Position: domain.Position{
			CollateralValue: coll,
			DebtValue:       debt,
			LTVBps:          domain.ComputeLTVBps(coll, debt),
			Block:           head,
			Source:          domain.SourcePoll,
			ObservedAt:      r.now().UTC(),
		},
		WalletBalance: domain.FromWei(bal),
	}, nil
}

// Nudge asks for an early read. Calls beyond the limiter's rate are dropped.
func (r *PositionReader) Nudge() {
	if !r.limiter.Allow() {
		return
	}
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run reads immediately and then on every tick or nudge until ctx is done.
func (r *PositionReader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.nudge:
		}
		r.tick(ctx)
	}
}

// tick reads once, retrying a single time after RetryDelay. Only a run of
// FailureThreshold missed ticks is surfaced.
func (r *PositionReader) tick(ctx context.Context) {
	snap, err := r.Read(ctx)
	if err != nil && ctx.Err() == nil {
		r.metrics.RecordPoll("retried")
		r.logger.DebugContext(ctx, "position read failed, retrying", slog.String("error", err.Error()))
		if sleepCtx(ctx, r.cfg.RetryDelay) != nil {
			return
		}
		snap, err = r.Read(ctx)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		r.misses++
		r.metrics.RecordPoll("missed")
		r.logger.WarnContext(ctx, "position poll missed",
			slog.Int("consecutive", r.misses),
			slog.String("error", err.Error()),
		)
		if r.misses == r.cfg.FailureThreshold {
			r.sink.OnPollFailure(domain.NewError(domain.KindObservation, "poll", domain.ErrPollFailing, err))
		}
		return
	}

	if r.misses >= r.cfg.FailureThreshold {
		r.logger.InfoContext(ctx, "position polling recovered", slog.Int("missed", r.misses))
		r.sink.OnPollRecovered()
	}
	r.misses = 0
	r.metrics.RecordPoll("ok")
	r.sink.OnSnapshot(snap)
}
