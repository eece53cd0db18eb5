package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/loop"
)

var testOwner = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

func newTestSession(t *testing.T, policy loop.Policy, watchdog time.Duration) *Session {
	t.Helper()
	now := time.Now().UTC()
	rec := domain.LoopSession{
		ID:        "session-1",
		Owner:     testOwner,
		Account:   testAccount,
		Caller:    testCaller,
		Status:    domain.SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s := NewSession(rec, SessionConfig{
		Policy:             policy,
		DangerThresholdPct: 75,
		WatchdogTimeout:    watchdog,
	}, SessionDeps{Logger: discardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s
}

// settle waits until every mutation posted so far has been applied.
func settle(t *testing.T, s *Session) {
	t.Helper()
	_, err := s.FullLog(context.Background())
	require.NoError(t, err)
}

func viewKinds(v View) []domain.ActivityKind {
	out := make([]domain.ActivityKind, len(v.Timeline))
	for i, e := range v.Timeline {
		out[i] = e.Kind
	}
	return out
}

var defaultPolicy = loop.Policy{TargetLTVBps: 7500, MaxIterations: 3}

// depositFlow runs a 0.04 deposit through the session the way the manager
// and the event monitor drive it.
func depositFlow(t *testing.T, s *Session) common.Hash {
	t.Helper()
	ctx := context.Background()
	tx := common.HexToHash("0xd0")
	amount := wei("40000000000000000")

	require.NoError(t, s.BeginDeposit(ctx))
	s.DepositSent(tx, amount)
	s.OnChainEvent(domain.ChainEvent{
		Kind: domain.EventDeposited, Block: 101, TxHash: tx,
		Deposited: &domain.DepositedEvent{User: testOwner, Amount: amount, CurrentLTV: wei("0")},
	})
	s.DepositFinished(DepositReceipt{TxHash: tx, Block: 101}, nil)
	s.OnSnapshot(PollSnapshot{
		Position: domain.Position{
			CollateralValue: decimal.RequireFromString("120.5"),
			DebtValue:       decimal.Zero,
			Block:           101,
			Source:          domain.SourcePoll,
		},
		WalletBalance: decimal.RequireFromString("0.96"),
	})
	settle(t, s)
	return tx
}

func TestScenarioADeposit(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	tx := depositFlow(t, s)

	v := s.View()
	require.Equal(t, []domain.ActivityKind{domain.ActivityDeposit, domain.ActivityWaiting}, viewKinds(v))
	require.Equal(t, domain.StatusSuccess, v.Timeline[0].Status)
	require.Equal(t, tx.Hex(), v.Timeline[0].TxHash)
	require.Equal(t, "0.04", v.Timeline[0].Deposit.Amount.String())
	require.Equal(t, domain.SessionLooping, v.Session.Status)
	require.True(t, v.Position.CollateralValue.IsPositive())
	require.True(t, v.Position.DebtValue.IsZero())
	require.Equal(t, "0.96", v.WalletBalance.String())
	require.True(t, v.Loop.Looping)
	require.NotNil(t, v.Loop.WatchdogDeadline)
}

func TestScenarioBTargetReached(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	depositFlow(t, s)

	s.OnChainEvent(stepEvent(102, 0, 1, 7600))
	settle(t, s)

	v := s.View()
	require.Equal(t, []domain.ActivityKind{domain.ActivityDeposit, domain.ActivityLoopStep}, viewKinds(v))
	require.Contains(t, v.Timeline[1].Message, "76.00%")
	require.Equal(t, domain.SessionCompleted, v.Session.Status)
	require.Equal(t, domain.StopTargetReached, v.Session.StopReason)
	require.Equal(t, int64(7600), v.Loop.ReportedLTVBps)
	require.Zero(t, v.Position.LTVBps)
	require.False(t, v.Metrics.Danger)
	require.Nil(t, v.Loop.WatchdogDeadline)
	require.Len(t, v.Iterations, 1)
}

func TestScenarioCIterationCap(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	depositFlow(t, s)

	for i, ltv := range []int64{3000, 4500, 5200} {
		s.OnChainEvent(stepEvent(uint64(102+i), 0, int64(i+1), ltv))
		settle(t, s)
		if i < 2 {
			require.Equal(t, domain.SessionLooping, s.View().Session.Status)
		}
	}

	v := s.View()
	require.Equal(t, domain.SessionCompleted, v.Session.Status)
	require.Equal(t, domain.StopIterationCap, v.Session.StopReason)
	require.Equal(t, []domain.ActivityKind{
		domain.ActivityDeposit,
		domain.ActivityLoopStep,
		domain.ActivityLoopStep,
		domain.ActivityLoopStep,
	}, viewKinds(v))
	require.Equal(t, uint64(3), v.Loop.LastIteration)
}

func TestScenarioDWatchdogTimeout(t *testing.T) {
	s := newTestSession(t, defaultPolicy, 50*time.Millisecond)
	depositFlow(t, s)

	require.Eventually(t, func() bool {
		return s.View().Session.Status == domain.SessionTimedOut
	}, 2*time.Second, 10*time.Millisecond)

	v := s.View()
	require.Equal(t, domain.StopTimeout, v.Session.StopReason)
	require.Equal(t, []domain.ActivityKind{
		domain.ActivityDeposit,
		domain.ActivityWaiting,
		domain.ActivityError,
	}, viewKinds(v))
	errEntry := v.Timeline[2]
	require.Equal(t, domain.KindTimeout, errEntry.Error.Kind)
	require.Contains(t, errEntry.Message, domain.ErrNoAutomationResponse.Error())
	require.Nil(t, v.Loop.WatchdogDeadline)
}

func TestLateIterationAfterTimeoutResumesLoop(t *testing.T) {
	s := newTestSession(t, defaultPolicy, 50*time.Millisecond)
	depositFlow(t, s)
	require.Eventually(t, func() bool {
		return s.View().Session.Status == domain.SessionTimedOut
	}, 2*time.Second, 10*time.Millisecond)

	s.OnChainEvent(stepEvent(110, 0, 1, 4000))
	settle(t, s)
	v := s.View()
	require.Equal(t, domain.SessionLooping, v.Session.Status)
	require.Equal(t, domain.ActivityWaiting, v.Timeline[len(v.Timeline)-1].Kind)
}

func TestDuplicateEventsAppliedOnce(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	depositFlow(t, s)

	ev := stepEvent(102, 3, 1, 4000)
	s.OnChainEvent(ev)
	s.OnChainEvent(ev)
	settle(t, s)

	v := s.View()
	require.Len(t, v.Iterations, 1)
	log, err := s.FullLog(context.Background())
	require.NoError(t, err)
	steps := 0
	for _, e := range log {
		if e.Kind == domain.ActivityLoopStep {
			steps++
		}
	}
	require.Equal(t, 1, steps)
}

func TestDepositFailureRestoresStatus(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.BeginDeposit(ctx))
	require.Equal(t, domain.SessionDepositing, s.View().Session.Status)

	declined := domain.NewError(domain.KindAuthorization, "permit", domain.ErrSigningDeclined, errors.New("user rejected"))
	s.DepositFinished(DepositReceipt{}, declined)
	settle(t, s)

	v := s.View()
	require.Equal(t, domain.SessionIdle, v.Session.Status)
	require.Equal(t, []domain.ActivityKind{domain.ActivityError}, viewKinds(v))
	require.Equal(t, domain.KindAuthorization, v.Timeline[0].Error.Kind)
	require.Empty(t, v.Timeline[0].TxHash)
}

func TestRevertedDepositKeepsPendingResolved(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	ctx := context.Background()
	tx := common.HexToHash("0xbad")

	require.NoError(t, s.BeginDeposit(ctx))
	s.DepositSent(tx, wei("40000000000000000"))
	rerr := &domain.Error{Kind: domain.KindSubmission, Op: "deposit", Reason: "ERC20Permit: invalid signature",
		Err: &domain.RevertError{Reason: "ERC20Permit: invalid signature"}}
	s.DepositFinished(DepositReceipt{TxHash: tx}, rerr)
	settle(t, s)

	v := s.View()
	require.Equal(t, domain.SessionIdle, v.Session.Status)
	require.Equal(t, []domain.ActivityKind{domain.ActivityError}, viewKinds(v))
	require.Equal(t, tx.Hex(), v.Timeline[0].TxHash)
	require.Contains(t, v.Timeline[0].Message, "ERC20Permit: invalid signature")
}

func TestDepositRejectedWhileLooping(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	depositFlow(t, s)

	err := s.BeginDeposit(context.Background())
	require.ErrorIs(t, err, domain.ErrLoopInProgress)
	require.Equal(t, domain.KindSubmission, domain.KindOf(err))
}

func TestCloseEventEndsLoopAndAllowsReopen(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	depositFlow(t, s)
	s.OnChainEvent(stepEvent(102, 0, 1, 7600))

	s.OnChainEvent(domain.ChainEvent{
		Kind: domain.EventPositionClosed, Block: 120, TxHash: common.HexToHash("0xc1"),
		Closed: &domain.PositionClosedEvent{DebtRepaid: wei("30000000000000000"), CollateralReturned: wei("40000000000000000")},
	})
	settle(t, s)

	v := s.View()
	require.Equal(t, domain.SessionClosed, v.Session.Status)
	require.Equal(t, domain.StopClosed, v.Session.StopReason)
	require.NotNil(t, v.Session.ClosedAt)
	require.True(t, v.Position.IsEmpty())
	require.Equal(t, domain.ActivityClose, v.Timeline[len(v.Timeline)-1].Kind)

	require.NoError(t, s.BeginDeposit(context.Background()))
}

func TestObservationErrorsSurfaceAndRecover(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)

	s.OnObservationError(domain.NewError(domain.KindObservation, "monitor", domain.ErrSubscriptionDropped, errors.New("ws closed")))
	s.OnPollFailure(domain.NewError(domain.KindObservation, "poll", domain.ErrPollFailing, errors.New("timeout")))
	settle(t, s)
	v := s.View()
	require.True(t, v.Health.EventsDegraded)
	require.True(t, v.Health.PollDegraded)
	require.Len(t, v.Timeline, 2)

	s.OnObservationRestored()
	s.OnPollRecovered()
	settle(t, s)
	v = s.View()
	require.False(t, v.Health.EventsDegraded)
	require.False(t, v.Health.PollDegraded)
}

func TestStalePollDoesNotOverrideEvent(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	depositFlow(t, s)
	s.OnChainEvent(stepEvent(105, 0, 1, 5000))
	s.OnSnapshot(PollSnapshot{Position: domain.Position{
		CollateralValue: decimal.RequireFromString("1"),
		LTVBps:          100,
		Block:           104,
		Source:          domain.SourcePoll,
	}})
	settle(t, s)

	v := s.View()
	require.Equal(t, "120.5", v.Position.CollateralValue.String())
	require.Equal(t, uint64(105), v.Position.Block)
	require.Equal(t, int64(5000), v.Loop.ReportedLTVBps)
}

func TestStoppedSessionRejectsCommands(t *testing.T) {
	s := newTestSession(t, defaultPolicy, time.Minute)
	s.Stop()

	<-s.Done()
	require.Equal(t, domain.SessionTornDown, s.View().Session.Status)
	err := s.BeginDeposit(context.Background())
	require.ErrorIs(t, err, domain.ErrSessionInactive)

	// posting after teardown must not block
	s.DepositSent(common.HexToHash("0x1"), wei("1"))
}
