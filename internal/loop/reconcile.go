package loop

import (
	"time"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// Reconciler merges the two producers of position state. Events are
// authoritative and strictly ordered by (block, logIndex); poll snapshots
// are the only source of the valuation and are dropped when older than the
// last applied event. The LTV an event reports is kept apart so that the
// published Position always satisfies LTVBps == ComputeLTVBps(coll, debt).
type Reconciler struct {
	position   domain.Position
	iterations []domain.LoopIteration
	last       domain.LogPosition
	seen       bool
	eventLTV   int64
}

// NewReconciler starts from an empty position.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// ApplyEvent folds ev into the state. It returns false for an event at or
// before the last applied one. For a loop step the new iteration is returned.
func (r *Reconciler) ApplyEvent(ev domain.ChainEvent, now time.Time) (*domain.LoopIteration, bool) {
	pos := ev.Position()
	if r.seen && !pos.After(r.last) {
		return nil, false
	}
	r.seen = true
	r.last = pos

	var it *domain.LoopIteration
	switch ev.Kind {
	case domain.EventDeposited:
		if ev.Deposited.CurrentLTV != nil {
			r.eventLTV = ev.Deposited.CurrentLTV.Int64()
		}
	case domain.EventLoopStep:
		s := ev.LoopStep
		it = &domain.LoopIteration{
			IterationID:     s.IterationID.Uint64(),
			Borrowed:        s.Borrowed,
			Supplied:        s.NewCollateral,
			ResultingLTVBps: s.CurrentLTV.Int64(),
			TxHash:          ev.TxHash,
			Block:           ev.Block,
			LogIndex:        ev.LogIndex,
			ObservedAt:      now.UTC(),
		}
		r.iterations = append(r.iterations, *it)
		r.eventLTV = it.ResultingLTVBps
	case domain.EventPositionClosed:
		r.position = domain.Position{}
		r.iterations = nil
		r.eventLTV = 0
	}
	r.position.LTVBps = domain.ComputeLTVBps(r.position.CollateralValue, r.position.DebtValue)
	r.position.Block = ev.Block
	r.position.Source = domain.SourceEvent
	r.position.ObservedAt = now.UTC()
	return it, true
}

// ApplyPoll accepts snap when it is not older than the last applied event or
// the current position.
func (r *Reconciler) ApplyPoll(snap domain.Position) bool {
	if r.seen && snap.Block < r.last.Block {
		return false
	}
	if snap.Block < r.position.Block {
		return false
	}
	snap.Source = domain.SourcePoll
	snap.LTVBps = domain.ComputeLTVBps(snap.CollateralValue, snap.DebtValue)
	r.position = snap
	return true
}

// ReportedLTV is the LTV carried by the last Deposited or LoopStepExecuted
// event since the last close. It may run ahead of Position until the next
// poll revalues collateral and debt.
func (r *Reconciler) ReportedLTV() int64 { return r.eventLTV }

// Position returns the merged snapshot.
func (r *Reconciler) Position() domain.Position { return r.position }

// Iterations returns the iterations observed since the last close, ordered
// by observation.
func (r *Reconciler) Iterations() []domain.LoopIteration {
	out := make([]domain.LoopIteration, len(r.iterations))
	copy(out, r.iterations)
	return out
}

// LastIterationID is the highest iteration id seen, or 0.
func (r *Reconciler) LastIterationID() uint64 {
	if len(r.iterations) == 0 {
		return 0
	}
	return r.iterations[len(r.iterations)-1].IterationID
}

// LastEvent is the cursor of the last applied event.
func (r *Reconciler) LastEvent() (domain.LogPosition, bool) {
	return r.last, r.seen
}
