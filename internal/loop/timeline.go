package loop

import (
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// Timeline is the append-only activity log of one session. It is not safe
// for concurrent use; the owning session serialises access.
//
// Entries are never removed or reordered. Placeholder entries (waiting
// markers, optimistic pending deposits) are marked superseded once the entry
// they stand in for arrives, and View hides them.
type Timeline struct {
	entries    []domain.ActivityEntry
	superseded []bool
	now        func() time.Time
}

// NewTimeline returns an empty timeline. A nil clock uses time.Now.
func NewTimeline(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{now: now}
}

// Append adds e to the end of the log and returns it with Seq and Timestamp
// assigned. Timestamps never go backwards.
func (t *Timeline) Append(e domain.ActivityEntry) domain.ActivityEntry {
	e.Seq = len(t.entries) + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now().UTC()
	}
	if n := len(t.entries); n > 0 && e.Timestamp.Before(t.entries[n-1].Timestamp) {
		e.Timestamp = t.entries[n-1].Timestamp
	}

	switch {
	case e.Kind == domain.ActivityLoopStep || e.Kind == domain.ActivityClose:
		t.supersede(func(prev domain.ActivityEntry) bool {
			return prev.Kind == domain.ActivityWaiting
		})
	case e.Kind == domain.ActivityDeposit && e.Status != domain.StatusPending && e.TxHash != "":
		t.supersede(func(prev domain.ActivityEntry) bool {
			return prev.Kind == domain.ActivityDeposit && prev.Status == domain.StatusPending && prev.TxHash == e.TxHash
		})
	case e.Kind == domain.ActivityError && e.TxHash != "":
		// A failed submission resolves its optimistic deposit.
		t.supersede(func(prev domain.ActivityEntry) bool {
			return prev.Kind == domain.ActivityDeposit && prev.Status == domain.StatusPending && prev.TxHash == e.TxHash
		})
	}

	t.entries = append(t.entries, e)
	t.superseded = append(t.superseded, false)
	return e
}

func (t *Timeline) supersede(match func(domain.ActivityEntry) bool) {
	for i, prev := range t.entries {
		if !t.superseded[i] && prev.IsPlaceholder() && match(prev) {
			t.superseded[i] = true
		}
	}
}

// Log returns every entry ever appended, in order.
func (t *Timeline) Log() []domain.ActivityEntry {
	out := make([]domain.ActivityEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// View returns the entries a user should see: the log minus superseded
// placeholders.
func (t *Timeline) View() []domain.ActivityEntry {
	out := make([]domain.ActivityEntry, 0, len(t.entries))
	for i, e := range t.entries {
		if !t.superseded[i] {
			out = append(out, e)
		}
	}
	return out
}

// Len is the number of appended entries.
func (t *Timeline) Len() int { return len(t.entries) }

// Waiting reports whether an unresolved waiting marker is visible.
func (t *Timeline) Waiting() bool {
	for i, e := range t.entries {
		if e.Kind == domain.ActivityWaiting && !t.superseded[i] {
			return true
		}
	}
	return false
}

// Restore rebuilds a timeline from a persisted log by replaying it.
func Restore(log []domain.ActivityEntry, now func() time.Time) *Timeline {
	t := NewTimeline(now)
	for _, e := range log {
		t.Append(e)
	}
	return t
}

// DepositEntry records a deposit, pending (optimistic, just broadcast) or
// confirmed by the Deposited event.
func DepositEntry(ev *domain.DepositedEvent, tx string, status domain.ActivityStatus) domain.ActivityEntry {
	d := &domain.DepositDetail{}
	msg := "Depositing to automation account"
	if ev != nil {
		d.Amount = domain.FromWei(ev.Amount)
		if ev.CurrentLTV != nil {
			d.LTVBps = ev.CurrentLTV.Int64()
		}
		msg = fmt.Sprintf("Deposited %s", d.Amount.StringFixed(4))
	}
	return domain.ActivityEntry{
		Kind:    domain.ActivityDeposit,
		Status:  status,
		TxHash:  tx,
		Message: msg,
		Deposit: d,
	}
}

// PendingDepositEntry is the optimistic entry for a broadcast deposit.
func PendingDepositEntry(amount *big.Int, tx string) domain.ActivityEntry {
	e := DepositEntry(nil, tx, domain.StatusPending)
	e.Deposit.Amount = domain.FromWei(amount)
	e.Message = fmt.Sprintf("Depositing %s", e.Deposit.Amount.StringFixed(4))
	return e
}

// WaitingEntry marks that the automation has not acted yet.
func WaitingEntry() domain.ActivityEntry {
	return domain.ActivityEntry{
		Kind:    domain.ActivityWaiting,
		Status:  domain.StatusPending,
		Message: "Waiting for automation",
	}
}

// LoopStepEntry records one iteration.
func LoopStepEntry(it domain.LoopIteration) domain.ActivityEntry {
	return domain.ActivityEntry{
		Kind:   domain.ActivityLoopStep,
		Status: domain.StatusSuccess,
		TxHash: it.TxHash.Hex(),
		Message: fmt.Sprintf("Loop step %d: borrowed %s, supplied %s, LTV %.2f%%",
			it.IterationID,
			domain.FromWei(it.Borrowed).StringFixed(2),
			domain.FromWei(it.Supplied).StringFixed(4),
			float64(it.ResultingLTVBps)/100),
		LoopStep: &domain.LoopStepDetail{
			IterationID: it.IterationID,
			Borrowed:    domain.FromWei(it.Borrowed),
			Supplied:    domain.FromWei(it.Supplied),
			LTVBps:      it.ResultingLTVBps,
		},
	}
}

// CloseEntry records a closed position.
func CloseEntry(ev *domain.PositionClosedEvent, tx string) domain.ActivityEntry {
	d := &domain.CloseDetail{
		DebtRepaid:         domain.FromWei(ev.DebtRepaid),
		CollateralReturned: domain.FromWei(ev.CollateralReturned),
	}
	return domain.ActivityEntry{
		Kind:   domain.ActivityClose,
		Status: domain.StatusSuccess,
		TxHash: tx,
		Message: fmt.Sprintf("Position closed: repaid %s, returned %s",
			d.DebtRepaid.StringFixed(2), d.CollateralReturned.StringFixed(4)),
		Close: d,
	}
}

// ErrorEntry records a surfaced failure with its reason string verbatim.
func ErrorEntry(err error, tx string) domain.ActivityEntry {
	kind := domain.KindOf(err)
	return domain.ActivityEntry{
		Kind:    domain.ActivityError,
		Status:  domain.StatusError,
		TxHash:  tx,
		Message: err.Error(),
		Error:   &domain.ErrorDetail{Kind: kind, Reason: err.Error()},
	}
}
