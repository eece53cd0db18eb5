package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityKind tags the variant carried by an ActivityEntry.
type ActivityKind string

const (
	ActivityDeposit  ActivityKind = "deposit"
	ActivityWaiting  ActivityKind = "waiting"
	ActivityLoopStep ActivityKind = "loop_step"
	ActivityClose    ActivityKind = "close"
	ActivityError    ActivityKind = "error"
)

// ActivityStatus is the outcome recorded on an entry.
type ActivityStatus string

const (
	StatusPending ActivityStatus = "pending"
	StatusSuccess ActivityStatus = "success"
	StatusError   ActivityStatus = "error"
)

// ActivityEntry is one row of a session's timeline. Exactly one of the detail
// pointers matching Kind is set; waiting entries carry none.
type ActivityEntry struct {
	Seq       int            `json:"seq"`
	Kind      ActivityKind   `json:"kind"`
	Status    ActivityStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Message   string         `json:"message"`

	Deposit  *DepositDetail  `json:"deposit,omitempty"`
	LoopStep *LoopStepDetail `json:"loop_step,omitempty"`
	Close    *CloseDetail    `json:"close,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
}

// DepositDetail describes a deposit entry.
type DepositDetail struct {
	Amount decimal.Decimal `json:"amount"`
	LTVBps int64           `json:"ltv_bps"`
}

// LoopStepDetail describes one observed iteration.
type LoopStepDetail struct {
	IterationID uint64          `json:"iteration_id"`
	Borrowed    decimal.Decimal `json:"borrowed"`
	Supplied    decimal.Decimal `json:"supplied"`
	LTVBps      int64           `json:"ltv_bps"`
}

// CloseDetail describes a closed position.
type CloseDetail struct {
	DebtRepaid         decimal.Decimal `json:"debt_repaid"`
	CollateralReturned decimal.Decimal `json:"collateral_returned"`
}

// ErrorDetail describes a surfaced failure.
type ErrorDetail struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

// IsPlaceholder reports whether the entry may later be superseded: waiting
// markers and optimistic pending deposits.
func (e ActivityEntry) IsPlaceholder() bool {
	return e.Kind == ActivityWaiting || (e.Kind == ActivityDeposit && e.Status == StatusPending)
}
