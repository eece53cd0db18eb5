package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SessionStatus is the lifecycle state of a LoopSession.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionDepositing SessionStatus = "depositing"
	SessionLooping    SessionStatus = "looping"
	SessionCompleted  SessionStatus = "completed"
	SessionTimedOut   SessionStatus = "timed_out"
	SessionClosed     SessionStatus = "closed"
	SessionTornDown   SessionStatus = "torn_down"
)

// Active reports whether the session still drives the loop.
func (s SessionStatus) Active() bool {
	switch s {
	case SessionIdle, SessionDepositing, SessionLooping, SessionCompleted:
		return true
	default:
		return false
	}
}

// AcceptsDeposit reports whether a new deposit may be started. A closed
// position can be reopened within the same session.
func (s SessionStatus) AcceptsDeposit() bool {
	switch s {
	case SessionIdle, SessionCompleted, SessionTimedOut, SessionClosed:
		return true
	default:
		return false
	}
}

// StopReason explains why the loop stopped.
type StopReason string

const (
	StopNone          StopReason = ""
	StopTargetReached StopReason = "target_reached"
	StopIterationCap  StopReason = "iteration_cap_reached"
	StopTimeout       StopReason = "timeout"
	StopClosed        StopReason = "closed"
)

// LoopSession is the aggregate root for one (owner, automation account) pair.
type LoopSession struct {
	ID         string         `json:"id"`
	Owner      common.Address `json:"owner"`
	Account    common.Address `json:"account"`
	Caller     common.Address `json:"caller"`
	StartBlock uint64         `json:"start_block"`
	Status     SessionStatus  `json:"status"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ClosedAt   *time.Time     `json:"closed_at,omitempty"`
}

// LoopIteration is one automation step observed on chain.
type LoopIteration struct {
	IterationID     uint64      `json:"iteration_id"`
	Borrowed        *big.Int    `json:"borrowed"`
	Supplied        *big.Int    `json:"supplied"`
	ResultingLTVBps int64       `json:"resulting_ltv_bps"`
	TxHash          common.Hash `json:"tx_hash"`
	Block           uint64      `json:"block"`
	LogIndex        uint        `json:"log_index"`
	ObservedAt      time.Time   `json:"observed_at"`
}
