package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainEventKind identifies a decoded automation account event.
type ChainEventKind string

const (
	EventDeposited      ChainEventKind = "deposited"
	EventLoopStep       ChainEventKind = "loop_step"
	EventPositionClosed ChainEventKind = "position_closed"
)

// ChainEvent is a decoded log from the automation account. Exactly one of
// the payload pointers matching Kind is set.
type ChainEvent struct {
	Kind     ChainEventKind `json:"kind"`
	Block    uint64         `json:"block"`
	LogIndex uint           `json:"log_index"`
	TxHash   common.Hash    `json:"tx_hash"`

	Deposited *DepositedEvent      `json:"deposited,omitempty"`
	LoopStep  *LoopStepEvent       `json:"loop_step,omitempty"`
	Closed    *PositionClosedEvent `json:"closed,omitempty"`
}

// DepositedEvent mirrors Deposited(address indexed user, uint256 amount, uint256 currentLTV).
type DepositedEvent struct {
	User       common.Address `json:"user"`
	Amount     *big.Int       `json:"amount"`
	CurrentLTV *big.Int       `json:"current_ltv"`
}

// LoopStepEvent mirrors LoopStepExecuted(borrowed, newCollateral, currentLTV, iterationId).
type LoopStepEvent struct {
	Borrowed      *big.Int `json:"borrowed"`
	NewCollateral *big.Int `json:"new_collateral"`
	CurrentLTV    *big.Int `json:"current_ltv"`
	IterationID   *big.Int `json:"iteration_id"`
}

// PositionClosedEvent mirrors PositionClosed(debtRepaid, collateralReturned).
type PositionClosedEvent struct {
	DebtRepaid         *big.Int `json:"debt_repaid"`
	CollateralReturned *big.Int `json:"collateral_returned"`
}

// LogPosition is the canonical (block, logIndex) ordering key of a log.
type LogPosition struct {
	Block    uint64
	LogIndex uint
}

// Position returns the ordering key of the event.
func (e ChainEvent) Position() LogPosition {
	return LogPosition{Block: e.Block, LogIndex: e.LogIndex}
}

// After reports whether p is strictly later than o in canonical log order.
func (p LogPosition) After(o LogPosition) bool {
	if p.Block != o.Block {
		return p.Block > o.Block
	}
	return p.LogIndex > o.LogIndex
}
