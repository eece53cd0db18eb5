package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// ErrUnknownEvent is returned for logs that are not one of the three
// automation account events.
var ErrUnknownEvent = errors.New("evm: unknown event")

// LogQuery selects the automation account events in [from, to]. A nil bound
// is open. The non-Deposited events carry no indexed fields, so only topic[0]
// is constrained; owner filtering happens after decoding.
func LogQuery(account common.Address, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{account},
		Topics: [][]common.Hash{{
			DepositedTopic,
			LoopStepExecutedTopic,
			PositionClosedTopic,
		}},
	}
}

// DecodeLog turns a raw automation account log into a ChainEvent.
func DecodeLog(l types.Log) (domain.ChainEvent, error) {
	if len(l.Topics) == 0 {
		return domain.ChainEvent{}, ErrUnknownEvent
	}
	ev := domain.ChainEvent{
		Block:    l.BlockNumber,
		LogIndex: l.Index,
		TxHash:   l.TxHash,
	}

	switch l.Topics[0] {
	case DepositedTopic:
		if len(l.Topics) < 2 {
			return domain.ChainEvent{}, fmt.Errorf("evm: decode Deposited: missing user topic")
		}
		vals, err := unpackBigs("Deposited", l.Data, 2)
		if err != nil {
			return domain.ChainEvent{}, err
		}
		ev.Kind = domain.EventDeposited
		ev.Deposited = &domain.DepositedEvent{
			User:       common.BytesToAddress(l.Topics[1].Bytes()),
			Amount:     vals[0],
			CurrentLTV: vals[1],
		}
	case LoopStepExecutedTopic:
		vals, err := unpackBigs("LoopStepExecuted", l.Data, 4)
		if err != nil {
			return domain.ChainEvent{}, err
		}
		ev.Kind = domain.EventLoopStep
		ev.LoopStep = &domain.LoopStepEvent{
			Borrowed:      vals[0],
			NewCollateral: vals[1],
			CurrentLTV:    vals[2],
			IterationID:   vals[3],
		}
	case PositionClosedTopic:
		vals, err := unpackBigs("PositionClosed", l.Data, 2)
		if err != nil {
			return domain.ChainEvent{}, err
		}
		ev.Kind = domain.EventPositionClosed
		ev.Closed = &domain.PositionClosedEvent{
			DebtRepaid:         vals[0],
			CollateralReturned: vals[1],
		}
	default:
		return domain.ChainEvent{}, ErrUnknownEvent
	}
	return ev, nil
}

func unpackBigs(event string, data []byte, n int) ([]*big.Int, error) {
	values, err := AccountABI.Unpack(event, data)
	if err != nil {
		return nil, fmt.Errorf("evm: decode %s: %w", event, err)
	}
	if len(values) != n {
		return nil, fmt.Errorf("evm: decode %s: got %d fields, want %d", event, len(values), n)
	}
	out := make([]*big.Int, n)
	for i, v := range values {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("evm: decode %s: field %d is %T", event, i, v)
		}
		out[i] = b
	}
	return out, nil
}

// EventsFromReceipt decodes the automation account events emitted by a
// mined transaction, in log order.
func EventsFromReceipt(receipt *types.Receipt, account common.Address) []domain.ChainEvent {
	if receipt == nil {
		return nil
	}
	var out []domain.ChainEvent
	for _, l := range receipt.Logs {
		if l == nil || l.Address != account {
			continue
		}
		ev, err := DecodeLog(*l)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}
