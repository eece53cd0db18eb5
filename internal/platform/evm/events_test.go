package evm

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

var testAccount = common.HexToAddress("0x23c660d225a8136bECA75629D6EB23e188069a2E")

func TestDecodeLogDeposited(t *testing.T) {
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	amount, _ := new(big.Int).SetString("40000000000000000", 10)
	raw, err := encodeLog(testAccount, domain.ChainEvent{
		Kind:     domain.EventDeposited,
		Block:    100,
		LogIndex: 3,
		TxHash:   common.HexToHash("0x01"),
		Deposited: &domain.DepositedEvent{
			User:       user,
			Amount:     amount,
			CurrentLTV: big.NewInt(0),
		},
	})
	require.NoError(t, err)
	require.Equal(t, DepositedTopic, raw.Topics[0])

	ev, err := DecodeLog(raw)
	require.NoError(t, err)
	require.Equal(t, domain.EventDeposited, ev.Kind)
	require.Equal(t, uint64(100), ev.Block)
	require.Equal(t, uint(3), ev.LogIndex)
	require.Equal(t, user, ev.Deposited.User)
	require.Zero(t, amount.Cmp(ev.Deposited.Amount))
	require.Zero(t, ev.Deposited.CurrentLTV.Sign())
}

func TestDecodeLogLoopStep(t *testing.T) {
	raw, err := encodeLog(testAccount, domain.ChainEvent{
		Kind: domain.EventLoopStep,
		LoopStep: &domain.LoopStepEvent{
			Borrowed:      big.NewInt(50),
			NewCollateral: big.NewInt(150),
			CurrentLTV:    big.NewInt(7600),
			IterationID:   big.NewInt(1),
		},
	})
	require.NoError(t, err)
	require.Len(t, raw.Topics, 1)

	ev, err := DecodeLog(raw)
	require.NoError(t, err)
	require.Equal(t, domain.EventLoopStep, ev.Kind)
	require.Equal(t, int64(7600), ev.LoopStep.CurrentLTV.Int64())
	require.Equal(t, int64(1), ev.LoopStep.IterationID.Int64())
	require.Equal(t, int64(150), ev.LoopStep.NewCollateral.Int64())
}

func TestDecodeLogPositionClosed(t *testing.T) {
	raw, err := encodeLog(testAccount, domain.ChainEvent{
		Kind: domain.EventPositionClosed,
		Closed: &domain.PositionClosedEvent{
			DebtRepaid:         big.NewInt(10),
			CollateralReturned: big.NewInt(20),
		},
	})
	require.NoError(t, err)

	ev, err := DecodeLog(raw)
	require.NoError(t, err)
	require.Equal(t, domain.EventPositionClosed, ev.Kind)
	require.Equal(t, int64(10), ev.Closed.DebtRepaid.Int64())
	require.Equal(t, int64(20), ev.Closed.CollateralReturned.Int64())
}

func TestDecodeLogRejectsForeignAndTruncated(t *testing.T) {
	_, err := DecodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeLog(types.Log{})
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeLog(types.Log{Topics: []common.Hash{LoopStepExecutedTopic}, Data: []byte{1, 2, 3}})
	require.Error(t, err)

	_, err = DecodeLog(types.Log{Topics: []common.Hash{DepositedTopic}})
	require.Error(t, err)
}

func TestEventsFromReceiptFiltersByAccount(t *testing.T) {
	closed, err := encodeLog(testAccount, domain.ChainEvent{
		Kind:   domain.EventPositionClosed,
		Closed: &domain.PositionClosedEvent{DebtRepaid: big.NewInt(1), CollateralReturned: big.NewInt(2)},
	})
	require.NoError(t, err)
	foreign := closed
	foreign.Address = common.HexToAddress("0x01")

	receipt := &types.Receipt{Logs: []*types.Log{&foreign, &closed, {Address: testAccount}}}
	events := EventsFromReceipt(receipt, testAccount)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventPositionClosed, events[0].Kind)
}

func TestLogQueryConstrainsOnlySignatures(t *testing.T) {
	q := LogQuery(testAccount, big.NewInt(5), nil)
	require.Equal(t, []common.Address{testAccount}, q.Addresses)
	require.Len(t, q.Topics, 1)
	require.ElementsMatch(t, []common.Hash{DepositedTopic, LoopStepExecutedTopic, PositionClosedTopic}, q.Topics[0])
	require.Nil(t, q.ToBlock)
}

// encodeLog builds the raw log DecodeLog turns back into ev.
func encodeLog(account common.Address, ev domain.ChainEvent) (types.Log, error) {
	l := types.Log{
		Address:     account,
		BlockNumber: ev.Block,
		Index:       ev.LogIndex,
		TxHash:      ev.TxHash,
	}
	var err error
	switch ev.Kind {
	case domain.EventDeposited:
		l.Topics = []common.Hash{DepositedTopic, common.BytesToHash(ev.Deposited.User.Bytes())}
		l.Data, err = AccountABI.Events["Deposited"].Inputs.NonIndexed().Pack(ev.Deposited.Amount, ev.Deposited.CurrentLTV)
	case domain.EventLoopStep:
		s := ev.LoopStep
		l.Topics = []common.Hash{LoopStepExecutedTopic}
		l.Data, err = AccountABI.Events["LoopStepExecuted"].Inputs.Pack(s.Borrowed, s.NewCollateral, s.CurrentLTV, s.IterationID)
	case domain.EventPositionClosed:
		l.Topics = []common.Hash{PositionClosedTopic}
		l.Data, err = AccountABI.Events["PositionClosed"].Inputs.Pack(ev.Closed.DebtRepaid, ev.Closed.CollateralReturned)
	default:
		return types.Log{}, ErrUnknownEvent
	}
	if err != nil {
		return types.Log{}, fmt.Errorf("evm: encode %s: %w", ev.Kind, err)
	}
	return l, nil
}
