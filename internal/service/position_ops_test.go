package service

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

func newTestOps(chain *fakeChain) *PositionOps {
	sub := NewSubmitter(chain, nil, time.Second, discardLogger())
	return NewPositionOps(chain, sub, Tokens{Collateral: testCollateral, Debt: testDebt}, discardLogger())
}

func unpackArgs(t *testing.T, method string, data []byte) []interface{} {
	t.Helper()
	m := evm.AccountABI.Methods[method]
	require.True(t, bytes.HasPrefix(data, m.ID), "selector of %s", method)
	args, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return args
}

func TestRepayClampsToDebtAndApproves(t *testing.T) {
	chain := newFakeChain()
	signer := testSigner(t)
	debt := wei("5000000000000000000")
	chain.setStatus(wei("20000000000000000000"), debt, big.NewInt(2500))
	chain.setBalance(testDebt, signer.Address(), wei("9000000000000000000"))

	res, err := newTestOps(chain).Repay(context.Background(), signer, testAccount, wei("8000000000000000000"), nil)
	require.NoError(t, err)
	require.Equal(t, debt, res.Amount)

	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	require.Equal(t, testDebt, sent[0].To)
	require.True(t, bytes.HasPrefix(sent[0].Data, evm.TokenABI.Methods["approve"].ID))
	require.Equal(t, testAccount, sent[1].To)
	args := unpackArgs(t, "repayPartial", sent[1].Data)
	require.Equal(t, testDebt, args[0])
	require.Equal(t, debt, args[1])
}

func TestRepaySkipsApproveWithAllowance(t *testing.T) {
	chain := newFakeChain()
	signer := testSigner(t)
	chain.setStatus(wei("20"), wei("5"), big.NewInt(2500))
	chain.setBalance(testDebt, signer.Address(), wei("5"))
	chain.allowance[testAccount] = wei("100")

	_, err := newTestOps(chain).Repay(context.Background(), signer, testAccount, wei("5"), nil)
	require.NoError(t, err)
	require.Len(t, chain.sentTxs(), 1)
}

func TestRepayWithoutDebt(t *testing.T) {
	chain := newFakeChain()
	_, err := newTestOps(chain).Repay(context.Background(), testSigner(t), testAccount, wei("1"), nil)
	require.ErrorIs(t, err, domain.ErrNoPosition)
	require.Empty(t, chain.sentTxs())
}

func TestCloseReportsShortage(t *testing.T) {
	chain := newFakeChain()
	signer := testSigner(t)
	chain.setStatus(wei("20000000000000000000"), wei("5000000000000000000"), big.NewInt(2500))
	chain.setBalance(testDebt, signer.Address(), wei("2000000000000000000"))

	_, err := newTestOps(chain).Close(context.Background(), signer, testAccount, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	var e *domain.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, "shortage 3", e.Reason)
	require.Empty(t, chain.sentTxs())
}

func TestCloseWithoutDebtSkipsFunding(t *testing.T) {
	chain := newFakeChain()
	chain.setStatus(wei("20"), wei("0"), big.NewInt(0))

	_, err := newTestOps(chain).Close(context.Background(), testSigner(t), testAccount, nil)
	require.NoError(t, err)
	sent := chain.sentTxs()
	require.Len(t, sent, 1)
	args := unpackArgs(t, "fullClosePosition", sent[0].Data)
	require.Equal(t, testCollateral, args[0])
	require.Equal(t, testDebt, args[1])
}

func TestCloseApprovesInterestHeadroom(t *testing.T) {
	chain := newFakeChain()
	signer := testSigner(t)
	debt := wei("5000000000000000000")
	chain.setStatus(wei("20000000000000000000"), debt, big.NewInt(2500))
	chain.setBalance(testDebt, signer.Address(), debt)

	res, err := newTestOps(chain).Close(context.Background(), signer, testAccount, nil)
	require.NoError(t, err)
	require.Equal(t, debt, res.Amount)

	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	approve := evm.TokenABI.Methods["approve"]
	require.True(t, bytes.HasPrefix(sent[0].Data, approve.ID))
	args, err := approve.Inputs.Unpack(sent[0].Data[4:])
	require.NoError(t, err)
	require.Equal(t, testAccount, args[0])
	approved := args[1].(*big.Int)
	require.Equal(t, 1, approved.Cmp(debt))
	require.Equal(t, wei("5005000000000000001"), approved)
	unpackArgs(t, "fullClosePosition", sent[1].Data)

	// An allowance that only covers the stale debt is topped up.
	chain = newFakeChain()
	chain.setStatus(wei("20000000000000000000"), debt, big.NewInt(2500))
	chain.setBalance(testDebt, signer.Address(), debt)
	chain.allowance[testAccount] = debt
	_, err = newTestOps(chain).Close(context.Background(), signer, testAccount, nil)
	require.NoError(t, err)
	require.Len(t, chain.sentTxs(), 2)
}

func TestCloseEmptyPosition(t *testing.T) {
	_, err := newTestOps(newFakeChain()).Close(context.Background(), testSigner(t), testAccount, nil)
	require.ErrorIs(t, err, domain.ErrNoPosition)
}

func TestWithdraw(t *testing.T) {
	chain := newFakeChain()
	_, err := newTestOps(chain).Withdraw(context.Background(), testSigner(t), testAccount, wei("7"), nil)
	require.NoError(t, err)
	args := unpackArgs(t, "withdraw", chain.sentTxs()[0].Data)
	require.Equal(t, testCollateral, args[0])
	require.Equal(t, wei("7"), args[1])

	_, err = newTestOps(chain).Withdraw(context.Background(), testSigner(t), testAccount, big.NewInt(0), nil)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestEnsureCaller(t *testing.T) {
	ctx := context.Background()

	t.Run("matching", func(t *testing.T) {
		chain := newFakeChain()
		chain.caller = testCaller
		require.NoError(t, newTestOps(chain).EnsureCaller(ctx, nil, testAccount, testCaller, false))
		require.Empty(t, chain.sentTxs())
	})

	t.Run("mismatch without assignment", func(t *testing.T) {
		chain := newFakeChain()
		err := newTestOps(chain).EnsureCaller(ctx, nil, testAccount, testCaller, false)
		require.ErrorIs(t, err, domain.ErrCallerMismatch)
		require.Equal(t, domain.KindConfiguration, domain.KindOf(err))
	})

	t.Run("assigns and re-reads", func(t *testing.T) {
		chain := newFakeChain()
		chain.onSent = func(tx sentTx) {
			args := unpackArgs(t, "setRSCCaller", tx.Data)
			chain.mu.Lock()
			chain.caller = args[0].(common.Address)
			chain.mu.Unlock()
		}
		require.NoError(t, newTestOps(chain).EnsureCaller(ctx, testSigner(t), testAccount, testCaller, true))
		require.Len(t, chain.sentTxs(), 1)
	})

	t.Run("assignment ignored by account", func(t *testing.T) {
		chain := newFakeChain()
		err := newTestOps(chain).EnsureCaller(ctx, testSigner(t), testAccount, testCaller, true)
		require.ErrorIs(t, err, domain.ErrCallerMismatch)
	})
}
