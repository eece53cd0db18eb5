package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/crypto"
	"github.com/alanyoungcy/loopbot/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type rpcDataError struct {
	msg  string
	data interface{}
}

func (e rpcDataError) Error() string          { return e.msg }
func (e rpcDataError) ErrorData() interface{} { return e.data }

type fakeBackend struct {
	chainID   *big.Int
	head      uint64
	baseFee   *big.Int
	estimate  error
	callErr   error
	callOut   []byte
	receipts  map[common.Hash]*types.Receipt
	sent      []*types.Transaction
	logs      []types.Log
	lastQuery ethereum.FilterQuery
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error)  { return f.chainID, nil }
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}
func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callOut, f.callErr
}
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, f.estimate
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error)            { return big.NewInt(2), nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error)             { return big.NewInt(30), nil }
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	for _, tx := range f.sent {
		if tx.Hash() == h {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}
func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}
func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.lastQuery = q
	return f.logs, nil
}
func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}
func (f *fakeBackend) Close() {}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestDecodeRevertUsesErrorData(t *testing.T) {
	err := decodeRevert(rpcDataError{msg: "execution reverted", data: revertData(t, "ERC20Permit: expired deadline")})
	var rerr *domain.RevertError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "ERC20Permit: expired deadline", rerr.Reason)
	require.ErrorIs(t, err, domain.ErrTxReverted)
}

func TestDecodeRevertFallsBackToMessage(t *testing.T) {
	err := decodeRevert(errors.New("execution reverted: Not paused"))
	var rerr *domain.RevertError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "Not paused", rerr.Reason)

	plain := errors.New("connection refused")
	require.Equal(t, plain, decodeRevert(plain))
}

func TestCheckNetworkMismatch(t *testing.T) {
	c := New(&fakeBackend{chainID: big.NewInt(1)}, Options{ChainID: 11155111}, testLogger())
	require.ErrorIs(t, c.CheckNetwork(context.Background()), domain.ErrNetworkMismatch)

	c = New(&fakeBackend{chainID: big.NewInt(11155111)}, Options{ChainID: 11155111}, testLogger())
	require.NoError(t, c.CheckNetwork(context.Background()))
}

func TestTransactBuildsDynamicFeeTx(t *testing.T) {
	fb := &fakeBackend{chainID: big.NewInt(11155111), baseFee: big.NewInt(10), head: 5}
	c := New(fb, Options{ChainID: 11155111, GasLimitMultiplier: 1.5}, testLogger())
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)

	data, err := PackWithdraw(common.HexToAddress("0x02"), big.NewInt(1))
	require.NoError(t, err)
	hash, err := c.Transact(context.Background(), signer, testAccount, data)
	require.NoError(t, err)
	require.Len(t, fb.sent, 1)

	tx := fb.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(150_000), tx.Gas())
	require.Equal(t, int64(22), tx.GasFeeCap().Int64())
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), from)
}

func TestTransactRevertAtEstimation(t *testing.T) {
	fb := &fakeBackend{
		chainID:  big.NewInt(11155111),
		baseFee:  big.NewInt(10),
		estimate: rpcDataError{msg: "execution reverted", data: revertData(t, "insufficient allowance")},
	}
	c := New(fb, Options{ChainID: 11155111}, testLogger())
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)

	_, err = c.Transact(context.Background(), signer, testAccount, []byte{1})
	require.ErrorIs(t, err, domain.ErrTxReverted)
	require.Contains(t, err.Error(), "insufficient allowance")
	require.Empty(t, fb.sent)
}

func TestWaitReceiptReplaysRevertReason(t *testing.T) {
	fb := &fakeBackend{
		chainID:  big.NewInt(11155111),
		baseFee:  big.NewInt(10),
		head:     9,
		receipts: map[common.Hash]*types.Receipt{},
	}
	c := New(fb, Options{ChainID: 11155111, ReceiptPoll: time.Millisecond}, testLogger())
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)

	hash, err := c.Transact(context.Background(), signer, testAccount, []byte{1})
	require.NoError(t, err)
	fb.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}
	fb.callErr = rpcDataError{msg: "execution reverted", data: revertData(t, "Permit: invalid signature")}

	receipt, err := c.WaitReceipt(context.Background(), hash)
	require.NotNil(t, receipt)
	var rerr *domain.RevertError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "Permit: invalid signature", rerr.Reason)
}

func TestWaitReceiptHonoursConfirmations(t *testing.T) {
	hash := common.HexToHash("0xabc")
	fb := &fakeBackend{
		head:     10,
		receipts: map[common.Hash]*types.Receipt{hash: {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}},
	}
	c := New(fb, Options{ChainID: 1, Confirmations: 3, ReceiptPoll: time.Millisecond}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.WaitReceipt(ctx, hash)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	fb.head = 12
	receipt, err := c.WaitReceipt(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestAccountStatusUnpacks(t *testing.T) {
	out, err := AccountABI.Methods["getStatus"].Outputs.Pack(big.NewInt(300), big.NewInt(150), big.NewInt(5000))
	require.NoError(t, err)
	c := New(&fakeBackend{callOut: out}, Options{ChainID: 1}, testLogger())

	st, err := c.AccountStatus(context.Background(), testAccount, big.NewInt(4))
	require.NoError(t, err)
	require.Equal(t, int64(300), st.Collateral.Int64())
	require.Equal(t, int64(150), st.Debt.Int64())
	require.Equal(t, int64(5000), st.LTV.Int64())
}

func TestPackDepositWithPermitSelector(t *testing.T) {
	data, err := PackDepositWithPermit(common.HexToAddress("0x01"), big.NewInt(1), big.NewInt(2), 27, [32]byte{1}, [32]byte{2})
	require.NoError(t, err)
	require.Equal(t, AccountABI.Methods["depositWithPermit"].ID, data[:4])
	require.Len(t, data, 4+6*32)
}
