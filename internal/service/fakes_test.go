package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/crypto"
	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testAccount    = common.HexToAddress("0x23c660d2f16c6d3a5e6b3b7f7e6c0a2c5b7d8e9f")
	testCaller     = common.HexToAddress("0x9a1f3c0b2d4e5f60718293a4b5c6d7e8f9012345")
	testCollateral = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testDebt       = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	return s
}

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad int " + s)
	}
	return v
}

// fakeKeys lends the test signer, or fails with declineErr.
type fakeKeys struct {
	signer     *crypto.Signer
	declineErr error
}

func (k *fakeKeys) Address() common.Address { return k.signer.Address() }

func (k *fakeKeys) Borrow(_ context.Context, fn func(domain.Signer) error) error {
	if k.declineErr != nil {
		return k.declineErr
	}
	return fn(k.signer)
}

type sentTx struct {
	To   common.Address
	Data []byte
	Hash common.Hash
}

// fakeChain implements ChainReader, ChainWriter and LogSource in memory.
type fakeChain struct {
	mu sync.Mutex

	chainID   *big.Int
	head      uint64
	tokenName string
	nonces    map[common.Address]*big.Int
	balances  map[common.Address]map[common.Address]*big.Int
	allowance map[common.Address]*big.Int
	status    evm.AccountStatus
	caller    common.Address

	headErr     error
	statusErrs  int // fail the next n AccountStatus calls
	networkErr  error
	transactErr error

	// receiptFor builds the receipt of a sent tx; nil means success with no logs.
	receiptFor func(tx sentTx) (*types.Receipt, error)
	onSent     func(tx sentTx)
	sent       []sentTx

	logs        []types.Log
	filterErr   error
	filterCalls int
	subErrs     []error
	subs        []*fakeSub
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:   big.NewInt(11155111),
		head:      100,
		tokenName: "Loop Collateral",
		nonces:    map[common.Address]*big.Int{},
		balances:  map[common.Address]map[common.Address]*big.Int{},
		allowance: map[common.Address]*big.Int{},
		status:    evm.AccountStatus{Collateral: big.NewInt(0), Debt: big.NewInt(0), LTV: big.NewInt(0)},
	}
}

func (f *fakeChain) setBalance(token, owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[token] == nil {
		f.balances[token] = map[common.Address]*big.Int{}
	}
	f.balances[token][owner] = v
}

func (f *fakeChain) setStatus(coll, debt, ltv *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = evm.AccountStatus{Collateral: coll, Debt: debt, LTV: ltv}
}

func (f *fakeChain) sentTxs() []sentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTx(nil), f.sent...)
}

func (f *fakeChain) HeadBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeChain) TokenName(context.Context, common.Address) (string, error) {
	return f.tokenName, nil
}

func (f *fakeChain) PermitNonce(_ context.Context, _, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nonces[owner]; ok {
		return new(big.Int).Set(n), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) BalanceOf(_ context.Context, token, owner common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.balances[token][owner]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) Allowance(_ context.Context, _, _, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.allowance[spender]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) AccountStatus(context.Context, common.Address, *big.Int) (evm.AccountStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErrs > 0 {
		f.statusErrs--
		return evm.AccountStatus{}, errors.New("rpc: connection refused")
	}
	return f.status, nil
}

func (f *fakeChain) AutomationCaller(context.Context, common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caller, nil
}

func (f *fakeChain) ExpectedChainID() *big.Int { return f.chainID }

func (f *fakeChain) CheckNetwork(context.Context) error { return f.networkErr }

func (f *fakeChain) Transact(_ context.Context, _ domain.Signer, to common.Address, data []byte) (common.Hash, error) {
	f.mu.Lock()
	if f.transactErr != nil {
		err := f.transactErr
		f.mu.Unlock()
		return common.Hash{}, err
	}
	tx := sentTx{
		To:   to,
		Data: append([]byte(nil), data...),
		Hash: common.BytesToHash(ethcrypto.Keccak256(data, big.NewInt(int64(len(f.sent))).Bytes())),
	}
	f.sent = append(f.sent, tx)
	hook := f.onSent
	f.mu.Unlock()
	if hook != nil {
		hook(tx)
	}
	return tx.Hash, nil
}

func (f *fakeChain) WaitReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	var tx sentTx
	for _, s := range f.sent {
		if s.Hash == hash {
			tx = s
		}
	}
	build := f.receiptFor
	head := f.head
	f.mu.Unlock()
	if build != nil {
		return build(tx)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: new(big.Int).SetUint64(head)}, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeChain) SubscribeLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subErrs) > 0 {
		err := f.subErrs[0]
		f.subErrs = f.subErrs[1:]
		return nil, err
	}
	sub := &fakeSub{ch: ch, errc: make(chan error, 1)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// emit appends l to history and pushes it to the latest live subscription.
func (f *fakeChain) emit(l types.Log) {
	f.mu.Lock()
	f.logs = append(f.logs, l)
	if l.BlockNumber > f.head {
		f.head = l.BlockNumber
	}
	var sub *fakeSub
	if n := len(f.subs); n > 0 {
		sub = f.subs[n-1]
	}
	f.mu.Unlock()
	if sub != nil {
		sub.ch <- l
	}
}

func (f *fakeChain) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeChain) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeSub struct {
	ch   chan<- types.Log
	errc chan error
	once sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

// drop simulates the node closing the subscription.
func (s *fakeSub) drop(err error) { s.errc <- err }

func depositLog(t *testing.T, block uint64, idx uint, tx common.Hash, user common.Address, amount, ltv *big.Int) types.Log {
	t.Helper()
	data, err := evm.AccountABI.Events["Deposited"].Inputs.NonIndexed().Pack(amount, ltv)
	require.NoError(t, err)
	return types.Log{
		Address: testAccount, BlockNumber: block, Index: idx, TxHash: tx,
		Topics: []common.Hash{evm.DepositedTopic, common.BytesToHash(user.Bytes())},
		Data:   data,
	}
}

func stepLog(t *testing.T, block uint64, idx uint, id, ltv int64) types.Log {
	t.Helper()
	ev := stepEvent(block, idx, id, ltv)
	s := ev.LoopStep
	data, err := evm.AccountABI.Events["LoopStepExecuted"].Inputs.Pack(s.Borrowed, s.NewCollateral, s.CurrentLTV, s.IterationID)
	require.NoError(t, err)
	return types.Log{
		Address: testAccount, BlockNumber: block, Index: idx, TxHash: ev.TxHash,
		Topics: []common.Hash{evm.LoopStepExecutedTopic},
		Data:   data,
	}
}

func stepEvent(block uint64, idx uint, id, ltv int64) domain.ChainEvent {
	return domain.ChainEvent{
		Kind: domain.EventLoopStep, Block: block, LogIndex: idx,
		TxHash: common.BigToHash(big.NewInt(int64(block)*100 + int64(idx))),
		LoopStep: &domain.LoopStepEvent{
			Borrowed:      wei("10000000000000000"),
			NewCollateral: wei("9000000000000000"),
			CurrentLTV:    big.NewInt(ltv),
			IterationID:   big.NewInt(id),
		},
	}
}

// recordingSink captures what producers deliver.
type recordingSink struct {
	mu        sync.Mutex
	events    []domain.ChainEvent
	errs      []error
	restored  int
	snaps     []PollSnapshot
	failures  []error
	recovered int
}

func (r *recordingSink) OnChainEvent(ev domain.ChainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) OnObservationError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingSink) OnObservationRestored() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restored++
}

func (r *recordingSink) OnSnapshot(s PollSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingSink) OnPollFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recordingSink) OnPollRecovered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered++
}

func (r *recordingSink) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingSink) iterationIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, ev := range r.events {
		if ev.Kind == domain.EventLoopStep {
			out = append(out, ev.LoopStep.IterationID.Uint64())
		}
	}
	return out
}

func (r *recordingSink) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// memAudit records audit events.
type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}
