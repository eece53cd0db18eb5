package service

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

// ChainReader is the read-only view of the primary chain.
type ChainReader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	TokenName(ctx context.Context, token common.Address) (string, error)
	PermitNonce(ctx context.Context, token, owner common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address, block *big.Int) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	AccountStatus(ctx context.Context, account common.Address, block *big.Int) (evm.AccountStatus, error)
	AutomationCaller(ctx context.Context, account common.Address) (common.Address, error)
}

// ChainWriter submits transactions to one chain.
type ChainWriter interface {
	ExpectedChainID() *big.Int
	CheckNetwork(ctx context.Context) error
	Transact(ctx context.Context, signer domain.Signer, to common.Address, data []byte) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// LogSource delivers automation account logs, pushed or polled.
type LogSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// AutomationChain is the secondary chain hosting the automation caller.
type AutomationChain interface {
	ChainWriter
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Notifier forwards operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event names, matched against notify.events.
const (
	EventLoopCompleted   = "loop_completed"
	EventWatchdogTimeout = "watchdog_timeout"
	EventPositionClosed  = "position_closed"
	EventError           = "error"
)

var (
	_ ChainReader     = (*evm.Client)(nil)
	_ ChainWriter     = (*evm.Client)(nil)
	_ LogSource       = (*evm.Client)(nil)
	_ AutomationChain = (*evm.Client)(nil)
)
