package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/config"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

var (
	collateral = common.HexToAddress("0x0000000000000000000000000000000000000001")
	debt       = common.HexToAddress("0x0000000000000000000000000000000000000002")
	owner      = common.HexToAddress("0x3333333333333333333333333333333333333333")
	account    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	caller     = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type reportChain struct {
	head     uint64
	status   evm.AccountStatus
	balances map[common.Address]*big.Int
	blocks   []*big.Int
}

func (c *reportChain) HeadBlock(context.Context) (uint64, error) { return c.head, nil }

func (c *reportChain) TokenName(context.Context, common.Address) (string, error) { return "", nil }

func (c *reportChain) PermitNonce(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (c *reportChain) BalanceOf(_ context.Context, token, _ common.Address, block *big.Int) (*big.Int, error) {
	c.blocks = append(c.blocks, block)
	return c.balances[token], nil
}

func (c *reportChain) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (c *reportChain) AccountStatus(_ context.Context, _ common.Address, block *big.Int) (evm.AccountStatus, error) {
	c.blocks = append(c.blocks, block)
	return c.status, nil
}

func (c *reportChain) AutomationCaller(context.Context, common.Address) (common.Address, error) {
	return caller, nil
}

func ether(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

func TestBuildReportReadsAtOneBlock(t *testing.T) {
	cfg := config.Defaults()
	cfg.Contracts.CollateralToken = collateral.Hex()
	cfg.Contracts.DebtToken = debt.Hex()

	chain := &reportChain{
		head: 42,
		status: evm.AccountStatus{
			Collateral: ether("40000000000000000000"),
			Debt:       ether("30000000000000000000"),
			LTV:        big.NewInt(7500),
		},
		balances: map[common.Address]*big.Int{
			collateral: ether("1500000000000000000"),
			debt:       ether("2000000000000000000"),
		},
	}

	r, err := BuildReport(context.Background(), chain, owner, account, &cfg)
	require.NoError(t, err)
	require.Equal(t, caller, r.Caller)
	require.Equal(t, uint64(42), r.Position.Block)
	require.Equal(t, int64(7500), r.Position.LTVBps)
	require.Equal(t, "1.5", r.WalletCollateral.String())
	require.Equal(t, "2", r.WalletDebt.String())
	require.Equal(t, "10", r.Metrics.Equity.String())
	require.Equal(t, "4", r.Metrics.LeverageMultiple.String())
	for _, b := range chain.blocks {
		require.Equal(t, int64(42), b.Int64())
	}
}

func TestConfiguredRequest(t *testing.T) {
	cfg := config.Defaults()
	_, ok := configuredRequest(&cfg)
	require.False(t, ok)

	cfg.Contracts.AutomationAccount = account.Hex()
	cfg.Contracts.AutomationCaller = caller.Hex()
	req, ok := configuredRequest(&cfg)
	require.True(t, ok)
	require.Equal(t, account, req.Account)
	require.Equal(t, caller, req.Caller)
}

func TestWholeTokens(t *testing.T) {
	v, err := wholeTokens("")
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = wholeTokens(" 0.1 ")
	require.NoError(t, err)
	require.Equal(t, "100000000000000000", v.String())

	_, err = wholeTokens("lots")
	require.Error(t, err)
}

func TestIgnoreCanceled(t *testing.T) {
	require.NoError(t, ignoreCanceled(fmt.Errorf("journal: %w", context.Canceled)))
	boom := errors.New("boom")
	require.ErrorIs(t, ignoreCanceled(boom), boom)
}

func TestLogSourcePrefersWebsocket(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	primary := evm.New(nil, evm.Options{Name: "primary", ChainID: 11155111}, logger)
	ws := evm.New(nil, evm.Options{Name: "primary_ws", ChainID: 11155111}, logger)

	deps := &Dependencies{Primary: primary}
	require.Same(t, primary, deps.logSource())

	deps.Logs = ws
	require.Same(t, ws, deps.logSource())
}
