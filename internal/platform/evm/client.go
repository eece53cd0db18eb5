// Package evm is the engine's JSON-RPC access to the primary and automation
// chains: contract reads, EIP-1559 transaction submission, receipt waiting
// and automation account log decoding.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/observability"
)

// Backend is the subset of ethclient.Client the engine relies on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Options tunes a Client.
type Options struct {
	// Name labels metrics and logs ("primary", "automation").
	Name               string
	ChainID            int64
	Confirmations      uint64
	GasLimitMultiplier float64
	ReceiptPoll        time.Duration
}

// Client wraps an RPC backend bound to one expected chain.
type Client struct {
	backend Backend
	opts    Options
	chainID *big.Int
	metrics *observability.LoopMetrics
	logger  *slog.Logger
}

// Dial connects to an HTTP or WebSocket endpoint.
func Dial(ctx context.Context, url string, opts Options, logger *slog.Logger) (*Client, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("evm: dial %s: endpoint required", opts.Name)
	}
	rc, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", opts.Name, err)
	}
	return New(ethclient.NewClient(rc), opts, logger), nil
}

// New wraps an existing backend.
func New(backend Backend, opts Options, logger *slog.Logger) *Client {
	if opts.Name == "" {
		opts.Name = "primary"
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.GasLimitMultiplier < 1 {
		opts.GasLimitMultiplier = 1
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = 2 * time.Second
	}
	return &Client{
		backend: backend,
		opts:    opts,
		chainID: big.NewInt(opts.ChainID),
		metrics: observability.Loop(),
		logger:  logger.With(slog.String("component", "evm"), slog.String("chain", opts.Name)),
	}
}

// Close releases the underlying connection.
func (c *Client) Close() { c.backend.Close() }

// ExpectedChainID is the chain id the client was configured for.
func (c *Client) ExpectedChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// CheckNetwork returns ErrNetworkMismatch when the endpoint serves a
// different chain than configured.
func (c *Client) CheckNetwork(ctx context.Context) error {
	start := time.Now()
	remote, err := c.backend.ChainID(ctx)
	c.metrics.ObserveRPC(c.opts.Name, "eth_chainId", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("evm: chain id: %w", err)
	}
	if remote.Cmp(c.chainID) != 0 {
		return fmt.Errorf("evm: %w: connected to chain %s, expected %s",
			domain.ErrNetworkMismatch, remote, c.chainID)
	}
	return nil
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := c.backend.BlockNumber(ctx)
	c.metrics.ObserveRPC(c.opts.Name, "eth_blockNumber", err, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("evm: head block: %w", err)
	}
	return n, nil
}

// Call runs a read-only eth_call. A nil block reads the latest state.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error) {
	start := time.Now()
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	c.metrics.ObserveRPC(c.opts.Name, "eth_call", err, time.Since(start))
	if err != nil {
		return nil, decodeRevert(err)
	}
	return out, nil
}

// BalanceAt returns the native balance of addr.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	start := time.Now()
	bal, err := c.backend.BalanceAt(ctx, addr, nil)
	c.metrics.ObserveRPC(c.opts.Name, "eth_getBalance", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("evm: balance %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// HasCode reports whether a contract is deployed at addr.
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	start := time.Now()
	code, err := c.backend.CodeAt(ctx, addr, nil)
	c.metrics.ObserveRPC(c.opts.Name, "eth_getCode", err, time.Since(start))
	if err != nil {
		return false, fmt.Errorf("evm: code %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// Transact estimates, signs and broadcasts a call to `to` with the borrowed
// signer. A revert during estimation is returned as *domain.RevertError and
// nothing is broadcast.
func (c *Client) Transact(ctx context.Context, signer domain.Signer, to common.Address, data []byte) (common.Hash, error) {
	from := signer.Address()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: pending nonce: %w", err)
	}

	start := time.Now()
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	c.metrics.ObserveRPC(c.opts.Name, "eth_estimateGas", err, time.Since(start))
	if err != nil {
		return common.Hash{}, classifySendError(decodeRevert(err))
	}
	gas = uint64(float64(gas) * c.opts.GasLimitMultiplier)

	tx, err := c.buildTx(ctx, nonce, gas, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: sign tx: %w: %w", domain.ErrSigningDeclined, err)
	}

	start = time.Now()
	err = c.backend.SendTransaction(ctx, signed)
	c.metrics.ObserveRPC(c.opts.Name, "eth_sendRawTransaction", err, time.Since(start))
	if err != nil {
		return common.Hash{}, classifySendError(fmt.Errorf("evm: send tx: %w", err))
	}

	c.logger.InfoContext(ctx, "transaction sent",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return signed.Hash(), nil
}

// buildTx prefers a dynamic-fee transaction and falls back to a legacy one on
// chains without a base fee.
func (c *Client) buildTx(ctx context.Context, nonce, gas uint64, to common.Address, data []byte) (*types.Transaction, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: head header: %w", err)
	}
	if head.BaseFee == nil {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("evm: gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Gas:      gas,
			GasPrice: price,
			Data:     data,
		}), nil
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: gas tip: %w", err)
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	}), nil
}

// WaitReceipt polls until the transaction has the configured number of
// confirmations. A failed transaction returns its receipt together with a
// *domain.RevertError carrying the replayed revert reason.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			ok, cerr := c.confirmed(ctx, receipt)
			if cerr != nil {
				c.logger.WarnContext(ctx, "confirmation check failed",
					slog.String("tx", hash.Hex()),
					slog.String("error", cerr.Error()),
				)
				break
			}
			if !ok {
				break
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, c.revertReason(ctx, hash, receipt)
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.WarnContext(ctx, "receipt lookup failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("evm: wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if c.opts.Confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false, nil
	}
	return head-mined+1 >= c.opts.Confirmations, nil
}

// revertReason replays a failed transaction against its parent block state
// to recover the revert string.
func (c *Client) revertReason(ctx context.Context, hash common.Hash, receipt *types.Receipt) error {
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return &domain.RevertError{}
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return &domain.RevertError{}
	}
	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	var rerr *domain.RevertError
	if err != nil && errors.As(decodeRevert(err), &rerr) {
		return rerr
	}
	return &domain.RevertError{}
}

// decodeRevert turns an RPC "execution reverted" error into a
// *domain.RevertError with the ABI-decoded reason when available.
func decodeRevert(err error) error {
	var de rpc.DataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(raw); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return &domain.RevertError{Reason: reason}
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
		return &domain.RevertError{Reason: strings.TrimSpace(reason)}
	}
	return err
}

func classifySendError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return fmt.Errorf("%w: %w", domain.ErrInsufficientBalance, err)
	}
	return err
}

// SubscribeLogs opens a push subscription. Endpoints without notification
// support return an error matching IsNotificationsUnsupported.
func (c *Client) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	start := time.Now()
	sub, err := c.backend.SubscribeFilterLogs(ctx, q, ch)
	c.metrics.ObserveRPC(c.opts.Name, "eth_subscribe", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("evm: subscribe logs: %w", err)
	}
	return sub, nil
}

// FilterLogs runs a historical eth_getLogs query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	logs, err := c.backend.FilterLogs(ctx, q)
	c.metrics.ObserveRPC(c.opts.Name, "eth_getLogs", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("evm: filter logs: %w", err)
	}
	return logs, nil
}

// IsNotificationsUnsupported reports whether err means the endpoint cannot
// push subscriptions (plain HTTP).
func IsNotificationsUnsupported(err error) bool {
	return errors.Is(err, rpc.ErrNotificationsUnsupported)
}
