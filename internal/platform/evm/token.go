package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// call packs method, runs eth_call against to and unpacks the outputs.
func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	out, err := c.Call(ctx, to, data, block)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *Client) callBig(ctx context.Context, contract abi.ABI, to common.Address, block *big.Int, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, contract, to, block, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s: unexpected output %T", method, values[0])
	}
	return v, nil
}

// TokenName reads the ERC-20 name, which is also the EIP-712 domain name.
func (c *Client) TokenName(ctx context.Context, token common.Address) (string, error) {
	values, err := c.call(ctx, TokenABI, token, nil, "name")
	if err != nil {
		return "", err
	}
	name, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("evm: name: unexpected output %T", values[0])
	}
	return name, nil
}

// TokenDecimals reads the ERC-20 decimals.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	values, err := c.call(ctx, TokenABI, token, nil, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("evm: decimals: unexpected output %T", values[0])
	}
	return d, nil
}

// PermitNonce reads the EIP-2612 nonce of owner.
func (c *Client) PermitNonce(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callBig(ctx, TokenABI, token, nil, "nonces", owner)
}

// BalanceOf reads an ERC-20 balance at block, or latest when block is nil.
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address, block *big.Int) (*big.Int, error) {
	return c.callBig(ctx, TokenABI, token, block, "balanceOf", owner)
}

// Allowance reads the ERC-20 allowance granted by owner to spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callBig(ctx, TokenABI, token, nil, "allowance", owner, spender)
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return TokenABI.Pack("approve", spender, amount)
}
