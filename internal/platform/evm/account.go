package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountStatus is the raw getStatus() result: 18-decimal USD values and LTV
// in basis points.
type AccountStatus struct {
	Collateral *big.Int
	Debt       *big.Int
	LTV        *big.Int
}

// AccountStatus reads getStatus() at block, or latest when block is nil.
func (c *Client) AccountStatus(ctx context.Context, account common.Address, block *big.Int) (AccountStatus, error) {
	values, err := c.call(ctx, AccountABI, account, block, "getStatus")
	if err != nil {
		return AccountStatus{}, err
	}
	if len(values) != 3 {
		return AccountStatus{}, fmt.Errorf("evm: getStatus: got %d outputs", len(values))
	}
	var st AccountStatus
	for i, dst := range []**big.Int{&st.Collateral, &st.Debt, &st.LTV} {
		v, ok := values[i].(*big.Int)
		if !ok {
			return AccountStatus{}, fmt.Errorf("evm: getStatus: output %d is %T", i, values[i])
		}
		*dst = v
	}
	return st, nil
}

// AutomationCaller reads rscCaller(), the address allowed to drive the loop.
func (c *Client) AutomationCaller(ctx context.Context, account common.Address) (common.Address, error) {
	values, err := c.call(ctx, AccountABI, account, nil, "rscCaller")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("evm: rscCaller: unexpected output %T", values[0])
	}
	return addr, nil
}

// PackDepositWithPermit encodes depositWithPermit(token, amount, deadline, v, r, s).
func PackDepositWithPermit(token common.Address, amount, deadline *big.Int, v uint8, r, s [32]byte) ([]byte, error) {
	return AccountABI.Pack("depositWithPermit", token, amount, deadline, v, r, s)
}

// PackRepayPartial encodes repayPartial(token, amount).
func PackRepayPartial(token common.Address, amount *big.Int) ([]byte, error) {
	return AccountABI.Pack("repayPartial", token, amount)
}

// PackWithdraw encodes withdraw(token, amount).
func PackWithdraw(token common.Address, amount *big.Int) ([]byte, error) {
	return AccountABI.Pack("withdraw", token, amount)
}

// PackFullClose encodes fullClosePosition(collateralAsset, debtAsset).
func PackFullClose(collateral, debt common.Address) ([]byte, error) {
	return AccountABI.Pack("fullClosePosition", collateral, debt)
}

// PackSetCaller encodes setRSCCaller(caller).
func PackSetCaller(caller common.Address) ([]byte, error) {
	return AccountABI.Pack("setRSCCaller", caller)
}

// PackResume encodes the automation caller's resume().
func PackResume() ([]byte, error) {
	return CallerABI.Pack("resume")
}
