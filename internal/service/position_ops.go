package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

// Tokens are the two assets of the loop.
type Tokens struct {
	Collateral common.Address
	Debt       common.Address
}

// PositionOps implements the user write commands other than deposit:
// repay, withdraw, close and the automation caller assignment.
type PositionOps struct {
	chain     ChainReader
	submitter *Submitter
	tokens    Tokens
	logger    *slog.Logger
}

// NewPositionOps creates PositionOps.
func NewPositionOps(chain ChainReader, submitter *Submitter, tokens Tokens, logger *slog.Logger) *PositionOps {
	return &PositionOps{
		chain:     chain,
		submitter: submitter,
		tokens:    tokens,
		logger:    logger.With(slog.String("component", "position_ops")),
	}
}

// TxResult is the outcome of a mined write.
type TxResult struct {
	TxHash common.Hash
	Events []domain.ChainEvent
	Amount *big.Int
}

// Repay repays up to amount of debt. The amount is clamped to the
// outstanding debt.
func (o *PositionOps) Repay(ctx context.Context, signer domain.Signer, account common.Address, amount *big.Int, onSent func(common.Hash)) (TxResult, error) {
	const op = "repay"
	if amount == nil || amount.Sign() <= 0 {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, domain.ErrInvalidAmount, nil)
	}
	st, err := o.chain.AccountStatus(ctx, account, nil)
	if err != nil {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, domain.ErrChainRead, err)
	}
	if st.Debt.Sign() == 0 {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, domain.ErrNoPosition, fmt.Errorf("no debt to repay"))
	}
	amount = minBig(amount, st.Debt)

	if err := o.ensureDebtFunds(ctx, signer, op, account, amount, amount); err != nil {
		return TxResult{}, err
	}
	data, err := evm.PackRepayPartial(o.tokens.Debt, amount)
	if err != nil {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, err, nil)
	}
	hash, receipt, err := o.submitter.Submit(ctx, signer, op, account, data, onSent)
	if err != nil {
		return TxResult{TxHash: hash}, err
	}
	return TxResult{TxHash: hash, Events: evm.EventsFromReceipt(receipt, account), Amount: amount}, nil
}

// Withdraw withdraws amount of free collateral tokens to the owner.
func (o *PositionOps) Withdraw(ctx context.Context, signer domain.Signer, account common.Address, amount *big.Int, onSent func(common.Hash)) (TxResult, error) {
	const op = "withdraw"
	if amount == nil || amount.Sign() <= 0 {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, domain.ErrInvalidAmount, nil)
	}
	data, err := evm.PackWithdraw(o.tokens.Collateral, amount)
	if err != nil {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, err, nil)
	}
	hash, receipt, err := o.submitter.Submit(ctx, signer, op, account, data, onSent)
	if err != nil {
		return TxResult{TxHash: hash}, err
	}
	return TxResult{TxHash: hash, Events: evm.EventsFromReceipt(receipt, account), Amount: amount}, nil
}

// Close repays all debt from the owner's wallet and returns the collateral.
func (o *PositionOps) Close(ctx context.Context, signer domain.Signer, account common.Address, onSent func(common.Hash)) (TxResult, error) {
	const op = "close"
	st, err := o.chain.AccountStatus(ctx, account, nil)
	if err != nil {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, domain.ErrChainRead, err)
	}
	if st.Collateral.Sign() == 0 && st.Debt.Sign() == 0 {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, domain.ErrNoPosition, nil)
	}
	if st.Debt.Sign() > 0 {
		if err := o.ensureDebtFunds(ctx, signer, op, account, st.Debt, withInterestBuffer(st.Debt)); err != nil {
			return TxResult{}, err
		}
	}
	data, err := evm.PackFullClose(o.tokens.Collateral, o.tokens.Debt)
	if err != nil {
		return TxResult{}, domain.NewError(domain.KindSubmission, op, err, nil)
	}
	hash, receipt, err := o.submitter.Submit(ctx, signer, op, account, data, onSent)
	if err != nil {
		return TxResult{TxHash: hash}, err
	}
	return TxResult{TxHash: hash, Events: evm.EventsFromReceipt(receipt, account), Amount: st.Debt}, nil
}

// closeBufferBps is the headroom approved on top of the debt read before a
// full close, so interest accruing until the close is mined stays covered.
const closeBufferBps = 10

// withInterestBuffer returns debt plus closeBufferBps and one wei.
func withInterestBuffer(debt *big.Int) *big.Int {
	out := new(big.Int).Mul(debt, big.NewInt(10_000+closeBufferBps))
	out.Div(out, big.NewInt(10_000))
	return out.Add(out, big.NewInt(1))
}

// ensureDebtFunds checks the owner holds amount of the debt token and that
// the account may pull at least approve of it, approving when the allowance
// is short.
func (o *PositionOps) ensureDebtFunds(ctx context.Context, signer domain.Signer, op string, account common.Address, amount, approve *big.Int) error {
	owner := signer.Address()
	bal, err := o.chain.BalanceOf(ctx, o.tokens.Debt, owner, nil)
	if err != nil {
		return domain.NewError(domain.KindSubmission, op, domain.ErrChainRead, err)
	}
	if bal.Cmp(amount) < 0 {
		shortage := new(big.Int).Sub(amount, bal)
		e := domain.NewError(domain.KindSubmission, op, domain.ErrInsufficientBalance,
			fmt.Errorf("need %s debt token, have %s", domain.FromWei(amount), domain.FromWei(bal)))
		e.Reason = "shortage " + domain.FromWei(shortage).String()
		return e
	}

	allowance, err := o.chain.Allowance(ctx, o.tokens.Debt, owner, account)
	if err != nil {
		return domain.NewError(domain.KindSubmission, op, domain.ErrChainRead, err)
	}
	if allowance.Cmp(approve) >= 0 {
		return nil
	}
	data, err := evm.PackApprove(account, approve)
	if err != nil {
		return domain.NewError(domain.KindSubmission, op, err, nil)
	}
	if _, _, err := o.submitter.Submit(ctx, signer, op+"_approve", o.tokens.Debt, data, nil); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "debt token approved",
		slog.String("spender", account.Hex()),
		slog.String("amount", approve.String()),
	)
	return nil
}

// EnsureCaller makes sure the account accepts calls from caller. When assign
// is set and the account points elsewhere, setRSCCaller is submitted and the
// result re-read. A remaining mismatch is a ConfigurationError.
func (o *PositionOps) EnsureCaller(ctx context.Context, signer domain.Signer, account, caller common.Address, assign bool) error {
	const op = "configure"
	current, err := o.chain.AutomationCaller(ctx, account)
	if err != nil {
		return domain.NewError(domain.KindConfiguration, op, domain.ErrChainRead, err)
	}
	if current == caller {
		return nil
	}
	if !assign || signer == nil {
		return mismatch(op, current, caller)
	}

	o.logger.InfoContext(ctx, "assigning automation caller",
		slog.String("account", account.Hex()),
		slog.String("from", current.Hex()),
		slog.String("to", caller.Hex()),
	)
	data, err := evm.PackSetCaller(caller)
	if err != nil {
		return domain.NewError(domain.KindConfiguration, op, err, nil)
	}
	if _, _, err := o.submitter.Submit(ctx, signer, "set_caller", account, data, nil); err != nil {
		return err
	}

	current, err = o.chain.AutomationCaller(ctx, account)
	if err != nil {
		return domain.NewError(domain.KindConfiguration, op, domain.ErrChainRead, err)
	}
	if current != caller {
		return mismatch(op, current, caller)
	}
	return nil
}

func mismatch(op string, current, want common.Address) error {
	e := domain.NewError(domain.KindConfiguration, op, domain.ErrCallerMismatch, nil)
	e.Reason = fmt.Sprintf("account accepts %s, requested %s", current.Hex(), want.Hex())
	return e
}
