package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

// DepositReceipt is the outcome of a mined deposit.
type DepositReceipt struct {
	TxHash    common.Hash
	Block     uint64
	Deposited *domain.DepositedEvent
}

// DepositInitiator submits depositWithPermit. It does not touch session
// state; the Deposited event it causes is observed by the EventMonitor.
type DepositInitiator struct {
	chain     ChainReader
	submitter *Submitter

	mu       sync.Mutex
	consumed map[string]bool
	logger   *slog.Logger
}

// NewDepositInitiator creates a DepositInitiator.
func NewDepositInitiator(chain ChainReader, submitter *Submitter, logger *slog.Logger) *DepositInitiator {
	return &DepositInitiator{
		chain:     chain,
		submitter: submitter,
		consumed:  make(map[string]bool),
		logger:    logger.With(slog.String("component", "deposit")),
	}
}

// Submit sends the deposit carrying auth to account. onSubmitted runs once
// the transaction is broadcast. A permit whose (owner, token, nonce) was
// already broadcast by this process is rejected with ErrStaleNonce.
func (d *DepositInitiator) Submit(ctx context.Context, signer domain.Signer, account common.Address, auth domain.PermitAuthorization, onSubmitted func(common.Hash)) (DepositReceipt, error) {
	const op = "deposit"
	key := auth.ReplayKey()
	if !d.reserve(key) {
		return DepositReceipt{}, domain.NewError(domain.KindAuthorization, op, domain.ErrStaleNonce, nil)
	}

	data, err := evm.PackDepositWithPermit(auth.Token, auth.Amount, bigUnix(auth.Deadline), auth.V, auth.R, auth.S)
	if err != nil {
		d.release(key)
		return DepositReceipt{}, domain.NewError(domain.KindSubmission, op, err, nil)
	}

	hash, receipt, err := d.submitter.Submit(ctx, signer, op, account, data, onSubmitted)
	if err != nil {
		if hash == (common.Hash{}) || d.nonceStillLive(ctx, auth) {
			d.release(key)
		}
		return DepositReceipt{TxHash: hash}, err
	}

	out := DepositReceipt{TxHash: hash}
	if receipt.BlockNumber != nil {
		out.Block = receipt.BlockNumber.Uint64()
	}
	for _, ev := range evm.EventsFromReceipt(receipt, account) {
		if ev.Kind == domain.EventDeposited && ev.Deposited.User == auth.Owner {
			out.Deposited = ev.Deposited
			break
		}
	}
	if out.Deposited == nil {
		d.logger.WarnContext(ctx, "deposit mined without Deposited event", slog.String("tx", hash.Hex()))
	}
	return out, nil
}

// nonceStillLive reports whether a reverted deposit left the permit nonce
// unconsumed on chain, so a fresh permit for it is legitimate.
func (d *DepositInitiator) nonceStillLive(ctx context.Context, auth domain.PermitAuthorization) bool {
	current, err := d.chain.PermitNonce(context.WithoutCancel(ctx), auth.Token, auth.Owner)
	if err != nil {
		d.logger.WarnContext(ctx, "nonce re-read failed, keeping permit consumed",
			slog.String("error", err.Error()),
		)
		return false
	}
	return current.Cmp(auth.Nonce) <= 0
}

func (d *DepositInitiator) reserve(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumed[key] {
		return false
	}
	d.consumed[key] = true
	return true
}

func (d *DepositInitiator) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consumed, key)
}
