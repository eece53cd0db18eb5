package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/loopbot/internal/crypto"
	"github.com/alanyoungcy/loopbot/internal/domain"
)

// PermitAuthorizer produces EIP-2612 permits for deposits. It never retries:
// a failed authorization must be requested again with a fresh nonce read.
type PermitAuthorizer struct {
	chain     ChainReader
	chainID   *big.Int
	ttl       time.Duration
	maxAmount *big.Int
	now       func() time.Time
	logger    *slog.Logger
}

// NewPermitAuthorizer creates a PermitAuthorizer. A nil maxAmount disables
// the per-permit cap.
func NewPermitAuthorizer(chain ChainReader, chainID *big.Int, ttl time.Duration, maxAmount *big.Int, logger *slog.Logger) *PermitAuthorizer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PermitAuthorizer{
		chain:     chain,
		chainID:   chainID,
		ttl:       ttl,
		maxAmount: maxAmount,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "permit")),
	}
}

// Authorize reads the token name and owner nonce, then asks signer for a
// Permit signature valid for the configured TTL.
func (a *PermitAuthorizer) Authorize(ctx context.Context, signer domain.Signer, req domain.PermitRequest) (domain.PermitAuthorization, error) {
	const op = "permit"
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return domain.PermitAuthorization{}, domain.NewError(domain.KindSubmission, op, domain.ErrInvalidAmount, nil)
	}
	if signer.Address() != req.Owner {
		return domain.PermitAuthorization{}, domain.NewError(domain.KindAuthorization, op, domain.ErrSigningDeclined,
			fmt.Errorf("signer %s is not owner %s", signer.Address().Hex(), req.Owner.Hex()))
	}
	if a.maxAmount != nil && req.Amount.Cmp(a.maxAmount) > 0 {
		return domain.PermitAuthorization{}, domain.NewError(domain.KindAuthorization, op, domain.ErrSigningDeclined,
			fmt.Errorf("amount %s exceeds permit cap %s", req.Amount, a.maxAmount))
	}

	name, err := a.chain.TokenName(ctx, req.Token)
	if err != nil {
		return domain.PermitAuthorization{}, domain.NewError(domain.KindAuthorization, op, domain.ErrChainRead, err)
	}
	nonce, err := a.chain.PermitNonce(ctx, req.Token, req.Owner)
	if err != nil {
		return domain.PermitAuthorization{}, domain.NewError(domain.KindAuthorization, op, domain.ErrChainRead, err)
	}

	deadline := a.now().Add(a.ttl).Truncate(time.Second)
	msg := domain.PermitMessage{
		TokenName: name,
		ChainID:   a.chainID,
		Token:     req.Token,
		Owner:     req.Owner,
		Spender:   req.Spender,
		Value:     req.Amount,
		Nonce:     nonce,
		Deadline:  big.NewInt(deadline.Unix()),
	}
	sig, err := signer.SignPermit(msg)
	if err != nil {
		return domain.PermitAuthorization{}, domain.NewError(domain.KindAuthorization, op, domain.ErrSigningDeclined, err)
	}
	v, r, s, err := crypto.SplitSignature(sig)
	if err != nil {
		return domain.PermitAuthorization{}, domain.NewError(domain.KindAuthorization, op, domain.ErrSigningDeclined, err)
	}

	a.logger.InfoContext(ctx, "permit signed",
		slog.String("owner", req.Owner.Hex()),
		slog.String("spender", req.Spender.Hex()),
		slog.String("amount", req.Amount.String()),
		slog.String("nonce", nonce.String()),
		slog.Time("deadline", deadline),
	)
	return domain.PermitAuthorization{
		Owner:    req.Owner,
		Spender:  req.Spender,
		Token:    req.Token,
		Amount:   new(big.Int).Set(req.Amount),
		Nonce:    nonce,
		Deadline: deadline,
		V:        v,
		R:        r,
		S:        s,
	}, nil
}
