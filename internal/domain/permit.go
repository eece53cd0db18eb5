package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PermitRequest asks for an EIP-2612 authorization.
type PermitRequest struct {
	Owner   common.Address
	Spender common.Address
	Token   common.Address
	Amount  *big.Int
}

// PermitMessage is the full EIP-712 payload of a Permit, including domain.
type PermitMessage struct {
	TokenName string
	ChainID   *big.Int
	Token     common.Address
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
}

// PermitAuthorization is a signed, single-use permit. It is never persisted.
type PermitAuthorization struct {
	Owner    common.Address
	Spender  common.Address
	Token    common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Deadline time.Time
	V        uint8
	R        [32]byte
	S        [32]byte
}

// ReplayKey identifies the (owner, token, nonce) slot the permit consumes.
func (p PermitAuthorization) ReplayKey() string {
	return p.Owner.Hex() + "/" + p.Token.Hex() + "/" + p.Nonce.String()
}

// Signer is a signing capability lent for the duration of one operation.
type Signer interface {
	Address() common.Address
	SignPermit(msg PermitMessage) ([]byte, error)
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SignerSource lends a Signer to fn and revokes it when fn returns. No key
// material outlives the call.
type SignerSource interface {
	Address() common.Address
	Borrow(ctx context.Context, fn func(Signer) error) error
}
