package crypto

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// KeySource lends a Signer built from the configured key for the duration of
// a single callback. The key is resolved on every borrow and wiped afterwards,
// so nothing outlives the operation that needed it.
type KeySource struct {
	cfg     KeyConfig
	address common.Address
}

// NewKeySource resolves the key once to learn the owner address.
func NewKeySource(cfg KeyConfig) (*KeySource, error) {
	keyHex, err := resolveKey(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSigner(keyHex)
	if err != nil {
		return nil, err
	}
	defer s.wipe()

	return &KeySource{cfg: cfg, address: s.Address()}, nil
}

// Address returns the owner address of the configured key.
func (k *KeySource) Address() common.Address {
	return k.address
}

// Borrow lends a Signer to fn. Failing to unlock the key or a cancelled
// context is reported as domain.ErrSigningDeclined.
func (k *KeySource) Borrow(ctx context.Context, fn func(domain.Signer) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSigningDeclined, err)
	}

	keyHex, err := resolveKey(k.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSigningDeclined, err)
	}
	s, err := NewSigner(keyHex)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSigningDeclined, err)
	}
	defer s.wipe()

	if s.Address() != k.address {
		return fmt.Errorf("%w: key changed since startup", domain.ErrSigningDeclined)
	}
	return fn(s)
}

var _ domain.SignerSource = (*KeySource)(nil)
