package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	permitTypeHash       = ethcrypto.Keccak256([]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))
)

// PermitVersion is the EIP-712 domain version used by EIP-2612 tokens.
const PermitVersion = "1"

// Signer holds a secp256k1 key for the duration of one borrow. It signs
// EIP-2612 permits and primary-chain transactions.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex secp256k1 key, with or without 0x.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignPermit signs the EIP-712 Permit digest for msg and returns the 65-byte
// signature r || s || v with v in {27, 28}.
func (s *Signer) SignPermit(msg domain.PermitMessage) ([]byte, error) {
	if s.privateKey == nil {
		return nil, errors.New("crypto/signer: signer revoked")
	}
	digest, err := PermitDigest(msg)
	if err != nil {
		return nil, err
	}
	return s.signDigest(digest)
}

// SignTx signs a transaction for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.privateKey == nil {
		return nil, errors.New("crypto/signer: signer revoked")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// wipe zeroes the private scalar and drops the key.
func (s *Signer) wipe() {
	if s.privateKey != nil && s.privateKey.D != nil {
		s.privateKey.D.SetInt64(0)
	}
	s.privateKey = nil
}

// permitDomainSeparator is the EIP-712 domain hash of an EIP-2612 token.
func permitDomainSeparator(name string, chainID *big.Int, token common.Address) []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(PermitVersion)),
		word(chainID),
		common.LeftPadBytes(token.Bytes(), 32),
	)
}

// PermitDigest computes the EIP-712 digest a token's permit() verifies.
func PermitDigest(msg domain.PermitMessage) ([]byte, error) {
	for _, n := range []*big.Int{msg.ChainID, msg.Value, msg.Nonce, msg.Deadline} {
		if n == nil || n.Sign() < 0 || n.BitLen() > 256 {
			return nil, errors.New("crypto/signer: permit field missing or not a uint256")
		}
	}

	structHash := ethcrypto.Keccak256(
		permitTypeHash,
		common.LeftPadBytes(msg.Owner.Bytes(), 32),
		common.LeftPadBytes(msg.Spender.Bytes(), 32),
		word(msg.Value),
		word(msg.Nonce),
		word(msg.Deadline),
	)
	domainSep := permitDomainSeparator(msg.TokenName, msg.ChainID, msg.Token)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash), nil
}

// SplitSignature splits a 65-byte r || s || v signature. v is normalised to
// {27, 28}.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("crypto/signer: signature must be 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, fmt.Errorf("crypto/signer: invalid recovery id %d", sig[64])
	}
	return v, r, s, nil
}

// RecoverPermitSigner returns the address that produced sig over msg.
func RecoverPermitSigner(msg domain.PermitMessage, sig []byte) (common.Address, error) {
	digest, err := PermitDigest(msg)
	if err != nil {
		return common.Address{}, err
	}
	v, r, s, err := SplitSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	raw := make([]byte, 65)
	copy(raw[:32], r[:])
	copy(raw[32:64], s[:])
	raw[64] = v - 27
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// signDigest returns r || s || v with v in {27, 28}.
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// word is the 32-byte ABI encoding of a uint256.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

var _ domain.Signer = (*Signer)(nil)
