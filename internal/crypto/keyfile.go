// Package crypto holds the wallet key handling of the loop bot: encrypted key
// files, scoped signer borrowing, EIP-2612 permit signing and HMAC request
// signatures for the control API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileVersion = 2
	kdfName        = "pbkdf2-sha256"
	// defaultIterations is the OWASP minimum for PBKDF2-HMAC-SHA256.
	defaultIterations = 600_000
	minIterations     = 100_000
	saltLen           = 16
	privateKeyLen     = 32
)

// keyFile is the on-disk form of a wallet key sealed with AES-256-GCM. The
// KDF parameters travel with the file so they can be raised without breaking
// older files. Byte fields are base64 through encoding/json.
type keyFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Sealed     []byte `json:"sealed"`
}

// KeyConfig is the [wallet] section as seen by the key source. A raw key wins
// over an encrypted file.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

func passwordAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: empty key password")
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

func parseKeyHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(b) != privateKeyLen {
		return nil, fmt.Errorf("crypto: private key is %d bytes, want %d", len(b), privateKeyLen)
	}
	return b, nil
}

// sealKey encrypts a hex private key under password.
func sealKey(privateKeyHex, password string) ([]byte, error) {
	raw, err := parseKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	defer clear(raw)

	f := keyFile{
		Version:    keyFileVersion,
		KDF:        kdfName,
		Iterations: defaultIterations,
		Salt:       make([]byte, saltLen),
	}
	if _, err := rand.Read(f.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := passwordAEAD(password, f.Salt, f.Iterations)
	if err != nil {
		return nil, err
	}
	f.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(f.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	// The header fields are bound as associated data.
	f.Sealed = aead.Seal(nil, f.Nonce, raw, f.header())
	return json.MarshalIndent(f, "", "  ")
}

// openKey reverses sealKey and returns the key as hex.
func openKey(data []byte, password string) (string, error) {
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	switch {
	case f.Version != keyFileVersion:
		return "", fmt.Errorf("crypto: key file version %d not supported", f.Version)
	case f.KDF != kdfName:
		return "", fmt.Errorf("crypto: key file kdf %q not supported", f.KDF)
	case f.Iterations < minIterations:
		return "", fmt.Errorf("crypto: key file iterations %d below %d", f.Iterations, minIterations)
	}
	aead, err := passwordAEAD(password, f.Salt, f.Iterations)
	if err != nil {
		return "", err
	}
	if len(f.Nonce) != aead.NonceSize() {
		return "", errors.New("crypto: key file nonce has wrong length")
	}
	raw, err := aead.Open(nil, f.Nonce, f.Sealed, f.header())
	if err != nil {
		return "", errors.New("crypto: cannot unlock key file (wrong password?)")
	}
	defer clear(raw)
	return hex.EncodeToString(raw), nil
}

func (f keyFile) header() []byte {
	return fmt.Appendf(nil, "v%d:%s:%d", f.Version, f.KDF, f.Iterations)
}

// resolveKey returns the configured private key as hex.
func resolveKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		raw, err := parseKeyHex(cfg.RawPrivateKey)
		if err != nil {
			return "", err
		}
		defer clear(raw)
		return hex.EncodeToString(raw), nil
	}
	if cfg.EncryptedKeyPath == "" {
		return "", errors.New("crypto: wallet has neither private_key nor encrypted_key_path")
	}
	data, err := os.ReadFile(cfg.EncryptedKeyPath)
	if err != nil {
		return "", fmt.Errorf("crypto: read key file: %w", err)
	}
	return openKey(data, cfg.KeyPassword)
}

// WriteKeyFile seals privateKeyHex with password and writes it to path with
// owner-only permissions. An existing file is never overwritten.
func WriteKeyFile(path, privateKeyHex, password string) error {
	blob, err := sealKey(privateKeyHex, password)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("crypto: create key file: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("crypto: write key file: %w", err)
	}
	return f.Close()
}
