package crypto

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

func TestKeySourceBorrowLendsOwnerSigner(t *testing.T) {
	ks, err := NewKeySource(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)

	var lent *Signer
	err = ks.Borrow(context.Background(), func(s domain.Signer) error {
		require.Equal(t, ks.Address(), s.Address())
		lent = s.(*Signer)
		return nil
	})
	require.NoError(t, err)

	// The lent signer is revoked once the borrow returns.
	_, err = lent.SignPermit(testPermit(t, ks.Address()))
	require.Error(t, err)
}

func TestKeySourceBorrowPropagatesCallbackError(t *testing.T) {
	ks, err := NewKeySource(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = ks.Borrow(context.Background(), func(domain.Signer) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, domain.ErrSigningDeclined)
}

func TestKeySourceBorrowDeclinedOnCancelledContext(t *testing.T) {
	ks, err := NewKeySource(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = ks.Borrow(ctx, func(domain.Signer) error { called = true; return nil })
	require.ErrorIs(t, err, domain.ErrSigningDeclined)
	require.False(t, called)
}

func TestKeySourceEncryptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, WriteKeyFile(path, testKey, "hunter2"))
	require.Error(t, WriteKeyFile(path, testKey, "hunter2"), "must not overwrite")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ks, err := NewKeySource(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	raw, err := NewKeySource(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)
	require.Equal(t, raw.Address(), ks.Address())

	_, err = NewKeySource(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	require.Error(t, err)
}
