package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

func TestBusFansOutAndUnsubscribes(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := b.Subscribe(ctx, "ch:session")
	require.NoError(t, err)
	other, err := b.Subscribe(context.Background(), "ch:other")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "ch:session", []byte("v1")))
	require.Equal(t, []byte("v1"), <-a)
	require.Empty(t, other)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-a:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), "ch:session", []byte("v2")))
}

func TestSnapshots(t *testing.T) {
	s := NewSnapshots()
	_, _, err := s.GetSnapshot(context.Background(), "k")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SetSnapshot(context.Background(), "k", []byte(`{}`)))
	got, at, err := s.GetSnapshot(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte(`{}`), got)
	require.False(t, at.IsZero())
}
