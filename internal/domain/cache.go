package domain

import (
	"context"
	"time"
)

// SnapshotCache keeps the latest serialized session view for readers that
// are not attached to the session goroutine.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, key string, payload []byte) error
	GetSnapshot(ctx context.Context, key string) ([]byte, time.Time, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus fans session updates out to every replica.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
