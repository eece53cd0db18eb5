package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// unlockLua deletes a lock key only while it still holds the caller's token,
// so an expired holder cannot release a lock taken over by someone else.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// unlockTimeout bounds the release round trip.
const unlockTimeout = 5 * time.Second

// LockManager implements domain.LockManager with SET NX PX and a token
// checked on release. Write commands on one automation account take it so
// two replicas never submit for the same position at once.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, unlockSc: redis.NewScript(unlockLua)}
}

// Acquire takes the lock for key with the given TTL. The returned unlock
// function is idempotent and runs on its own context, so it also works after
// the caller's context was cancelled.
//
// It returns domain.ErrLockHeld if another holder owns the key.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.c.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
