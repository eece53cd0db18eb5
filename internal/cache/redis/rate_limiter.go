package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// waitPollInterval is how often Wait retries a denied key.
const waitPollInterval = 50 * time.Millisecond

// RateLimiter is a sliding-window domain.RateLimiter shared by every replica.
// It limits API clients per IP and paces outgoing notifications.
type RateLimiter struct {
	c             *Client
	slidingWindow *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, slidingWindow: redis.NewScript(slidingWindowLua)}
}

// Allow counts one request for key and reports whether it fits in limit per
// window. Denied requests are not counted.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		time.Now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Wait blocks until key is allowed at one request per second.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		allowed, err := rl.Allow(ctx, key, 1, time.Second)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
