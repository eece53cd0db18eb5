package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache with one hash per key holding
// the serialized view ("payload") and its write time ("ts", unix nanos).
type SnapshotCache struct {
	c *Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{c: c}
}

// SetSnapshot stores payload under key, replacing the previous view. A
// positive SnapshotTTL on the client expires stale views.
func (sc *SnapshotCache) SetSnapshot(ctx context.Context, key string, payload []byte) error {
	k := sc.c.key("snapshot", key)
	pipe := sc.c.rdb.TxPipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"payload": payload,
		"ts":      strconv.FormatInt(time.Now().UnixNano(), 10),
	})
	if sc.c.snapshotTTL > 0 {
		pipe.Expire(ctx, k, sc.c.snapshotTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", key, err)
	}
	return nil
}

// GetSnapshot returns the stored view and when it was written. It returns
// domain.ErrNotFound when nothing is stored under key.
func (sc *SnapshotCache) GetSnapshot(ctx context.Context, key string) ([]byte, time.Time, error) {
	vals, err := sc.c.rdb.HGetAll(ctx, sc.c.key("snapshot", key)).Result()
	if err != nil && err != redis.Nil {
		return nil, time.Time{}, fmt.Errorf("redis: get snapshot %s: %w", key, err)
	}
	payload, ok := vals["payload"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	var ts time.Time
	if raw, ok := vals["ts"]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("redis: parse snapshot ts %s: %w", key, err)
		}
		ts = time.Unix(0, nanos)
	}
	return []byte(payload), ts, nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
