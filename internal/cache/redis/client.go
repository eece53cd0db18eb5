// Package redis implements the domain cache, lock and bus interfaces on
// go-redis/v9.
package redis

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes every key so several deployments can share one
	// Redis database. Empty means "loopbot".
	Namespace string
	// SnapshotTTL bounds how long a published session view stays readable.
	SnapshotTTL time.Duration
}

// Client is a go-redis client bound to one key namespace. Keys have the form
// <namespace>:<kind>:<name>.
type Client struct {
	rdb         *redis.Client
	ns          string
	snapshotTTL time.Duration
}

// New connects and pings.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	c := &Client{rdb: redis.NewClient(opts), ns: cmp.Or(cfg.Namespace, "loopbot"), snapshotTTL: cfg.SnapshotTTL}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// key namespaces a logical key, e.g. key("lock", "cmd:0xabc").
func (c *Client) key(kind, name string) string {
	return c.ns + ":" + kind + ":" + name
}
