// Package cache holds the Redis-backed read side of the indexer: a cache of
// committed entities, capped history lists and the single-writer lock.
package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMiss     = errors.New("cache miss")
	ErrLockHeld = errors.New("lock held by another writer")
	ErrLockLost = errors.New("lock lost")
)

// KV is the key/value surface the cache types are written against. Client
// implements it over Redis.
type KV interface {
	// Get returns ErrMiss when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// PushCapped prepends val to a list and trims it to max entries.
	PushCapped(ctx context.Context, key string, val []byte, max int64) error
	// Range returns list entries start..stop inclusive, newest first.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// DelIfEqual deletes key only while it still holds val.
	DelIfEqual(ctx context.Context, key string, val []byte) (bool, error)
	// ExpireIfEqual resets the ttl of key only while it still holds val.
	ExpireIfEqual(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
}

// Config holds connection parameters for the Redis client.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

const delIfEqualLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const expireIfEqualLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

var (
	delIfEqualScript    = redis.NewScript(delIfEqualLua)
	expireIfEqualScript = redis.NewScript(expireIfEqualLua)
)

// New connects and pings.
func New(ctx context.Context, cfg Config) (*Client, error) {
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

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return b, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}

func (c *Client) PushCapped(ctx context.Context, key string, val []byte, max int64) error {
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, val)
	pipe.LTrim(ctx, key, 0, max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: push %s: %w", key, err)
	}
	return nil
}

func (c *Client) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lrange %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *Client) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *Client) DelIfEqual(ctx context.Context, key string, val []byte) (bool, error) {
	n, err := delIfEqualScript.Run(ctx, c.rdb, []string{key}, val).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: conditional del %s: %w", key, err)
	}
	return n == 1, nil
}

func (c *Client) ExpireIfEqual(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	n, err := expireIfEqualScript.Run(ctx, c.rdb, []string{key}, val, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: conditional expire %s: %w", key, err)
	}
	return n == 1, nil
}

var _ KV = (*Client)(nil)
