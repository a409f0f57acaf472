package replay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Cmdable is the subset of Redis commands the guard needs.
// It is satisfied by an adapter over github.com/redis/go-redis/v9 clients.
type Cmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) BoolCmd
	Del(ctx context.Context, keys ...string) IntCmd
}

// BoolCmd is the interface for bool command results.
type BoolCmd interface {
	Result() (bool, error)
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}

// RedisConfig holds configuration for the Redis guard.
type RedisConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "integrity:replay:").
	KeyPrefix string

	// TTL is how long a consumed key is remembered (default: 10 minutes).
	TTL time.Duration
}

// RedisGuard is a Redis-backed implementation of Guard.
// Suitable for deployments where several verifier instances must share
// replay state.
type RedisGuard struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisGuard creates a new Redis-backed replay guard.
func NewRedisGuard(cfg RedisConfig) (*RedisGuard, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "integrity:replay:"
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	return &RedisGuard{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

// Consume marks key as used. SETNX makes the check-and-set atomic across
// instances.
func (g *RedisGuard) Consume(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	ok, err := g.client.SetNX(ctx, g.keyPrefix+key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record replay key: %w", err)
	}
	return ok, nil
}

// Forget removes key so it can be consumed again.
func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	if _, err := g.client.Del(ctx, g.keyPrefix+key).Result(); err != nil {
		return fmt.Errorf("failed to delete replay key: %w", err)
	}
	return nil
}

// Close is a no-op for Redis guard (connection is managed externally).
func (g *RedisGuard) Close() {
	// No-op: Redis client lifecycle is managed by the caller
}
