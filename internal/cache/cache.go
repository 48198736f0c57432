// Package cache defines the shared cache used for rate-limit counters,
// monthly usage counters, latency samples, and control-plane sessions.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache: miss")

// Cache is the subset of shared-cache operations the gateway needs. The
// production implementation is Redis; tests use the in-process Memory cache.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL reports the remaining lifetime of key; negative when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// CompareAndSwap writes value only if the key still holds old. An absent
	// key matches old == "". Returns false when another writer won.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
