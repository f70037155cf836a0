// Package kv defines the key-value cache collaborator and its Redis and
// in-memory implementations. The OAuth manager keeps authorization sessions
// here, and distributed locks guard cross-process critical sections.
package kv

import (
	"context"
	"errors"
	"time"
)

// Cache is the key-value collaborator surface. Values are opaque strings;
// callers serialize. TTL of zero means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error) // ErrMiss when absent
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	MGet(ctx context.Context, keys ...string) ([]string, error) // "" for misses
	MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error

	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	Keys(ctx context.Context, pattern string) ([]string, error)
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	// Lock acquires a mutually exclusive, auto-expiring lock, retrying up to
	// retries times with a short backoff. ErrLockHeld when all attempts fail.
	Lock(ctx context.Context, key string, ttl time.Duration, retries int) (Lock, error)

	Close() error
}

// Lock is a held distributed lock.
type Lock interface {
	// Release frees the lock. Releasing a lock that expired or was taken
	// over is a no-op.
	Release(ctx context.Context) error
	// Extend pushes the expiry out by ttl while still held.
	Extend(ctx context.Context, ttl time.Duration) error
}

// Sentinel errors.
var (
	ErrMiss     = errors.New("kv: key not found")
	ErrLockHeld = errors.New("kv: lock held")
	ErrLockLost = errors.New("kv: lock no longer held")
)

// lockRetryDelay is the pause between lock acquisition attempts.
const lockRetryDelay = 50 * time.Millisecond
