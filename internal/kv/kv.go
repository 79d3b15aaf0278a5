// Package kv is the shared key-value capability behind sessions, presence,
// rate-limit counters, read markers and small caches.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist or has expired.
var ErrNil = errors.New("kv: nil")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only when the key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
}
