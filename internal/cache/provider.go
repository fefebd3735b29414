package cache

import (
	"context"
	"errors"
	"time"
)

// CounterStore is the shared atomic counter surface used by admission control
// and usage recording. Incr must be atomic across processes.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Provider defines the cache operations needed by the gateway.
type Provider interface {
	CounterStore
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Incr always reports a fresh counter.
func (NoopProvider) Incr(context.Context, string) (int64, error) { return 1, nil }

// Expire is a no-op.
func (NoopProvider) Expire(context.Context, string, time.Duration) error { return nil }

// Keys never matches.
func (NoopProvider) Keys(context.Context, string) ([]string, error) { return nil, nil }

// Del is a no-op for the noop cache.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
