// Package ratelimit implements tiered fixed-window admission control on the
// shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/cache"
	"github.com/miradorstack/mirador-gateway/internal/metrics"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

const DefaultKeyPrefix = "ratelimit"

// Limiter counts requests per caller per fixed window. A caller can see up to
// twice its limit across a window boundary.
type Limiter struct {
	store  cache.CounterStore
	clock  clockwork.Clock
	logger *slog.Logger
	prefix string
}

// NewLimiter constructs a Limiter backed by store.
func NewLimiter(store cache.CounterStore, prefix string, clock clockwork.Clock, logger *slog.Logger) *Limiter {
	if store == nil {
		store = cache.NoopProvider{}
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, clock: clock, logger: logger, prefix: prefix}
}

// CheckAndConsume counts one request for callerKey and decides admission.
// Counter store failures fail open with Degraded set; only invalid options
// are returned as errors.
func (l *Limiter) CheckAndConsume(ctx context.Context, callerKey string, opts models.RateLimitOptions) (models.RateLimitDecision, error) {
	if opts.Requests <= 0 || opts.Window < time.Millisecond {
		return models.RateLimitDecision{}, utils.InvalidArgument("ratelimit.check", fmt.Sprintf("invalid quota %d per %s", opts.Requests, opts.Window))
	}

	windowMs := opts.WindowMs()
	nowMs := l.clock.Now().UnixMilli()
	windowStart := nowMs - nowMs%windowMs
	decision := models.RateLimitDecision{
		Limit:     opts.Requests,
		WindowMs:  windowMs,
		ResetTime: time.UnixMilli(windowStart + windowMs).UTC(),
	}

	key := fmt.Sprintf("%s:%s:%d", l.prefix, callerKey, windowStart)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.failOpen(decision, callerKey, err), nil
	}
	if count == 1 {
		// A failed expire leaves the counter without TTL; the next window uses a new key.
		if err := l.store.Expire(ctx, key, ttlFor(windowMs)); err != nil {
			l.logger.Warn("rate limit expire failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	decision.Count = count
	decision.Allowed = count <= int64(opts.Requests)
	if remaining := int64(opts.Requests) - count; remaining > 0 {
		decision.Remaining = int(remaining)
	}
	return decision, nil
}

func (l *Limiter) failOpen(decision models.RateLimitDecision, callerKey string, err error) models.RateLimitDecision {
	metrics.IncRateLimitStoreErrors()
	l.logger.Warn("rate limit store unavailable, admitting request",
		slog.String("caller", callerKey),
		slog.Any("error", err),
	)
	decision.Allowed = true
	decision.Degraded = true
	decision.Remaining = decision.Limit
	return decision
}

// ttlFor rounds the window up to whole seconds.
func ttlFor(windowMs int64) time.Duration {
	seconds := (windowMs + 999) / 1000
	return time.Duration(seconds) * time.Second
}
