package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/cache"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

var allTiers = []models.Tier{models.TierFree, models.TierPro, models.TierEnterprise, models.TierAdmin}

// AggregateStats sums global, per-tier and per-endpoint counters over [from, to].
func (r *Recorder) AggregateStats(ctx context.Context, from, to time.Time) (AggregateStats, error) {
	from, to = r.clampRange(from, to)
	stats := AggregateStats{
		From:       from,
		To:         to,
		ByTier:     make(map[models.Tier]Counts),
		ByEndpoint: make(map[string]Counts),
		Daily:      make(map[string]Counts),
	}

	for _, day := range utils.DayKeys(from, to) {
		daily, err := r.counts(ctx, r.key("global", day))
		if err != nil {
			return AggregateStats{}, err
		}
		stats.Daily[day] = daily
		stats.Requests = add(stats.Requests, daily)

		for _, tier := range allTiers {
			c, err := r.counts(ctx, r.key("tier", string(tier), day))
			if err != nil {
				return AggregateStats{}, err
			}
			if c.Total > 0 {
				stats.ByTier[tier] = add(stats.ByTier[tier], c)
			}
		}

		if err := r.collectEndpoints(ctx, day, stats.ByEndpoint); err != nil {
			return AggregateStats{}, err
		}

		orch := r.key("orchestrations", day)
		total, err := r.counter(ctx, orch+":total")
		if err != nil {
			return AggregateStats{}, err
		}
		degraded, err := r.counter(ctx, orch+":degraded")
		if err != nil {
			return AggregateStats{}, err
		}
		stats.Orchestrations.Total += total
		stats.Orchestrations.Degraded += degraded
	}
	return stats, nil
}

// CallerStats sums one caller's counters over [from, to] and attaches the
// caller's current window usage when one is live.
func (r *Recorder) CallerStats(ctx context.Context, caller string, from, to time.Time) (CallerStats, error) {
	if caller == "" {
		return CallerStats{}, utils.InvalidArgument("usage.caller_stats", "caller key is required")
	}
	from, to = r.clampRange(from, to)
	stats := CallerStats{Caller: caller, From: from, To: to}

	for _, day := range utils.DayKeys(from, to) {
		scope := r.key("caller", caller, day)
		c, err := r.counts(ctx, scope)
		if err != nil {
			return CallerStats{}, err
		}
		stats.Requests = add(stats.Requests, c)
		orch, err := r.counter(ctx, scope+":orchestrations")
		if err != nil {
			return CallerStats{}, err
		}
		stats.Orchestrations += orch
	}

	window, ok, err := r.window(ctx, r.key("window", caller))
	if err != nil {
		return CallerStats{}, err
	}
	if ok {
		stats.Window = &window
	}
	return stats, nil
}

// CallersNearLimit lists callers whose live window usage is at least
// thresholdPercent of their limit, highest usage first.
func (r *Recorder) CallersNearLimit(ctx context.Context, thresholdPercent float64) ([]WindowUsage, error) {
	if thresholdPercent < 0 || thresholdPercent > 100 {
		return nil, utils.InvalidArgument("usage.near_limit", "threshold must be between 0 and 100")
	}
	keys, err := r.store.Keys(ctx, r.key("window", "*"))
	if err != nil {
		return nil, utils.Unavailable("usage.near_limit", "list window keys", err)
	}

	near := make([]WindowUsage, 0)
	for _, key := range keys {
		window, ok, err := r.window(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && window.UsagePercent >= thresholdPercent {
			near = append(near, window)
		}
	}
	sort.SliceStable(near, func(i, j int) bool {
		if near[i].UsagePercent == near[j].UsagePercent {
			return near[i].Caller < near[j].Caller
		}
		return near[i].UsagePercent > near[j].UsagePercent
	})
	return near, nil
}

// clampRange keeps queries inside the retention horizon.
func (r *Recorder) clampRange(from, to time.Time) (time.Time, time.Time) {
	if to.Before(from) {
		from, to = to, from
	}
	horizon := r.clock.Now().Add(-r.retention)
	if from.Before(horizon) {
		from = horizon
	}
	if to.Before(from) {
		to = from
	}
	return from, to
}

func (r *Recorder) collectEndpoints(ctx context.Context, day string, into map[string]Counts) error {
	prefix := r.key("endpoint") + ":"
	suffix := ":" + day + ":total"
	keys, err := r.store.Keys(ctx, prefix+"*"+suffix)
	if err != nil {
		return utils.Unavailable("usage.endpoints", "list endpoint keys", err)
	}
	for _, key := range keys {
		endpoint := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
		c, err := r.counts(ctx, r.key("endpoint", endpoint, day))
		if err != nil {
			return err
		}
		into[endpoint] = add(into[endpoint], c)
	}
	return nil
}

func (r *Recorder) counts(ctx context.Context, scope string) (Counts, error) {
	total, err := r.counter(ctx, scope+":total")
	if err != nil {
		return Counts{}, err
	}
	blocked, err := r.counter(ctx, scope+":blocked")
	if err != nil {
		return Counts{}, err
	}
	return Counts{Total: total, Blocked: blocked}, nil
}

func (r *Recorder) counter(ctx context.Context, key string) (int64, error) {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return 0, nil
		}
		return 0, utils.Unavailable("usage.counter", "read "+key, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

func (r *Recorder) window(ctx context.Context, key string) (WindowUsage, bool, error) {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return WindowUsage{}, false, nil
		}
		return WindowUsage{}, false, utils.Unavailable("usage.window", "read "+key, err)
	}
	var w WindowUsage
	if err := json.Unmarshal(raw, &w); err != nil {
		return WindowUsage{}, false, fmt.Errorf("decode window usage %s: %w", key, err)
	}
	if w.Limit > 0 {
		w.UsagePercent = float64(w.Count) / float64(w.Limit) * 100
	}
	return w, true, nil
}

func add(a, b Counts) Counts {
	return Counts{Total: a.Total + b.Total, Blocked: a.Blocked + b.Blocked}
}
