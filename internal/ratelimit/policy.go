package ratelimit

import (
	"strings"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

// DefaultTiers returns the per-tier quotas.
func DefaultTiers() map[models.Tier]models.RateLimitOptions {
	return map[models.Tier]models.RateLimitOptions{
		models.TierFree:       {Requests: 10, Window: time.Hour},
		models.TierPro:        {Requests: 1000, Window: time.Hour},
		models.TierEnterprise: {Requests: 10000, Window: time.Hour},
		models.TierAdmin:      {Requests: 100000, Window: time.Hour},
	}
}

// DefaultExemptPaths lists paths that bypass admission control.
func DefaultExemptPaths() []string {
	return []string{"/health", "/healthz", "/metrics", "/docs/*"}
}

// Route overrides the tier quota for one route, optionally for selected tiers only.
type Route struct {
	Method string                  `yaml:"method"`
	Path   string                  `yaml:"path"`
	Tiers  []models.Tier           `yaml:"tiers"`
	Limit  models.RateLimitOptions `yaml:"limit"`
}

func (r Route) matches(method, path string, tier models.Tier) bool {
	if r.Path != path {
		return false
	}
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	if len(r.Tiers) == 0 {
		return true
	}
	for _, t := range r.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Policy resolves the quota that applies to a request.
type Policy struct {
	Tiers  map[models.Tier]models.RateLimitOptions
	Routes []Route
	Exempt []string
}

// NewPolicy fills missing tiers from DefaultTiers.
func NewPolicy(tiers map[models.Tier]models.RateLimitOptions, routes []Route, exempt []string) Policy {
	merged := DefaultTiers()
	for tier, opts := range tiers {
		if opts.Requests > 0 && opts.Window > 0 {
			merged[tier] = opts
		}
	}
	if exempt == nil {
		exempt = DefaultExemptPaths()
	}
	return Policy{Tiers: merged, Routes: append([]Route(nil), routes...), Exempt: append([]string(nil), exempt...)}
}

// Resolve returns the first matching route quota, else the tier default.
// Unknown tiers resolve as free.
func (p Policy) Resolve(method, path string, tier models.Tier) models.RateLimitOptions {
	for _, route := range p.Routes {
		if route.matches(method, path, tier) && route.Limit.Requests > 0 && route.Limit.Window > 0 {
			return route.Limit
		}
	}
	if opts, ok := p.Tiers[tier]; ok {
		return opts
	}
	if opts, ok := p.Tiers[models.TierFree]; ok {
		return opts
	}
	return DefaultTiers()[models.TierFree]
}

// IsExempt reports whether path bypasses admission control. Entries ending in
// "/*" match the prefix and everything below it.
func (p Policy) IsExempt(path string) bool {
	for _, exempt := range p.Exempt {
		if prefix, ok := strings.CutSuffix(exempt, "/*"); ok {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
			continue
		}
		if path == exempt {
			return true
		}
	}
	return false
}
