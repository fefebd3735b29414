package models

import (
	"strings"
	"time"
)

// Tier is a subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// ParseTier maps raw input onto a known tier, falling back to free.
func ParseTier(raw string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(raw))); t {
	case TierFree, TierPro, TierEnterprise, TierAdmin:
		return t
	}
	return TierFree
}

// RateLimitOptions is a quota of Requests per Window.
type RateLimitOptions struct {
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"-"`
}

// WindowMs reports the window length in milliseconds.
func (o RateLimitOptions) WindowMs() int64 {
	return o.Window.Milliseconds()
}

// RateLimitDecision is the outcome of one admission check.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int64
	WindowMs  int64
	ResetTime time.Time
	// Degraded marks a fail-open decision taken while the counter store was unreachable.
	Degraded bool
}
