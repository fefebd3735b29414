package models

import "time"

// AggregationStrategy decides how partial failures affect acceptability.
type AggregationStrategy string

const (
	StrategyAll        AggregationStrategy = "all"
	StrategyPartial    AggregationStrategy = "partial"
	StrategyBestEffort AggregationStrategy = "best_effort"
)

// Valid reports whether s is a known strategy.
func (s AggregationStrategy) Valid() bool {
	switch s {
	case StrategyAll, StrategyPartial, StrategyBestEffort:
		return true
	}
	return false
}

// ExecutionConfig is the resolved configuration for one orchestration.
type ExecutionConfig struct {
	MaxConcurrency      int                 `json:"maxConcurrency" yaml:"maxConcurrency"`
	Timeout             time.Duration       `json:"-" yaml:"timeout"`
	RetryAttempts       int                 `json:"retryAttempts" yaml:"retryAttempts"`
	FailFast            bool                `json:"failFast" yaml:"failFast"`
	AggregationStrategy AggregationStrategy `json:"aggregationStrategy" yaml:"aggregationStrategy"`
	RequiredServices    []ServiceName       `json:"requiredServices" yaml:"requiredServices"`
	OptionalServices    []ServiceName       `json:"optionalServices" yaml:"optionalServices"`
	EnableFallbacks     bool                `json:"enableFallbacks" yaml:"enableFallbacks"`
	PriorityExecution   bool                `json:"priorityExecution" yaml:"priorityExecution"`
	EnforceDependencies bool                `json:"enforceDependencies" yaml:"enforceDependencies"`
}

// TimeoutMs reports the per-call timeout in milliseconds.
func (c ExecutionConfig) TimeoutMs() int64 {
	return c.Timeout.Milliseconds()
}

// ExecutionOverrides carries per-call overrides; nil fields keep the tier default.
type ExecutionOverrides struct {
	MaxConcurrency      *int                 `json:"maxConcurrency,omitempty"`
	TimeoutMs           *int64               `json:"timeout,omitempty"`
	RetryAttempts       *int                 `json:"retryAttempts,omitempty"`
	FailFast            *bool                `json:"failFast,omitempty"`
	AggregationStrategy *AggregationStrategy `json:"aggregationStrategy,omitempty"`
	RequiredServices    []ServiceName        `json:"requiredServices,omitempty"`
	OptionalServices    []ServiceName        `json:"optionalServices,omitempty"`
	EnableFallbacks     *bool                `json:"enableFallbacks,omitempty"`
	PriorityExecution   *bool                `json:"priorityExecution,omitempty"`
	EnforceDependencies *bool                `json:"enforceDependencies,omitempty"`
}

// Merge applies the overrides on top of base.
func (o ExecutionOverrides) Merge(base ExecutionConfig) ExecutionConfig {
	cfg := base
	cfg.RequiredServices = append([]ServiceName(nil), base.RequiredServices...)
	cfg.OptionalServices = append([]ServiceName(nil), base.OptionalServices...)
	if o.MaxConcurrency != nil {
		cfg.MaxConcurrency = *o.MaxConcurrency
	}
	if o.TimeoutMs != nil {
		cfg.Timeout = time.Duration(*o.TimeoutMs) * time.Millisecond
	}
	if o.RetryAttempts != nil {
		cfg.RetryAttempts = *o.RetryAttempts
	}
	if o.FailFast != nil {
		cfg.FailFast = *o.FailFast
	}
	if o.AggregationStrategy != nil {
		cfg.AggregationStrategy = *o.AggregationStrategy
	}
	if o.RequiredServices != nil {
		cfg.RequiredServices = append([]ServiceName(nil), o.RequiredServices...)
	}
	if o.OptionalServices != nil {
		cfg.OptionalServices = append([]ServiceName(nil), o.OptionalServices...)
	}
	if o.EnableFallbacks != nil {
		cfg.EnableFallbacks = *o.EnableFallbacks
	}
	if o.PriorityExecution != nil {
		cfg.PriorityExecution = *o.PriorityExecution
	}
	if o.EnforceDependencies != nil {
		cfg.EnforceDependencies = *o.EnforceDependencies
	}
	return cfg
}
