package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/correlation"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

const (
	skippedFailFast = "skipped: fail-fast"
	probeProjectID  = "health-probe"
)

// DefaultTierConfigs returns the execution defaults applied per subscription tier.
func DefaultTierConfigs() map[models.Tier]models.ExecutionConfig {
	return map[models.Tier]models.ExecutionConfig{
		models.TierFree: {
			MaxConcurrency:      2,
			Timeout:             10 * time.Second,
			RetryAttempts:       1,
			AggregationStrategy: models.StrategyBestEffort,
		},
		models.TierPro: {
			MaxConcurrency:      4,
			Timeout:             15 * time.Second,
			RetryAttempts:       2,
			AggregationStrategy: models.StrategyBestEffort,
			EnableFallbacks:     true,
		},
		models.TierEnterprise: {
			MaxConcurrency:      4,
			Timeout:             30 * time.Second,
			RetryAttempts:       3,
			AggregationStrategy: models.StrategyPartial,
			EnableFallbacks:     true,
			PriorityExecution:   true,
		},
		models.TierAdmin: {
			MaxConcurrency:      4,
			Timeout:             30 * time.Second,
			RetryAttempts:       3,
			AggregationStrategy: models.StrategyBestEffort,
			EnableFallbacks:     true,
			PriorityExecution:   true,
		},
	}
}

// DefaultDependencies lists which services consume another service's output.
func DefaultDependencies() map[models.ServiceName][]models.ServiceName {
	return map[models.ServiceName][]models.ServiceName{
		models.ServiceTokenomics: {models.ServiceOnchain},
	}
}

// Options tunes an Orchestrator.
type Options struct {
	TierDefaults map[models.Tier]models.ExecutionConfig
	Dependencies map[models.ServiceName][]models.ServiceName
	ProbeTimeout time.Duration
}

// Orchestrator fans one analysis request out to the downstream services.
type Orchestrator struct {
	invoker      *Invoker
	rules        *RuleEngine
	tierDefaults map[models.Tier]models.ExecutionConfig
	dependencies map[models.ServiceName][]models.ServiceName
	probeTimeout time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger
}

// NewOrchestrator constructs an Orchestrator; rules may be nil.
func NewOrchestrator(invoker *Invoker, rules *RuleEngine, opts Options, clock clockwork.Clock, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultTierConfigs()
	for tier, cfg := range opts.TierDefaults {
		defaults[tier] = cfg
	}
	deps := opts.Dependencies
	if deps == nil {
		deps = DefaultDependencies()
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Orchestrator{
		invoker:      invoker,
		rules:        rules,
		tierDefaults: defaults,
		dependencies: deps,
		probeTimeout: probeTimeout,
		clock:        clock,
		logger:       logger,
	}
}

// ResolveConfig merges overrides over the tier defaults and validates the result.
func (o *Orchestrator) ResolveConfig(tier models.Tier, overrides models.ExecutionOverrides) (models.ExecutionConfig, error) {
	base, ok := o.tierDefaults[tier]
	if !ok {
		base = o.tierDefaults[models.TierFree]
	}
	cfg := overrides.Merge(base)
	if cfg.AggregationStrategy == "" {
		cfg.AggregationStrategy = models.StrategyBestEffort
	}
	if err := validateConfig(cfg); err != nil {
		return models.ExecutionConfig{}, err
	}
	return cfg, nil
}

func validateConfig(cfg models.ExecutionConfig) error {
	const op = "orchestrator.config"
	if cfg.MaxConcurrency < 1 {
		return utils.InvalidArgument(op, "maxConcurrency must be at least 1")
	}
	if cfg.Timeout <= 0 {
		return utils.InvalidArgument(op, "timeout must be positive")
	}
	if cfg.RetryAttempts < 0 {
		return utils.InvalidArgument(op, "retryAttempts must not be negative")
	}
	if !cfg.AggregationStrategy.Valid() {
		return utils.InvalidArgument(op, fmt.Sprintf("unknown aggregationStrategy %q", cfg.AggregationStrategy))
	}
	required := make(map[models.ServiceName]bool, len(cfg.RequiredServices))
	for _, name := range cfg.RequiredServices {
		if _, err := models.ParseServiceName(string(name)); err != nil {
			return utils.InvalidArgument(op, err.Error())
		}
		required[name] = true
	}
	for _, name := range cfg.OptionalServices {
		if _, err := models.ParseServiceName(string(name)); err != nil {
			return utils.InvalidArgument(op, err.Error())
		}
		if required[name] {
			return utils.InvalidArgument(op, fmt.Sprintf("service %s is both required and optional", name))
		}
	}
	return nil
}

type plan struct {
	order    []models.ServiceName
	required map[models.ServiceName]bool
	deps     map[models.ServiceName][]models.ServiceName
}

func (o *Orchestrator) plan(req models.OrchestrationRequest, cfg models.ExecutionConfig) (plan, error) {
	const op = "orchestrator.plan"
	services, err := req.AnalysisType.Services()
	if err != nil {
		return plan{}, utils.InvalidArgument(op, err.Error())
	}
	if len(services) == 0 {
		return plan{}, utils.InvalidArgument(op, "no services resolved for analysis type")
	}

	resolved := make(map[models.ServiceName]bool, len(services))
	for _, name := range services {
		resolved[name] = true
	}
	required := make(map[models.ServiceName]bool)
	for _, name := range cfg.RequiredServices {
		if resolved[name] {
			required[name] = true
		}
	}

	order := append([]models.ServiceName(nil), services...)
	if cfg.PriorityExecution {
		sort.SliceStable(order, func(i, j int) bool {
			return required[order[i]] && !required[order[j]]
		})
	}

	deps := make(map[models.ServiceName][]models.ServiceName)
	if cfg.EnforceDependencies {
		for _, name := range order {
			for _, dep := range o.dependencies[name] {
				if resolved[dep] && dep != name {
					deps[name] = append(deps[name], dep)
				}
			}
		}
		if cycle := findCycle(order, deps); cycle != "" {
			return plan{}, utils.InvalidArgument(op, "dependency cycle involving "+cycle)
		}
	}

	return plan{order: order, required: required, deps: deps}, nil
}

func findCycle(order []models.ServiceName, deps map[models.ServiceName][]models.ServiceName) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[models.ServiceName]int, len(order))
	var visit func(models.ServiceName) string
	visit = func(name models.ServiceName) string {
		switch state[name] {
		case visiting:
			return string(name)
		case done:
			return ""
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if c := visit(dep); c != "" {
				return c
			}
		}
		state[name] = done
		return ""
	}
	for _, name := range order {
		if c := visit(name); c != "" {
			return c
		}
	}
	return ""
}

// ExecuteParallelAnalysis runs the resolved services for req and aggregates
// their outcomes. Downstream failures are folded into the result; only
// structural problems and caller cancellation are returned as errors.
func (o *Orchestrator) ExecuteParallelAnalysis(ctx context.Context, req models.OrchestrationRequest, caller models.Caller, correlationID string, overrides models.ExecutionOverrides) (models.OrchestrationResult, error) {
	if req.ProjectID == "" {
		return models.OrchestrationResult{}, utils.InvalidArgument("orchestrator.execute", "projectId is required")
	}
	cfg, err := o.ResolveConfig(caller.Tier, overrides)
	if err != nil {
		return models.OrchestrationResult{}, err
	}
	p, err := o.plan(req, cfg)
	if err != nil {
		return models.OrchestrationResult{}, err
	}

	if correlationID == "" {
		correlationID = correlation.NewID(o.clock.Now())
	}
	ctx = correlation.WithID(ctx, correlationID)

	start := o.clock.Now()
	outcomes, err := o.dispatch(ctx, req, cfg, p)
	if err != nil {
		return models.OrchestrationResult{}, err
	}

	result := Aggregate(p.order, outcomes, p.required, cfg.AggregationStrategy, o.clock.Since(start))
	result.Recommendations = o.rules.Recommend(p.order, outcomes, p.required)

	o.logger.Info("orchestration completed",
		slog.String("correlation_id", correlationID),
		slog.String("project_id", req.ProjectID),
		slog.String("analysis_type", string(req.AnalysisType)),
		slog.String("caller", caller.Key()),
		slog.Float64("success_rate", result.SuccessRate),
		slog.Bool("acceptable", result.Acceptable),
		slog.Int64("execution_ms", result.ExecutionTime),
	)
	return result, nil
}

// dispatch keeps at most cfg.MaxConcurrency invocations in flight and returns
// exactly one outcome per planned service.
func (o *Orchestrator) dispatch(ctx context.Context, req models.OrchestrationRequest, cfg models.ExecutionConfig, p plan) (map[models.ServiceName]models.ServiceOutcome, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrency)

	results := make(chan models.ServiceOutcome, len(p.order))
	outcomes := make(map[models.ServiceName]models.ServiceOutcome, len(p.order))
	started := make(map[models.ServiceName]bool, len(p.order))
	inFlight := 0
	stopped := false

	record := func(out models.ServiceOutcome) {
		outcomes[out.ServiceName] = out
		if cfg.FailFast && !stopped && p.required[out.ServiceName] && failsFast(out.Status) {
			stopped = true
			cancelRun()
			o.logger.Warn("fail-fast triggered",
				slog.String("correlation_id", correlation.FromContext(ctx)),
				slog.String("service", string(out.ServiceName)),
				slog.String("status", string(out.Status)),
			)
		}
	}

	launch := func(name models.ServiceName) {
		started[name] = true
		inFlight++
		call := Call{
			Service:         name,
			Request:         req,
			Timeout:         cfg.Timeout,
			RetryAttempts:   cfg.RetryAttempts,
			EnableFallbacks: cfg.EnableFallbacks,
		}
		g.Go(func() error {
			results <- o.invoker.Invoke(runCtx, call)
			return nil
		})
	}

	// fill starts every ready service up to the concurrency cap and settles
	// services whose dependencies can no longer be satisfied.
	fill := func() {
		for progress := true; progress; {
			progress = false
			for _, name := range p.order {
				if started[name] {
					continue
				}
				if stopped {
					started[name] = true
					record(skipped(name))
					progress = true
					continue
				}
				ready, blocker := dependenciesReady(name, p.deps, outcomes)
				if blocker != "" {
					started[name] = true
					record(dependencyUnavailable(name, blocker))
					progress = true
					continue
				}
				if !ready || inFlight >= cfg.MaxConcurrency {
					continue
				}
				launch(name)
				progress = true
			}
		}
	}

	for {
		fill()
		if len(outcomes) == len(p.order) {
			break
		}
		if inFlight == 0 {
			// Unreachable with an acyclic plan; guards against a stuck loop.
			return nil, utils.NewAppError("orchestrator.dispatch", "dispatcher stalled", nil)
		}
		select {
		case out := <-results:
			inFlight--
			record(out)
		case <-ctx.Done():
			cancelRun()
			_ = g.Wait()
			return nil, ctx.Err()
		}
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func failsFast(status models.OutcomeStatus) bool {
	return status == models.StatusError || status == models.StatusTimeout || status == models.StatusCircuitOpen
}

// dependenciesReady reports whether all dependencies of name have finished;
// blocker names the first finished dependency without usable data.
func dependenciesReady(name models.ServiceName, deps map[models.ServiceName][]models.ServiceName, outcomes map[models.ServiceName]models.ServiceOutcome) (bool, models.ServiceName) {
	ready := true
	for _, dep := range deps[name] {
		out, ok := outcomes[dep]
		if !ok {
			ready = false
			continue
		}
		if !out.Status.Usable() {
			return false, dep
		}
	}
	return ready, ""
}

func skipped(name models.ServiceName) models.ServiceOutcome {
	return models.ServiceOutcome{
		ServiceName:         name,
		Status:              models.StatusError,
		Error:               skippedFailFast,
		CircuitBreakerState: models.BreakerClosed,
	}
}

func dependencyUnavailable(name, dep models.ServiceName) models.ServiceOutcome {
	return models.ServiceOutcome{
		ServiceName:         name,
		Status:              models.StatusError,
		Error:               fmt.Sprintf("dependency %s unavailable", dep),
		CircuitBreakerState: models.BreakerClosed,
	}
}

// ServiceHealth is the probe result for one downstream service.
type ServiceHealth struct {
	Status              string              `json:"status"`
	ResponseTime        int64               `json:"responseTime"`
	CircuitBreakerState models.BreakerState `json:"circuitBreakerState"`
	Error               string              `json:"error,omitempty"`
}

// ProbeHealth issues a synthetic request to every service in parallel. Probes
// bypass retries and never change breaker state.
func (o *Orchestrator) ProbeHealth(ctx context.Context) map[models.ServiceName]ServiceHealth {
	report := make(map[models.ServiceName]ServiceHealth, len(models.AllServices))
	results := make([]ServiceHealth, len(models.AllServices))

	var g errgroup.Group
	for idx, name := range models.AllServices {
		idx, name := idx, name
		g.Go(func() error {
			results[idx] = o.probe(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	for idx, name := range models.AllServices {
		report[name] = results[idx]
	}
	return report
}

func (o *Orchestrator) probe(ctx context.Context, name models.ServiceName) ServiceHealth {
	health := ServiceHealth{
		Status:              "healthy",
		CircuitBreakerState: o.invoker.Breakers().Get(name).State(),
	}
	probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	start := o.clock.Now()
	_, err := o.invoker.attempt(probeCtx, Call{
		Service: name,
		Request: models.OrchestrationRequest{
			ProjectID:    probeProjectID,
			AnalysisType: models.AnalysisType(name),
		},
	})
	health.ResponseTime = o.clock.Since(start).Milliseconds()
	if err != nil {
		health.Status = "unhealthy"
		health.Error = err.Error()
	}
	return health
}

// BreakerSnapshots reports the state of every downstream circuit breaker.
func (o *Orchestrator) BreakerSnapshots() []breaker.Snapshot {
	registry := o.invoker.Breakers()
	for _, name := range models.AllServices {
		registry.Get(name)
	}
	return registry.Snapshots()
}
