package services

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/engine"
	"github.com/miradorstack/mirador-gateway/internal/metrics"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/usage"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

// Orchestrator is the engine surface the facade drives.
type Orchestrator interface {
	ExecuteParallelAnalysis(ctx context.Context, req models.OrchestrationRequest, caller models.Caller, correlationID string, overrides models.ExecutionOverrides) (models.OrchestrationResult, error)
	ProbeHealth(ctx context.Context) map[models.ServiceName]engine.ServiceHealth
	BreakerSnapshots() []breaker.Snapshot
}

// OrchestrationRecorder receives completed orchestrations.
type OrchestrationRecorder interface {
	RecordOrchestration(usage.OrchestrationEvent)
}

// OrchestrationService ties the orchestrator to metrics, latency tracking and usage recording.
type OrchestrationService struct {
	logger       *slog.Logger
	orchestrator Orchestrator
	recorder     OrchestrationRecorder
	latencies    *utils.LatencyTracker
	clock        clockwork.Clock
}

// NewOrchestrationService constructs the service facade. recorder may be nil.
func NewOrchestrationService(logger *slog.Logger, orchestrator Orchestrator, recorder OrchestrationRecorder, clock clockwork.Clock) *OrchestrationService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OrchestrationService{
		logger:       logger,
		orchestrator: orchestrator,
		recorder:     recorder,
		latencies:    utils.NewLatencyTracker(1024),
		clock:        clock,
	}
}

// Orchestrate runs one orchestration and records its telemetry.
func (s *OrchestrationService) Orchestrate(ctx context.Context, req models.OrchestrationRequest, caller models.Caller, correlationID string, overrides models.ExecutionOverrides) (models.OrchestrationResult, error) {
	if s.orchestrator == nil {
		return models.OrchestrationResult{}, utils.Unavailable("services.orchestrate", "orchestrator not configured", nil)
	}

	start := s.clock.Now()
	result, err := s.orchestrator.ExecuteParallelAnalysis(ctx, req, caller, correlationID, overrides)
	duration := s.clock.Since(start)
	if err != nil {
		metrics.ObserveOrchestration(duration, metrics.OutcomeError)
		if utils.CodeOf(err) != utils.CodeInvalidArgument {
			s.logger.Error("orchestration failed",
				slog.String("correlation_id", correlationID),
				slog.Any("error", err),
			)
		}
		return models.OrchestrationResult{}, err
	}

	for _, outcome := range result.Services {
		metrics.ObserveDownstream(outcome)
	}
	s.SyncBreakerMetrics()

	outcome := metrics.OutcomeAcceptable
	if !result.Acceptable || result.SuccessRate < 1 {
		outcome = metrics.OutcomeDegraded
	}
	metrics.ObserveOrchestration(duration, outcome)

	if observed := s.latencies.Observe(duration); observed%100 == 0 {
		stats := s.latencies.Stats()
		s.logger.Info("orchestration latency",
			slog.Duration("p50", stats.P50),
			slog.Duration("p95", stats.P95),
			slog.Duration("max", stats.Max),
			slog.Int("samples", stats.Samples),
		)
	}

	if s.recorder != nil {
		s.recorder.RecordOrchestration(usage.OrchestrationEvent{
			Caller:       caller.Key(),
			Tier:         caller.Tier,
			AnalysisType: req.AnalysisType,
			Acceptable:   result.Acceptable,
			SuccessRate:  result.SuccessRate,
			At:           s.clock.Now(),
		})
	}
	return result, nil
}

// ProbeHealth reports synthetic health of every downstream service.
func (s *OrchestrationService) ProbeHealth(ctx context.Context) map[models.ServiceName]engine.ServiceHealth {
	if s.orchestrator == nil {
		return map[models.ServiceName]engine.ServiceHealth{}
	}
	report := s.orchestrator.ProbeHealth(ctx)
	s.SyncBreakerMetrics()
	return report
}

// BreakerSnapshots returns the state of every circuit breaker.
func (s *OrchestrationService) BreakerSnapshots() []breaker.Snapshot {
	if s.orchestrator == nil {
		return nil
	}
	return s.orchestrator.BreakerSnapshots()
}

// SyncBreakerMetrics publishes breaker states to Prometheus.
func (s *OrchestrationService) SyncBreakerMetrics() {
	for _, snap := range s.BreakerSnapshots() {
		metrics.SetBreakerState(snap.Service, snap.State)
	}
}

// Latency summarises recent orchestration latencies.
func (s *OrchestrationService) Latency() utils.LatencyStats {
	return s.latencies.Stats()
}
