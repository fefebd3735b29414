package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

const (
	// OutcomeAcceptable labels orchestrations whose aggregation strategy was satisfied.
	OutcomeAcceptable = "acceptable"
	// OutcomeDegraded labels orchestrations returned with an unsatisfied strategy.
	OutcomeDegraded = "degraded"
	// OutcomeError labels orchestrations rejected before fan-out or cancelled.
	OutcomeError = "error"
)

var (
	orchestrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_gateway",
			Name:      "orchestrations_total",
			Help:      "Total number of orchestrations handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	orchestrationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_gateway",
			Name:      "orchestration_seconds",
			Help:      "Orchestration latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
	)

	downstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_gateway",
			Name:      "downstream_calls_total",
			Help:      "Downstream analysis calls partitioned by service and outcome status.",
		},
		[]string{"service", "status"},
	)

	downstreamDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_gateway",
			Name:      "downstream_call_seconds",
			Help:      "Downstream call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mirador_gateway",
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per service: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service"},
	)

	rateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_gateway",
			Name:      "ratelimit_decisions_total",
			Help:      "Admission decisions partitioned by tier and decision.",
		},
		[]string{"tier", "decision"},
	)

	rateLimitStoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_gateway",
			Name:      "ratelimit_store_errors_total",
			Help:      "Counter store failures that forced fail-open admission.",
		},
	)

	usageEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_gateway",
			Name:      "usage_events_dropped_total",
			Help:      "Usage events discarded because the recorder queue was full.",
		},
	)
)

// Register attaches gateway collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		orchestrationsTotal,
		orchestrationDurationSeconds,
		downstreamCallsTotal,
		downstreamDurationSeconds,
		circuitBreakerState,
		rateLimitDecisionsTotal,
		rateLimitStoreErrorsTotal,
		usageEventsDroppedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveOrchestration records an orchestration duration and outcome label.
func ObserveOrchestration(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeAcceptable, OutcomeDegraded, OutcomeError:
	default:
		outcome = OutcomeError
	}
	orchestrationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	orchestrationDurationSeconds.Observe(duration.Seconds())
}

// ObserveDownstream records one service outcome.
func ObserveDownstream(outcome models.ServiceOutcome) {
	service := string(outcome.ServiceName)
	downstreamCallsTotal.WithLabelValues(service, string(outcome.Status)).Inc()
	downstreamDurationSeconds.WithLabelValues(service).Observe(float64(outcome.ResponseTime) / 1000)
}

// SetBreakerState publishes the current breaker state of a service.
func SetBreakerState(service models.ServiceName, state models.BreakerState) {
	value := 0.0
	switch state {
	case models.BreakerHalfOpen:
		value = 1
	case models.BreakerOpen:
		value = 2
	}
	circuitBreakerState.WithLabelValues(string(service)).Set(value)
}

// ObserveAdmission counts an admission decision.
func ObserveAdmission(tier models.Tier, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "blocked"
	}
	rateLimitDecisionsTotal.WithLabelValues(string(tier), decision).Inc()
}

// IncRateLimitStoreErrors counts a fail-open admission.
func IncRateLimitStoreErrors() {
	rateLimitStoreErrorsTotal.Inc()
}

// IncUsageEventsDropped counts a discarded usage event.
func IncUsageEventsDropped() {
	usageEventsDroppedTotal.Inc()
}
