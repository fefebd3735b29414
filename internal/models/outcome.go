package models

// OutcomeStatus is the terminal state of one downstream call.
type OutcomeStatus string

const (
	StatusSuccess     OutcomeStatus = "success"
	StatusError       OutcomeStatus = "error"
	StatusTimeout     OutcomeStatus = "timeout"
	StatusFallback    OutcomeStatus = "fallback"
	StatusCircuitOpen OutcomeStatus = "circuit_open"
)

// Usable reports whether the outcome carries data the response can use.
func (s OutcomeStatus) Usable() bool {
	return s == StatusSuccess || s == StatusFallback
}

// BreakerState mirrors the circuit breaker state names exposed to clients.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// ServiceOutcome records one attempted downstream service.
type ServiceOutcome struct {
	ServiceName         ServiceName   `json:"serviceName"`
	Status              OutcomeStatus `json:"status"`
	Data                any           `json:"data,omitempty"`
	Error               string        `json:"error,omitempty"`
	ResponseTime        int64         `json:"responseTime"`
	RetryAttempts       int           `json:"retryAttempts"`
	FallbackUsed        bool          `json:"fallbackUsed"`
	CircuitBreakerState BreakerState  `json:"circuitBreakerState"`
}

// ParallelExecutionStats counts outcomes per status category.
type ParallelExecutionStats struct {
	TotalServices       int     `json:"totalServices"`
	SuccessfulServices  int     `json:"successfulServices"`
	FailedServices      int     `json:"failedServices"`
	TimeoutServices     int     `json:"timeoutServices"`
	FallbackServices    int     `json:"fallbackServices"`
	AverageResponseTime float64 `json:"averageResponseTime"`
}

// OrchestrationResult is the folded response of one orchestration.
type OrchestrationResult struct {
	Services               map[ServiceName]ServiceOutcome `json:"services"`
	Warnings               []string                       `json:"warnings"`
	Recommendations        []string                       `json:"recommendations"`
	ExecutionTime          int64                          `json:"executionTime"`
	SuccessRate            float64                        `json:"successRate"`
	ParallelExecutionStats ParallelExecutionStats         `json:"parallelExecutionStats"`
	Strategy               AggregationStrategy            `json:"aggregationStrategy"`
	Acceptable             bool                           `json:"acceptable"`
}
