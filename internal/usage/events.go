// Package usage records admission and orchestration telemetry into the shared
// counter store and answers read-side usage queries.
package usage

import (
	"time"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

// AdmissionEvent is emitted after every rate-limit decision.
type AdmissionEvent struct {
	Caller    string
	Tier      models.Tier
	Endpoint  string
	Allowed   bool
	Degraded  bool
	Limit     int
	Count     int64
	WindowMs  int64
	ResetTime time.Time
	At        time.Time
}

// OrchestrationEvent is emitted after every completed orchestration.
type OrchestrationEvent struct {
	Caller       string
	Tier         models.Tier
	AnalysisType models.AnalysisType
	Acceptable   bool
	SuccessRate  float64
	At           time.Time
}

// Degraded reports whether the orchestration returned less than a full result.
func (e OrchestrationEvent) Degraded() bool {
	return !e.Acceptable || e.SuccessRate < 1
}

// Counts pairs a total with the blocked share of it.
type Counts struct {
	Total   int64 `json:"total"`
	Blocked int64 `json:"blocked"`
}

// OrchestrationCounts summarises orchestration outcomes.
type OrchestrationCounts struct {
	Total    int64 `json:"total"`
	Degraded int64 `json:"degraded"`
}

// AggregateStats is the global usage over a time range.
type AggregateStats struct {
	From           time.Time              `json:"from"`
	To             time.Time              `json:"to"`
	Requests       Counts                 `json:"requests"`
	ByTier         map[models.Tier]Counts `json:"byTier"`
	ByEndpoint     map[string]Counts      `json:"byEndpoint"`
	Orchestrations OrchestrationCounts    `json:"orchestrations"`
	Daily          map[string]Counts      `json:"daily"`
}

// CallerStats is the usage of one caller over a time range.
type CallerStats struct {
	Caller         string       `json:"caller"`
	From           time.Time    `json:"from"`
	To             time.Time    `json:"to"`
	Requests       Counts       `json:"requests"`
	Orchestrations int64        `json:"orchestrations"`
	Window         *WindowUsage `json:"window,omitempty"`
}

// WindowUsage is the latest rate-limit window observed for a caller.
type WindowUsage struct {
	Caller       string      `json:"caller"`
	Tier         models.Tier `json:"tier"`
	Limit        int         `json:"limit"`
	Count        int64       `json:"count"`
	WindowMs     int64       `json:"windowMs"`
	ResetTime    time.Time   `json:"resetTime"`
	UsagePercent float64     `json:"usagePercent"`
}
