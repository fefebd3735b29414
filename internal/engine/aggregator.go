package engine

import (
	"fmt"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

const lowSuccessRate = 0.5

// Aggregate folds per-service outcomes into a result. order fixes the service
// ordering used for warnings; required marks services that must succeed.
func Aggregate(order []models.ServiceName, outcomes map[models.ServiceName]models.ServiceOutcome, required map[models.ServiceName]bool, strategy models.AggregationStrategy, elapsed time.Duration) models.OrchestrationResult {
	if !strategy.Valid() {
		strategy = models.StrategyBestEffort
	}

	services := make(map[models.ServiceName]models.ServiceOutcome, len(outcomes))
	for name, outcome := range outcomes {
		services[name] = outcome
	}

	stats := computeStats(order, services)
	successRate := 0.0
	if stats.TotalServices > 0 {
		successRate = float64(stats.SuccessfulServices) / float64(stats.TotalServices)
	}

	acceptable := strategySatisfied(order, services, required, strategy)

	return models.OrchestrationResult{
		Services:               services,
		Warnings:               buildWarnings(order, services, required, strategy, successRate, acceptable),
		Recommendations:        []string{},
		ExecutionTime:          elapsed.Milliseconds(),
		SuccessRate:            successRate,
		ParallelExecutionStats: stats,
		Strategy:               strategy,
		Acceptable:             acceptable,
	}
}

func computeStats(order []models.ServiceName, services map[models.ServiceName]models.ServiceOutcome) models.ParallelExecutionStats {
	stats := models.ParallelExecutionStats{}
	var totalTime int64
	for _, name := range order {
		outcome, ok := services[name]
		if !ok {
			continue
		}
		stats.TotalServices++
		totalTime += outcome.ResponseTime
		switch outcome.Status {
		case models.StatusSuccess:
			stats.SuccessfulServices++
		case models.StatusTimeout:
			stats.TimeoutServices++
		case models.StatusFallback:
			stats.FallbackServices++
		default:
			stats.FailedServices++
		}
	}
	if stats.TotalServices > 0 {
		stats.AverageResponseTime = float64(totalTime) / float64(stats.TotalServices)
	}
	return stats
}

func strategySatisfied(order []models.ServiceName, services map[models.ServiceName]models.ServiceOutcome, required map[models.ServiceName]bool, strategy models.AggregationStrategy) bool {
	switch strategy {
	case models.StrategyAll:
		for _, name := range order {
			if !services[name].Status.Usable() {
				return false
			}
		}
		return true
	case models.StrategyPartial:
		for _, name := range order {
			if required[name] && !services[name].Status.Usable() {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func buildWarnings(order []models.ServiceName, services map[models.ServiceName]models.ServiceOutcome, required map[models.ServiceName]bool, strategy models.AggregationStrategy, successRate float64, acceptable bool) []string {
	warnings := make([]string, 0)
	for _, name := range order {
		outcome, ok := services[name]
		if !ok {
			continue
		}
		status := outcome.Status
		if status == models.StatusCircuitOpen {
			warnings = append(warnings, fmt.Sprintf("circuit breaker open for %s; service was not called", name))
		}
		if status.Usable() {
			if outcome.FallbackUsed {
				warnings = append(warnings, fmt.Sprintf("%s returned fallback data after failing: %s", name, outcome.Error))
			}
			continue
		}

		switch strategy {
		case models.StrategyAll:
			warnings = append(warnings, fmt.Sprintf("%s service %s did not complete (%s)", role(required[name]), name, status))
		case models.StrategyPartial:
			if required[name] {
				if status == models.StatusError || status == models.StatusTimeout {
					warnings = append(warnings, fmt.Sprintf("required service %s failed (%s): %s", name, status, outcome.Error))
				}
			} else {
				warnings = append(warnings, fmt.Sprintf("optional service %s failed (%s); result is degraded", name, status))
			}
		default:
			if required[name] && (status == models.StatusError || status == models.StatusTimeout) {
				warnings = append(warnings, fmt.Sprintf("required service %s failed (%s): %s", name, status, outcome.Error))
			}
		}
	}

	if len(services) > 0 && successRate < lowSuccessRate {
		warnings = append(warnings, fmt.Sprintf("low success rate: %.0f%% of services succeeded", successRate*100))
	}
	if !acceptable {
		warnings = append(warnings, fmt.Sprintf("aggregation strategy %q not satisfied; returning partial data", strategy))
	}
	return warnings
}

func role(required bool) string {
	if required {
		return "required"
	}
	return "optional"
}
