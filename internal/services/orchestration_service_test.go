package services

import (
	"context"
	"sync"
	"testing"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/engine"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/usage"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

type orchestratorStub struct {
	result models.OrchestrationResult
	err    error
	calls  int
}

func (o *orchestratorStub) ExecuteParallelAnalysis(ctx context.Context, req models.OrchestrationRequest, caller models.Caller, correlationID string, overrides models.ExecutionOverrides) (models.OrchestrationResult, error) {
	o.calls++
	return o.result, o.err
}

func (o *orchestratorStub) ProbeHealth(ctx context.Context) map[models.ServiceName]engine.ServiceHealth {
	return map[models.ServiceName]engine.ServiceHealth{
		models.ServiceOnchain: {Status: "healthy", CircuitBreakerState: models.BreakerClosed},
	}
}

func (o *orchestratorStub) BreakerSnapshots() []breaker.Snapshot {
	return []breaker.Snapshot{{Service: models.ServiceOnchain, State: models.BreakerClosed}}
}

type recorderStub struct {
	mu     sync.Mutex
	events []usage.OrchestrationEvent
}

func (r *recorderStub) RecordOrchestration(e usage.OrchestrationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestOrchestrateRecordsUsage(t *testing.T) {
	stub := &orchestratorStub{result: models.OrchestrationResult{
		Services: map[models.ServiceName]models.ServiceOutcome{
			models.ServiceOnchain: {ServiceName: models.ServiceOnchain, Status: models.StatusSuccess},
		},
		SuccessRate: 1,
		Acceptable:  true,
	}}
	recorder := &recorderStub{}
	service := NewOrchestrationService(nil, stub, recorder, nil)

	caller := models.Caller{ID: "u-1", Tier: models.TierPro}
	req := models.OrchestrationRequest{ProjectID: "p", AnalysisType: models.AnalysisOnchain}
	result, err := service.Orchestrate(context.Background(), req, caller, "orch_1_abc", models.ExecutionOverrides{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SuccessRate != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(recorder.events) != 1 || recorder.events[0].Caller != "user:u-1" || recorder.events[0].AnalysisType != models.AnalysisOnchain {
		t.Fatalf("unexpected usage events: %+v", recorder.events)
	}
	if service.Latency().Samples != 1 {
		t.Fatalf("expected latency sample")
	}
}

func TestOrchestratePropagatesStructuralErrors(t *testing.T) {
	stub := &orchestratorStub{err: utils.InvalidArgument("orchestrator.plan", "unknown analysis type")}
	recorder := &recorderStub{}
	service := NewOrchestrationService(nil, stub, recorder, nil)

	_, err := service.Orchestrate(context.Background(), models.OrchestrationRequest{}, models.Caller{}, "", models.ExecutionOverrides{})
	if utils.CodeOf(err) != utils.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(recorder.events) != 0 {
		t.Fatalf("failed orchestrations must not be recorded as usage")
	}
}

func TestOrchestrateWithoutOrchestrator(t *testing.T) {
	service := NewOrchestrationService(nil, nil, nil, nil)
	_, err := service.Orchestrate(context.Background(), models.OrchestrationRequest{}, models.Caller{}, "", models.ExecutionOverrides{})
	if utils.CodeOf(err) != utils.CodeUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if len(service.ProbeHealth(context.Background())) != 0 {
		t.Fatalf("expected empty health report")
	}
}

func TestProbeHealthDelegates(t *testing.T) {
	service := NewOrchestrationService(nil, &orchestratorStub{}, nil, nil)
	report := service.ProbeHealth(context.Background())
	if report[models.ServiceOnchain].Status != "healthy" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(service.BreakerSnapshots()) != 1 {
		t.Fatalf("expected breaker snapshots")
	}
}
