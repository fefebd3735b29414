package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/repo"
)

var fastBackoff = Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, expected := range want {
		if got := b.Delay(attempt); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
	if got := (Backoff{}).Delay(0); got != DefaultBackoffBase {
		t.Fatalf("expected default base, got %s", got)
	}
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.script[models.ServiceOnchain] = []error{errDownstream, errDownstream}
	fallbacks := &fakeFallbacks{}
	invoker := NewInvoker(analyzer, nil, fallbacks, fastBackoff, nil, nil)

	out := invoker.Invoke(context.Background(), Call{
		Service:       models.ServiceOnchain,
		Timeout:       time.Second,
		RetryAttempts: 2,
	})
	if out.Status != models.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Status, out.Error)
	}
	if out.RetryAttempts != 2 {
		t.Fatalf("expected 2 retries, got %d", out.RetryAttempts)
	}
	if analyzer.callCount(models.ServiceOnchain) != 3 {
		t.Fatalf("expected 3 calls, got %d", analyzer.callCount(models.ServiceOnchain))
	}
	if fallbacks.saved != 1 {
		t.Fatalf("expected successful payload to be remembered")
	}
}

func TestInvokeExhaustsRetries(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.script[models.ServiceTeam] = []error{errDownstream, errDownstream}
	registry := breaker.NewRegistry(breaker.Settings{FailureThreshold: 5}, nil, nil)
	invoker := NewInvoker(analyzer, registry, nil, fastBackoff, nil, nil)

	out := invoker.Invoke(context.Background(), Call{Service: models.ServiceTeam, Timeout: time.Second, RetryAttempts: 1})
	if out.Status != models.StatusError {
		t.Fatalf("expected error, got %s", out.Status)
	}
	if out.RetryAttempts != 1 || out.Error != errDownstream.Error() {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if snap := registry.Get(models.ServiceTeam).Snapshot(); snap.ConsecutiveFailures != 1 {
		t.Fatalf("expected one breaker failure per exhausted call, got %d", snap.ConsecutiveFailures)
	}
}

func TestInvokeTimeout(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.block[models.ServiceSentiment] = true
	invoker := NewInvoker(analyzer, nil, nil, fastBackoff, nil, nil)

	out := invoker.Invoke(context.Background(), Call{Service: models.ServiceSentiment, Timeout: 10 * time.Millisecond})
	if out.Status != models.StatusTimeout {
		t.Fatalf("expected timeout, got %s (%s)", out.Status, out.Error)
	}
}

func TestInvokeCircuitOpenSkipsCall(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.script[models.ServiceOnchain] = []error{errDownstream}
	registry := breaker.NewRegistry(breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Hour}, nil, nil)
	invoker := NewInvoker(analyzer, registry, nil, fastBackoff, nil, nil)

	call := Call{Service: models.ServiceOnchain, Timeout: time.Second}
	if out := invoker.Invoke(context.Background(), call); out.Status != models.StatusError {
		t.Fatalf("expected first call to fail, got %s", out.Status)
	}
	out := invoker.Invoke(context.Background(), call)
	if out.Status != models.StatusCircuitOpen {
		t.Fatalf("expected circuit_open, got %s", out.Status)
	}
	if out.ResponseTime != 0 || out.CircuitBreakerState != models.BreakerOpen {
		t.Fatalf("unexpected circuit open outcome: %+v", out)
	}
	if analyzer.callCount(models.ServiceOnchain) != 1 {
		t.Fatalf("open breaker must not reach downstream")
	}
}

func TestInvokeHalfOpenTrialIsSingleCall(t *testing.T) {
	clock := clockwork.NewFakeClock()
	analyzer := newFakeAnalyzer()
	analyzer.script[models.ServiceSentiment] = []error{errDownstream, errDownstream, errDownstream, errDownstream}
	registry := breaker.NewRegistry(breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Minute}, nil, clock)
	invoker := NewInvoker(analyzer, registry, nil, fastBackoff, nil, nil)

	call := Call{Service: models.ServiceSentiment, Timeout: time.Second}
	if out := invoker.Invoke(context.Background(), call); out.Status != models.StatusError {
		t.Fatalf("expected tripping call to fail, got %s", out.Status)
	}
	clock.Advance(time.Minute)

	call.RetryAttempts = 2
	out := invoker.Invoke(context.Background(), call)
	if out.Status != models.StatusError || out.CircuitBreakerState != models.BreakerHalfOpen {
		t.Fatalf("expected failed half-open trial, got %+v", out)
	}
	if out.RetryAttempts != 0 {
		t.Fatalf("half-open trial must not retry, got %d retries", out.RetryAttempts)
	}
	if got := analyzer.callCount(models.ServiceSentiment); got != 2 {
		t.Fatalf("expected 2 downstream calls in total, got %d", got)
	}
	if state := registry.Get(models.ServiceSentiment).State(); state != models.BreakerOpen {
		t.Fatalf("expected breaker to reopen, got %s", state)
	}
}

func TestInvokeCallTimeoutOutlivesClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`{"holders":10}`))
	}))
	defer srv.Close()

	client := repo.NewAnalysisClient(srv.URL, map[models.ServiceName]string{
		models.ServiceOnchain: "/onchain",
	}, 30*time.Millisecond)
	invoker := NewInvoker(client, nil, nil, fastBackoff, nil, nil)

	out := invoker.Invoke(context.Background(), Call{Service: models.ServiceOnchain, Timeout: 2 * time.Second})
	if out.Status != models.StatusSuccess {
		t.Fatalf("expected success under a 2s call timeout, got %s (%s)", out.Status, out.Error)
	}

	out = invoker.Invoke(context.Background(), Call{Service: models.ServiceOnchain, Timeout: 50 * time.Millisecond})
	if out.Status != models.StatusTimeout || out.Error != "onchain timed out after 50ms" {
		t.Fatalf("expected timeout reported against the call deadline, got %s (%s)", out.Status, out.Error)
	}
}

func TestInvokeFallback(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.script[models.ServiceTokenomics] = []error{errDownstream}
	fallbacks := &fakeFallbacks{data: map[models.ServiceName]any{models.ServiceTokenomics: map[string]any{"supply": 1}}}
	registry := breaker.NewRegistry(breaker.Settings{}, nil, nil)
	invoker := NewInvoker(analyzer, registry, fallbacks, fastBackoff, nil, nil)

	out := invoker.Invoke(context.Background(), Call{Service: models.ServiceTokenomics, Timeout: time.Second, EnableFallbacks: true})
	if out.Status != models.StatusFallback || !out.FallbackUsed || out.Data == nil {
		t.Fatalf("expected fallback outcome, got %+v", out)
	}
	if registry.Get(models.ServiceTokenomics).Snapshot().ConsecutiveFailures != 1 {
		t.Fatalf("fallback must still count as a breaker failure")
	}

	disabled := invoker.Invoke(context.Background(), Call{Service: models.ServiceTokenomics, Timeout: time.Second})
	if disabled.Status != models.StatusSuccess {
		t.Fatalf("expected second scripted call to succeed, got %s", disabled.Status)
	}
}

func TestInvokeCancelledLeavesBreakerUntouched(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.block[models.ServiceTeam] = true
	registry := breaker.NewRegistry(breaker.Settings{FailureThreshold: 1}, nil, nil)
	invoker := NewInvoker(analyzer, registry, nil, fastBackoff, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := invoker.Invoke(ctx, Call{Service: models.ServiceTeam, Timeout: time.Second, RetryAttempts: 3})
	if out.Status != models.StatusError || out.Error != "cancelled" {
		t.Fatalf("expected cancelled error outcome, got %+v", out)
	}
	if state := registry.Get(models.ServiceTeam).State(); state != models.BreakerClosed {
		t.Fatalf("cancellation must not open breaker, got %s", state)
	}
}
