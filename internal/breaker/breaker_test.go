package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

func TestBreakerOpensAfterThresholdAndProbesOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(models.ServiceOnchain, Settings{FailureThreshold: 3, ResetTimeout: 10 * time.Second}, clock)

	for i := 0; i < 3; i++ {
		if ok, _ := b.Allow(); !ok {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		b.OnFailure()
	}
	if ok, state := b.Allow(); ok || state != models.BreakerOpen {
		t.Fatalf("expected open breaker to reject, got ok=%v state=%s", ok, state)
	}

	clock.Advance(9 * time.Second)
	if ok, _ := b.Allow(); ok {
		t.Fatalf("expected rejection before reset timeout")
	}

	clock.Advance(time.Second)
	ok, state := b.Allow()
	if !ok || state != models.BreakerHalfOpen {
		t.Fatalf("expected single half-open trial, got ok=%v state=%s", ok, state)
	}
	if ok, _ := b.Allow(); ok {
		t.Fatalf("expected second call during half-open trial to be rejected")
	}

	b.OnSuccess()
	if b.State() != models.BreakerClosed {
		t.Fatalf("expected breaker to close after successful trial, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(models.ServiceTeam, Settings{FailureThreshold: 1, ResetTimeout: time.Second}, clock)

	b.OnFailure()
	clock.Advance(time.Second)
	if ok, _ := b.Allow(); !ok {
		t.Fatalf("expected trial call")
	}
	b.OnFailure()

	snap := b.Snapshot()
	if snap.State != models.BreakerOpen {
		t.Fatalf("expected reopen, got %s", snap.State)
	}
	if !snap.NextProbeTime.Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("expected next probe to be rescheduled, got %v", snap.NextProbeTime)
	}
}

func TestBreakerRepeatedSuccessKeepsZeroFailures(t *testing.T) {
	b := New(models.ServiceSentiment, Settings{}, nil)
	b.OnFailure()
	for i := 0; i < 5; i++ {
		b.OnSuccess()
	}
	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 0 || snap.State != models.BreakerClosed {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.FailureThreshold != DefaultFailureThreshold || snap.ResetTimeout != DefaultResetTimeout {
		t.Fatalf("expected defaults, got %+v", snap)
	}
}

func TestRegistryLazyCreationAndOverrides(t *testing.T) {
	reg := NewRegistry(Settings{}, map[models.ServiceName]Settings{
		models.ServiceTokenomics: {FailureThreshold: 2, ResetTimeout: time.Minute},
	}, clockwork.NewFakeClock())

	if len(reg.Snapshots()) != 0 {
		t.Fatalf("expected no breakers before first reference")
	}

	var wg sync.WaitGroup
	seen := make([]*Breaker, 8)
	for i := range seen {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = reg.Get(models.ServiceTokenomics)
		}(i)
	}
	wg.Wait()
	for _, b := range seen[1:] {
		if b != seen[0] {
			t.Fatalf("expected a single breaker instance per service")
		}
	}

	snaps := reg.Snapshots()
	if len(snaps) != 1 || snaps[0].FailureThreshold != 2 {
		t.Fatalf("expected override settings, got %+v", snaps)
	}

	reg.Get(models.ServiceTokenomics).OnFailure()
	reg.Get(models.ServiceTokenomics).OnFailure()
	reg.Reset(models.ServiceTokenomics)
	if reg.Get(models.ServiceTokenomics).State() != models.BreakerClosed {
		t.Fatalf("expected reset to close breaker")
	}
}
