package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/models"
)

const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffMax  = 2 * time.Second
)

var errCancelled = errors.New("cancelled")

// Analyzer performs one domain analysis against a downstream service.
type Analyzer interface {
	Analyze(ctx context.Context, service models.ServiceName, req models.OrchestrationRequest) (any, error)
}

// FallbackStore supplies substitute payloads for failed services.
type FallbackStore interface {
	Load(ctx context.Context, service models.ServiceName, req models.OrchestrationRequest) (any, bool)
	Save(ctx context.Context, service models.ServiceName, req models.OrchestrationRequest, data any) error
}

// Backoff bounds the exponential delay between attempts.
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Call describes one downstream invocation.
type Call struct {
	Service         models.ServiceName
	Request         models.OrchestrationRequest
	Timeout         time.Duration
	RetryAttempts   int
	EnableFallbacks bool
}

// Invoker executes downstream calls under breaker, timeout and retry policy.
type Invoker struct {
	analyzer  Analyzer
	breakers  *breaker.Registry
	fallbacks FallbackStore
	backoff   Backoff
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewInvoker constructs an Invoker. fallbacks may be nil.
func NewInvoker(analyzer Analyzer, breakers *breaker.Registry, fallbacks FallbackStore, backoff Backoff, clock clockwork.Clock, logger *slog.Logger) *Invoker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Settings{}, nil, clock)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		analyzer:  analyzer,
		breakers:  breakers,
		fallbacks: fallbacks,
		backoff:   backoff,
		clock:     clock,
		logger:    logger,
	}
}

// Breakers exposes the registry backing this invoker.
func (i *Invoker) Breakers() *breaker.Registry {
	return i.breakers
}

// Invoke runs the call and always returns an outcome; failures never escape as errors.
func (i *Invoker) Invoke(ctx context.Context, call Call) models.ServiceOutcome {
	b := i.breakers.Get(call.Service)
	allowed, state := b.Allow()
	if !allowed {
		return models.ServiceOutcome{
			ServiceName:         call.Service,
			Status:              models.StatusCircuitOpen,
			Error:               fmt.Sprintf("circuit breaker open for %s", call.Service),
			CircuitBreakerState: state,
		}
	}

	start := i.clock.Now()
	outcome := models.ServiceOutcome{
		ServiceName:         call.Service,
		CircuitBreakerState: state,
	}

	retries := call.RetryAttempts
	if state == models.BreakerHalfOpen {
		// The half-open slot covers exactly one downstream call.
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			outcome.RetryAttempts = attempt
			if err := i.wait(ctx, i.backoff.Delay(attempt-1)); err != nil {
				return i.cancelled(b, outcome, start)
			}
		}

		data, err := i.attempt(ctx, call)
		if err == nil {
			b.OnSuccess()
			i.remember(ctx, call, data)
			outcome.Status = models.StatusSuccess
			outcome.Data = data
			outcome.ResponseTime = i.clock.Since(start).Milliseconds()
			return outcome
		}
		if ctx.Err() != nil {
			return i.cancelled(b, outcome, start)
		}
		lastErr = err
		i.logger.Debug("downstream attempt failed",
			slog.String("service", string(call.Service)),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}

	b.OnFailure()
	outcome.ResponseTime = i.clock.Since(start).Milliseconds()
	outcome.Error = lastErr.Error()

	if call.EnableFallbacks && i.fallbacks != nil {
		if data, ok := i.fallbacks.Load(ctx, call.Service, call.Request); ok {
			outcome.Status = models.StatusFallback
			outcome.FallbackUsed = true
			outcome.Data = data
			return outcome
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		outcome.Status = models.StatusTimeout
		outcome.Error = fmt.Sprintf("%s timed out after %s", call.Service, call.Timeout)
		return outcome
	}
	outcome.Status = models.StatusError
	return outcome
}

func (i *Invoker) attempt(ctx context.Context, call Call) (any, error) {
	if i.analyzer == nil {
		return nil, errors.New("analyzer not configured")
	}
	attemptCtx := ctx
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}
	data, err := i.analyzer.Analyze(attemptCtx, call.Service, call.Request)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return data, err
}

func (i *Invoker) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.clock.After(d):
		return nil
	}
}

// cancelled records an aborted call without charging the breaker.
func (i *Invoker) cancelled(b *breaker.Breaker, outcome models.ServiceOutcome, start time.Time) models.ServiceOutcome {
	b.Release()
	outcome.Status = models.StatusError
	outcome.Error = errCancelled.Error()
	outcome.ResponseTime = i.clock.Since(start).Milliseconds()
	return outcome
}

func (i *Invoker) remember(ctx context.Context, call Call, data any) {
	if i.fallbacks == nil || data == nil {
		return
	}
	if err := i.fallbacks.Save(ctx, call.Service, call.Request, data); err != nil {
		i.logger.Warn("fallback save failed",
			slog.String("service", string(call.Service)),
			slog.Any("error", err),
		)
	}
}
