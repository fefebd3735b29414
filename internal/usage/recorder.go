package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"github.com/miradorstack/mirador-gateway/internal/cache"
	"github.com/miradorstack/mirador-gateway/internal/metrics"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

const (
	DefaultQueueSize     = 1024
	DefaultRetentionDays = 30
	defaultPrefix        = "usage"
	writeTimeout         = 2 * time.Second
)

// Options tunes a Recorder.
type Options struct {
	QueueSize     int    `yaml:"queueSize"`
	RetentionDays int    `yaml:"retentionDays"`
	KeyPrefix     string `yaml:"keyPrefix"`
}

func (o Options) normalised() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = DefaultRetentionDays
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = defaultPrefix
	}
	return o
}

// Recorder persists usage counters off the request path. Record calls never
// block; when the queue is full the event is dropped and counted.
type Recorder struct {
	store     cache.Provider
	clock     clockwork.Clock
	logger    *slog.Logger
	prefix    string
	retention time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan func(context.Context) error
	started bool
	done    chan struct{}
}

// NewRecorder constructs a Recorder backed by store.
func NewRecorder(store cache.Provider, opts Options, clock clockwork.Clock, logger *slog.Logger) *Recorder {
	opts = opts.normalised()
	if store == nil {
		store = cache.NoopProvider{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     store,
		clock:     clock,
		logger:    logger,
		prefix:    opts.KeyPrefix,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		queue:     make(chan func(context.Context) error, opts.QueueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the background writer. It is a no-op when already started.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go r.run()
}

// Stop stops accepting events and waits for queued writes to drain or ctx to expire.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage recorder drain: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for write := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := write(ctx); err != nil {
			r.logger.Warn("usage write failed", slog.Any("error", err))
		}
		cancel()
	}
}

func (r *Recorder) enqueue(write func(context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.IncUsageEventsDropped()
		return
	}
	select {
	case r.queue <- write:
	default:
		metrics.IncUsageEventsDropped()
	}
}

// RecordAdmission queues the counters for one admission decision.
func (r *Recorder) RecordAdmission(e AdmissionEvent) {
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}
	r.enqueue(func(ctx context.Context) error {
		return r.writeAdmission(ctx, e)
	})
}

// RecordOrchestration queues the counters for one orchestration.
func (r *Recorder) RecordOrchestration(e OrchestrationEvent) {
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}
	r.enqueue(func(ctx context.Context) error {
		return r.writeOrchestration(ctx, e)
	})
}

func (r *Recorder) writeAdmission(ctx context.Context, e AdmissionEvent) error {
	day := utils.DayKey(e.At)
	scopes := []string{
		r.key("global", day),
		r.key("tier", string(e.Tier), day),
		r.key("caller", e.Caller, day),
	}
	if e.Endpoint != "" {
		scopes = append(scopes, r.key("endpoint", e.Endpoint, day))
	}

	var err error
	for _, scope := range scopes {
		err = multierr.Append(err, r.bump(ctx, scope+":total"))
		if !e.Allowed {
			err = multierr.Append(err, r.bump(ctx, scope+":blocked"))
		}
	}
	if !e.Degraded && e.Limit > 0 {
		err = multierr.Append(err, r.saveWindow(ctx, e))
	}
	return err
}

func (r *Recorder) writeOrchestration(ctx context.Context, e OrchestrationEvent) error {
	day := utils.DayKey(e.At)
	global := r.key("orchestrations", day)

	err := r.bump(ctx, global+":total")
	if e.Degraded() {
		err = multierr.Append(err, r.bump(ctx, global+":degraded"))
	}
	if e.Caller != "" {
		err = multierr.Append(err, r.bump(ctx, r.key("caller", e.Caller, day)+":orchestrations"))
	}
	return err
}

// bump increments a counter and sets its retention on first write.
func (r *Recorder) bump(ctx context.Context, key string) error {
	count, err := r.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := r.store.Expire(ctx, key, r.retention); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

func (r *Recorder) saveWindow(ctx context.Context, e AdmissionEvent) error {
	ttl := e.ResetTime.Sub(r.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	snapshot := WindowUsage{
		Caller:    e.Caller,
		Tier:      e.Tier,
		Limit:     e.Limit,
		Count:     e.Count,
		WindowMs:  e.WindowMs,
		ResetTime: e.ResetTime,
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal window usage: %w", err)
	}
	return r.store.Set(ctx, r.key("window", e.Caller), raw, ttl)
}

func (r *Recorder) key(parts ...string) string {
	key := r.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
