// Package breaker implements per-dependency circuit breakers.
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// Settings tunes one breaker.
type Settings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

func (s Settings) normalised() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	return s
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Service             models.ServiceName  `json:"service"`
	State               models.BreakerState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastFailureTime     time.Time           `json:"lastFailureTime"`
	NextProbeTime       time.Time           `json:"nextProbeTime"`
	FailureThreshold    int                 `json:"failureThreshold"`
	ResetTimeout        time.Duration       `json:"resetTimeout"`
}

// Breaker tracks the health of one downstream dependency.
type Breaker struct {
	service  models.ServiceName
	settings Settings
	clock    clockwork.Clock

	mu            sync.Mutex
	state         models.BreakerState
	failures      int
	lastFailure   time.Time
	nextProbe     time.Time
	probeInFlight bool
}

// New constructs a closed breaker.
func New(service models.ServiceName, settings Settings, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		service:  service,
		settings: settings.normalised(),
		clock:    clock,
		state:    models.BreakerClosed,
	}
}

// Allow reports whether a call may proceed and the state observed when deciding.
// An open breaker whose reset timeout elapsed moves to half-open and admits
// exactly one trial call; further calls are rejected until that trial reports.
func (b *Breaker) Allow() (bool, models.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.BreakerClosed:
		return true, b.state
	case models.BreakerOpen:
		if b.clock.Now().Before(b.nextProbe) {
			return false, b.state
		}
		b.state = models.BreakerHalfOpen
		b.probeInFlight = true
		return true, b.state
	default:
		if b.probeInFlight {
			return false, b.state
		}
		b.probeInFlight = true
		return true, b.state
	}
}

// OnSuccess closes the breaker and clears the failure streak.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state == models.BreakerHalfOpen {
		b.state = models.BreakerClosed
	}
}

// OnFailure records a failure and opens the breaker when the streak reaches the
// threshold or a half-open trial fails.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.failures++
	b.lastFailure = now
	b.probeInFlight = false
	if b.state == models.BreakerHalfOpen || b.failures >= b.settings.FailureThreshold {
		b.state = models.BreakerOpen
		b.nextProbe = now.Add(b.settings.ResetTimeout)
	}
}

// Release returns an unused half-open trial slot, e.g. when the trial call was
// cancelled before the dependency answered.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = models.BreakerClosed
	b.failures = 0
	b.probeInFlight = false
	b.nextProbe = time.Time{}
}

// State returns the current state without side effects.
func (b *Breaker) State() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Service:             b.service,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureTime:     b.lastFailure,
		NextProbeTime:       b.nextProbe,
		FailureThreshold:    b.settings.FailureThreshold,
		ResetTimeout:        b.settings.ResetTimeout,
	}
}
