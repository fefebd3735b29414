package breaker

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

// Registry owns one breaker per service name for the lifetime of the process.
// Its lock only guards lazy creation; breakers never contend with each other.
type Registry struct {
	defaults  Settings
	overrides map[models.ServiceName]Settings
	clock     clockwork.Clock

	mu       sync.RWMutex
	breakers map[models.ServiceName]*Breaker
}

// NewRegistry builds a registry; overrides tune individual services.
func NewRegistry(defaults Settings, overrides map[models.ServiceName]Settings, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	copied := make(map[models.ServiceName]Settings, len(overrides))
	for name, s := range overrides {
		copied[name] = s
	}
	return &Registry{
		defaults:  defaults.normalised(),
		overrides: copied,
		clock:     clock,
		breakers:  make(map[models.ServiceName]*Breaker),
	}
}

// Get returns the breaker for service, creating it on first reference.
func (r *Registry) Get(service models.ServiceName) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[service]; ok {
		return b
	}
	settings := r.defaults
	if override, ok := r.overrides[service]; ok {
		settings = override
	}
	b = New(service, settings, r.clock)
	r.breakers[service] = b
	return b
}

// Reset closes the breaker of one service if it exists.
func (r *Registry) Reset(service models.ServiceName) {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// Snapshots returns every known breaker ordered by service name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Service < snapshots[j].Service })
	return snapshots
}
