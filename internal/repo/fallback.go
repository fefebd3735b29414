package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/cache"
	"github.com/miradorstack/mirador-gateway/internal/models"
)

// LastKnownGood keeps the most recent successful payload per service and target
// so a failing dependency can be substituted with slightly stale data.
type LastKnownGood struct {
	cache cache.Provider
	ttl   time.Duration
}

// NewLastKnownGood constructs a fallback store; a nil provider disables it.
func NewLastKnownGood(provider cache.Provider, ttl time.Duration) *LastKnownGood {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if ttl < 0 {
		ttl = 0
	}
	return &LastKnownGood{cache: provider, ttl: ttl}
}

// Load returns the remembered payload for service and request.
func (s *LastKnownGood) Load(ctx context.Context, service models.ServiceName, req models.OrchestrationRequest) (any, bool) {
	raw, err := s.cache.Get(ctx, fallbackKey(service, req))
	if err != nil {
		return nil, false
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// Save remembers a successful payload.
func (s *LastKnownGood) Save(ctx context.Context, service models.ServiceName, req models.OrchestrationRequest, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal fallback payload: %w", err)
	}
	return s.cache.Set(ctx, fallbackKey(service, req), raw, s.ttl)
}

func fallbackKey(service models.ServiceName, req models.OrchestrationRequest) string {
	return fmt.Sprintf("fallback:%s:%s:%s", service, req.ChainID, req.Target())
}
