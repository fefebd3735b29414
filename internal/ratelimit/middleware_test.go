package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-gateway/internal/cache"
	"github.com/miradorstack/mirador-gateway/internal/identity"
	"github.com/miradorstack/mirador-gateway/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type admissionSink struct {
	mu     sync.Mutex
	events []usage.AdmissionEvent
}

func (s *admissionSink) RecordAdmission(e usage.AdmissionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func newGatedRouter(t *testing.T, store cache.CounterStore, sink AdmissionRecorder) *gin.Engine {
	t.Helper()
	clock := clockwork.NewFakeClockAt(windowAligned.Add(5 * time.Minute))
	if store == nil {
		store = cache.NewMemoryProvider(clock)
	}
	limiter := NewLimiter(store, "", clock, nil)

	router := gin.New()
	router.Use(identity.NewResolver(true).Middleware())
	router.Use(Middleware(limiter, NewPolicy(nil, nil, nil), sink, nil))
	router.POST("/analysis/orchestrate", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func send(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "198.51.100.7:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareFreeTierEleventhRequestDenied(t *testing.T) {
	sink := &admissionSink{}
	router := newGatedRouter(t, nil, sink)

	for i := 1; i <= 10; i++ {
		rec := send(router, http.MethodPost, "/analysis/orchestrate", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "10", rec.Header().Get(HeaderLimit))
		assert.Equal(t, itoa(int64(10-i)), rec.Header().Get(HeaderRemaining))
		assert.Equal(t, "3600000", rec.Header().Get(HeaderWindow))
		assert.Equal(t, "2026-03-14T13:00:00Z", rec.Header().Get(HeaderReset))
	}

	rec := send(router, http.MethodPost, "/analysis/orchestrate", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				Limit     int    `json:"limit"`
				WindowMs  int64  `json:"windowMs"`
				ResetTime string `json:"resetTime"`
			} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, CodeRateLimitExceeded, body.Error.Code)
	assert.Equal(t, 10, body.Error.Details.Limit)
	assert.Equal(t, int64(3600000), body.Error.Details.WindowMs)
	assert.Equal(t, "2026-03-14T13:00:00Z", body.Error.Details.ResetTime)
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 11)
	last := sink.events[10]
	assert.False(t, last.Allowed)
	assert.Equal(t, "ip:198.51.100.7", last.Caller)
	assert.Equal(t, "/analysis/orchestrate", last.Endpoint)
}

func TestMiddlewareUsesTierQuota(t *testing.T) {
	router := newGatedRouter(t, nil, nil)
	rec := send(router, http.MethodPost, "/analysis/orchestrate", map[string]string{
		identity.HeaderUserID:   "u-1",
		identity.HeaderUserTier: "pro",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "999", rec.Header().Get(HeaderRemaining))
}

func TestMiddlewareExemptPathsSkipCounting(t *testing.T) {
	sink := &admissionSink{}
	router := newGatedRouter(t, nil, sink)
	for i := 0; i < 20; i++ {
		rec := send(router, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(HeaderLimit))
	}
	assert.Empty(t, sink.events)

	rec := send(router, http.MethodPost, "/analysis/orchestrate", nil)
	assert.Equal(t, "9", rec.Header().Get(HeaderRemaining))
}

func TestMiddlewareFailsOpenWhenStoreDown(t *testing.T) {
	router := newGatedRouter(t, brokenStore{}, nil)
	for i := 0; i < 15; i++ {
		rec := send(router, http.MethodPost, "/analysis/orchestrate", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareLabelsUnmatchedRoutes(t *testing.T) {
	sink := &admissionSink{}
	router := newGatedRouter(t, nil, sink)

	for _, path := range []string{"/wp-admin/setup.php", "/.env", "/analysis/unknown"} {
		rec := send(router, http.MethodGet, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 3)
	for _, e := range sink.events {
		assert.Equal(t, UnmatchedEndpoint, e.Endpoint)
	}
}
