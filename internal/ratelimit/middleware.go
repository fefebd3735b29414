package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-gateway/internal/identity"
	"github.com/miradorstack/mirador-gateway/internal/metrics"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/usage"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderWindow    = "X-RateLimit-Window"

	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	decisionContextKey = "mirador.ratelimit"
)

// AdmissionRecorder receives every admission decision.
type AdmissionRecorder interface {
	RecordAdmission(usage.AdmissionEvent)
}

// UnmatchedEndpoint labels requests that hit no registered route, keeping
// usage keys bounded under path scans.
const UnmatchedEndpoint = "unmatched"

// Middleware gates requests through the limiter. Exempt paths pass untouched;
// recorder may be nil.
func Middleware(limiter *Limiter, policy Policy, recorder AdmissionRecorder, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if policy.IsExempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		caller := identity.CallerFrom(c)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = UnmatchedEndpoint
		}
		opts := policy.Resolve(c.Request.Method, endpoint, caller.Tier)

		decision, err := limiter.CheckAndConsume(c.Request.Context(), caller.Key(), opts)
		if err != nil {
			logger.Error("rate limit misconfigured, admitting request",
				slog.String("endpoint", endpoint),
				slog.Any("error", err),
			)
			c.Next()
			return
		}

		writeHeaders(c, decision)
		metrics.ObserveAdmission(caller.Tier, decision.Allowed)
		if recorder != nil {
			recorder.RecordAdmission(usage.AdmissionEvent{
				Caller:    caller.Key(),
				Tier:      caller.Tier,
				Endpoint:  endpoint,
				Allowed:   decision.Allowed,
				Degraded:  decision.Degraded,
				Limit:     decision.Limit,
				Count:     decision.Count,
				WindowMs:  decision.WindowMs,
				ResetTime: decision.ResetTime,
			})
		}

		if !decision.Allowed {
			logger.Info("rate limit exceeded",
				slog.String("caller", caller.Key()),
				slog.String("tier", string(caller.Tier)),
				slog.String("endpoint", endpoint),
				slog.Int64("count", decision.Count),
				slog.Int("limit", decision.Limit),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, exceededBody(decision))
			return
		}

		c.Set(decisionContextKey, decision)
		c.Next()
	}
}

// DecisionFrom returns the admission decision made for this request, if any.
func DecisionFrom(c *gin.Context) (models.RateLimitDecision, bool) {
	v, ok := c.Get(decisionContextKey)
	if !ok {
		return models.RateLimitDecision{}, false
	}
	decision, ok := v.(models.RateLimitDecision)
	return decision, ok
}

func writeHeaders(c *gin.Context, decision models.RateLimitDecision) {
	c.Header(HeaderLimit, strconv.Itoa(decision.Limit))
	c.Header(HeaderRemaining, strconv.Itoa(decision.Remaining))
	c.Header(HeaderReset, decision.ResetTime.UTC().Format(time.RFC3339))
	c.Header(HeaderWindow, strconv.FormatInt(decision.WindowMs, 10))
}

func exceededBody(decision models.RateLimitDecision) gin.H {
	return gin.H{
		"success": false,
		"error": gin.H{
			"code":    CodeRateLimitExceeded,
			"message": "Rate limit exceeded. Try again after " + decision.ResetTime.UTC().Format(time.RFC3339),
			"details": gin.H{
				"limit":     decision.Limit,
				"windowMs":  decision.WindowMs,
				"resetTime": decision.ResetTime.UTC().Format(time.RFC3339),
			},
		},
	}
}
