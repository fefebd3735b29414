package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/correlation"
	"github.com/miradorstack/mirador-gateway/internal/engine"
	"github.com/miradorstack/mirador-gateway/internal/identity"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/usage"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

const (
	executionModeParallel = "parallel"

	CodeValidation  = "VALIDATION_ERROR"
	CodeInvalid     = "INVALID_REQUEST"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "REQUEST_TIMEOUT"
	CodeExhausted   = "RESOURCE_EXHAUSTED"
	CodeInternal    = "INTERNAL_ERROR"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// OrchestrationService is the service facade the handlers call.
type OrchestrationService interface {
	Orchestrate(ctx context.Context, req models.OrchestrationRequest, caller models.Caller, correlationID string, overrides models.ExecutionOverrides) (models.OrchestrationResult, error)
	ProbeHealth(ctx context.Context) map[models.ServiceName]engine.ServiceHealth
	BreakerSnapshots() []breaker.Snapshot
}

// UsageReader answers usage queries.
type UsageReader interface {
	AggregateStats(ctx context.Context, from, to time.Time) (usage.AggregateStats, error)
	CallerStats(ctx context.Context, caller string, from, to time.Time) (usage.CallerStats, error)
	CallersNearLimit(ctx context.Context, thresholdPercent float64) ([]usage.WindowUsage, error)
}

// OrchestrateRequest is the JSON body of POST /analysis/orchestrate.
type OrchestrateRequest struct {
	ProjectID           string         `json:"projectId" validate:"required,max=128"`
	AnalysisType        string         `json:"analysisType" validate:"required,oneof=full onchain sentiment tokenomics team"`
	TokenAddress        string         `json:"tokenAddress" validate:"omitempty,max=128"`
	ChainID             string         `json:"chainId" validate:"omitempty,max=64"`
	Options             map[string]any `json:"options"`
	MaxConcurrency      *int           `json:"maxConcurrency" validate:"omitempty,min=1,max=16"`
	Timeout             *int64         `json:"timeout" validate:"omitempty,min=100,max=120000"`
	RetryAttempts       *int           `json:"retryAttempts" validate:"omitempty,min=0,max=5"`
	FailFast            *bool          `json:"failFast"`
	AggregationStrategy *string        `json:"aggregationStrategy" validate:"omitempty,oneof=all partial best_effort"`
	RequiredServices    []string       `json:"requiredServices" validate:"omitempty,dive,oneof=onchain sentiment tokenomics team"`
	OptionalServices    []string       `json:"optionalServices" validate:"omitempty,dive,oneof=onchain sentiment tokenomics team"`
	EnableFallbacks     *bool          `json:"enableFallbacks"`
	PriorityExecution   *bool          `json:"priorityExecution"`
	EnforceDependencies *bool          `json:"enforceDependencies"`
}

func (r OrchestrateRequest) domain() (models.OrchestrationRequest, models.ExecutionOverrides) {
	req := models.OrchestrationRequest{
		ProjectID:    r.ProjectID,
		AnalysisType: models.AnalysisType(r.AnalysisType),
		TokenAddress: r.TokenAddress,
		ChainID:      r.ChainID,
		Options:      r.Options,
	}
	overrides := models.ExecutionOverrides{
		MaxConcurrency:      r.MaxConcurrency,
		TimeoutMs:           r.Timeout,
		RetryAttempts:       r.RetryAttempts,
		FailFast:            r.FailFast,
		EnableFallbacks:     r.EnableFallbacks,
		PriorityExecution:   r.PriorityExecution,
		EnforceDependencies: r.EnforceDependencies,
		RequiredServices:    serviceNames(r.RequiredServices),
		OptionalServices:    serviceNames(r.OptionalServices),
	}
	if r.AggregationStrategy != nil {
		strategy := models.AggregationStrategy(*r.AggregationStrategy)
		overrides.AggregationStrategy = &strategy
	}
	return req, overrides
}

func serviceNames(raw []string) []models.ServiceName {
	if raw == nil {
		return nil
	}
	out := make([]models.ServiceName, 0, len(raw))
	for _, name := range raw {
		out = append(out, models.ServiceName(name))
	}
	return out
}

// Handlers serves the gateway HTTP API.
type Handlers struct {
	service OrchestrationService
	usage   UsageReader
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewHandlers constructs the HTTP handlers. usageReader may be nil when usage
// recording is disabled.
func NewHandlers(service OrchestrationService, usageReader UsageReader, clock clockwork.Clock, logger *slog.Logger) *Handlers {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, usage: usageReader, clock: clock, logger: logger}
}

// Orchestrate handles POST /analysis/orchestrate.
func (h *Handlers) Orchestrate(c *gin.Context) {
	correlationID := h.correlationID(c)

	var body OrchestrateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, http.StatusBadRequest, CodeValidation, "request body must be valid JSON", gin.H{"cause": err.Error()}, correlationID)
		return
	}
	if err := validate.Struct(body); err != nil {
		h.fail(c, http.StatusBadRequest, CodeValidation, "request validation failed", validationDetails(err), correlationID)
		return
	}

	req, overrides := body.domain()
	caller := identity.CallerFrom(c)
	ctx := correlation.WithID(c.Request.Context(), correlationID)

	result, err := h.service.Orchestrate(ctx, req, caller, correlationID, overrides)
	if err != nil {
		h.failFromError(c, err, correlationID)
		return
	}
	h.ok(c, result, correlationID)
}

// OrchestrationHealth handles POST /analysis/orchestrate/health.
func (h *Handlers) OrchestrationHealth(c *gin.Context) {
	correlationID := h.correlationID(c)
	report := h.service.ProbeHealth(c.Request.Context())

	healthy := 0
	for _, svc := range report {
		if svc.Status == "healthy" {
			healthy++
		}
	}
	overall := "healthy"
	switch {
	case healthy == 0 && len(report) > 0:
		overall = "unhealthy"
	case healthy < len(report):
		overall = "degraded"
	}

	h.ok(c, gin.H{
		"overall":         overall,
		"services":        report,
		"circuitBreakers": h.service.BreakerSnapshots(),
	}, correlationID)
}

// UsageStats handles GET /analysis/usage/stats.
func (h *Handlers) UsageStats(c *gin.Context) {
	correlationID := h.correlationID(c)
	if !h.usageEnabled(c, correlationID) {
		return
	}
	from, to, ok := h.timeRange(c, correlationID)
	if !ok {
		return
	}
	stats, err := h.usage.AggregateStats(c.Request.Context(), from, to)
	if err != nil {
		h.failFromError(c, err, correlationID)
		return
	}
	h.ok(c, stats, correlationID)
}

// CallerUsage handles GET /analysis/usage/callers/:key.
func (h *Handlers) CallerUsage(c *gin.Context) {
	correlationID := h.correlationID(c)
	if !h.usageEnabled(c, correlationID) {
		return
	}
	from, to, ok := h.timeRange(c, correlationID)
	if !ok {
		return
	}
	stats, err := h.usage.CallerStats(c.Request.Context(), c.Param("key"), from, to)
	if err != nil {
		h.failFromError(c, err, correlationID)
		return
	}
	h.ok(c, stats, correlationID)
}

// CallersNearLimit handles GET /analysis/usage/near-limit.
func (h *Handlers) CallersNearLimit(c *gin.Context) {
	correlationID := h.correlationID(c)
	if !h.usageEnabled(c, correlationID) {
		return
	}
	threshold := 80.0
	if raw := c.Query("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.fail(c, http.StatusBadRequest, CodeValidation, "threshold must be a number", nil, correlationID)
			return
		}
		threshold = parsed
	}
	callers, err := h.usage.CallersNearLimit(c.Request.Context(), threshold)
	if err != nil {
		h.failFromError(c, err, correlationID)
		return
	}
	h.ok(c, gin.H{"threshold": threshold, "callers": callers}, correlationID)
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) usageEnabled(c *gin.Context, correlationID string) bool {
	if h.usage != nil {
		return true
	}
	h.fail(c, http.StatusServiceUnavailable, CodeUnavailable, "usage recording is disabled", nil, correlationID)
	return false
}

func (h *Handlers) timeRange(c *gin.Context, correlationID string) (time.Time, time.Time, bool) {
	from, to, err := utils.ParseRange(c.Query("from"), c.Query("to"), h.clock.Now())
	if err != nil {
		h.fail(c, http.StatusBadRequest, CodeValidation, err.Error(), nil, correlationID)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *Handlers) correlationID(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(correlation.Header))
	if id == "" {
		id = correlation.NewID(h.clock.Now())
	}
	c.Header(correlation.Header, id)
	return id
}

func (h *Handlers) meta(correlationID string) gin.H {
	return gin.H{
		"correlationId": correlationID,
		"timestamp":     h.clock.Now().UTC().Format(time.RFC3339),
		"executionMode": executionModeParallel,
	}
}

func (h *Handlers) ok(c *gin.Context, data any, correlationID string) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
		"meta":    h.meta(correlationID),
	})
}

func (h *Handlers) fail(c *gin.Context, status int, code, message string, details any, correlationID string) {
	body := gin.H{"code": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   body,
		"meta":    h.meta(correlationID),
	})
}

func (h *Handlers) failFromError(c *gin.Context, err error, correlationID string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		h.fail(c, http.StatusRequestTimeout, CodeTimeout, "request cancelled before completion", nil, correlationID)
		return
	}
	switch utils.CodeOf(err) {
	case utils.CodeInvalidArgument:
		h.fail(c, http.StatusBadRequest, CodeInvalid, utils.MessageOf(err), nil, correlationID)
	case utils.CodeUnavailable:
		h.fail(c, http.StatusServiceUnavailable, CodeUnavailable, utils.MessageOf(err), nil, correlationID)
	case utils.CodeResourceExhausted:
		h.fail(c, http.StatusTooManyRequests, CodeExhausted, utils.MessageOf(err), nil, correlationID)
	default:
		h.logger.Error("request failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
		h.fail(c, http.StatusInternalServerError, CodeInternal, "internal error", nil, correlationID)
	}
}

func validationDetails(err error) []gin.H {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []gin.H{{"message": err.Error()}}
	}
	details := make([]gin.H, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, gin.H{
			"field":   fe.Field(),
			"rule":    fe.Tag(),
			"message": fieldMessage(fe),
		})
	}
	return details
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
