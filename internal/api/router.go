package api

import (
	"log/slog"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-gateway/internal/config"
	"github.com/miradorstack/mirador-gateway/internal/correlation"
	"github.com/miradorstack/mirador-gateway/internal/identity"
	"github.com/miradorstack/mirador-gateway/internal/ratelimit"
)

// RouterOptions carries the collaborators the HTTP router wires together.
type RouterOptions struct {
	Handlers *Handlers
	Identity *identity.Resolver
	// RateLimit is nil when admission control is disabled.
	RateLimit gin.HandlerFunc
	CORS      config.CORSConfig
	Logger    *slog.Logger
}

// NewRouter builds the gin engine serving the gateway HTTP API.
func NewRouter(opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(opts.CORS)))
	router.Use(requestLogger(logger))
	if opts.Identity != nil {
		router.Use(opts.Identity.Middleware())
	}
	if opts.RateLimit != nil {
		router.Use(opts.RateLimit)
	}

	h := opts.Handlers
	router.GET("/health", h.Health)

	analysis := router.Group("/analysis")
	{
		analysis.POST("/orchestrate", h.Orchestrate)
		analysis.POST("/orchestrate/health", h.OrchestrationHealth)
		analysis.GET("/usage/stats", h.UsageStats)
		analysis.GET("/usage/callers/:key", h.CallerUsage)
		analysis.GET("/usage/near-limit", h.CallersNearLimit)
	}
	return router
}

func corsConfig(cfg config.CORSConfig) cors.Config {
	out := cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: cfg.AllowedMethods,
		AllowHeaders: cfg.AllowedHeaders,
		ExposeHeaders: []string{
			ratelimit.HeaderLimit,
			ratelimit.HeaderRemaining,
			ratelimit.HeaderReset,
			ratelimit.HeaderWindow,
			correlation.Header,
		},
		MaxAge: 12 * time.Hour,
	}
	if len(out.AllowOrigins) == 0 || slices.Contains(out.AllowOrigins, "*") {
		out.AllowOrigins = nil
		out.AllowAllOrigins = true
	}
	if len(out.AllowMethods) == 0 {
		out.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(out.AllowHeaders) == 0 {
		out.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", correlation.Header, identity.HeaderUserID, identity.HeaderUserTier}
	}
	return out
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("correlation_id", c.Writer.Header().Get(correlation.Header)),
		)
	}
}
