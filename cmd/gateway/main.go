package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/miradorstack/mirador-gateway/internal/api"
	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/cache"
	"github.com/miradorstack/mirador-gateway/internal/config"
	"github.com/miradorstack/mirador-gateway/internal/engine"
	"github.com/miradorstack/mirador-gateway/internal/identity"
	"github.com/miradorstack/mirador-gateway/internal/metrics"
	"github.com/miradorstack/mirador-gateway/internal/ratelimit"
	"github.com/miradorstack/mirador-gateway/internal/repo"
	"github.com/miradorstack/mirador-gateway/internal/services"
	"github.com/miradorstack/mirador-gateway/internal/usage"
	"github.com/miradorstack/mirador-gateway/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-gateway",
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("grpc_address", cfg.Server.GRPCAddress),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()
	store := openStore(cfg.Cache, clock, logger)
	defer store.Close()

	breakers := breaker.NewRegistry(cfg.Orchestration.Breaker, cfg.Orchestration.BreakerOverrides, clock)
	analysisClient := repo.NewAnalysisClient(cfg.Downstream.BaseURL, cfg.Downstream.Paths, cfg.Downstream.Timeout)
	fallbacks := repo.NewLastKnownGood(store, cfg.Orchestration.FallbackTTL)
	invoker := engine.NewInvoker(analysisClient, breakers, fallbacks, cfg.Orchestration.Backoff, clock, logger)

	rules, err := engine.NewRuleEngine(cfg.Orchestration.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load recommendation rules", slog.Any("error", err))
		os.Exit(1)
	}

	orchestrator := engine.NewOrchestrator(invoker, rules, engine.Options{
		TierDefaults: cfg.Orchestration.Tiers,
		Dependencies: cfg.Orchestration.Dependencies,
		ProbeTimeout: cfg.Orchestration.ProbeTimeout,
	}, clock, logger)

	var (
		recorder    *usage.Recorder
		usageReader api.UsageReader
		orchRecord  services.OrchestrationRecorder
		admissions  ratelimit.AdmissionRecorder
	)
	if cfg.Usage.Enabled {
		recorder = usage.NewRecorder(store, cfg.Usage.Options, clock, logger)
		recorder.Start()
		usageReader, orchRecord, admissions = recorder, recorder, recorder
	}

	service := services.NewOrchestrationService(logger, orchestrator, orchRecord, clock)

	var rateLimit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(store, cfg.RateLimit.KeyPrefix, clock, logger)
		policy := ratelimit.NewPolicy(cfg.RateLimit.Tiers, cfg.RateLimit.Routes, cfg.RateLimit.ExemptPaths)
		rateLimit = ratelimit.Middleware(limiter, policy, admissions, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterOptions{
		Handlers:  api.NewHandlers(service, usageReader, clock, logger),
		Identity:  identity.NewResolver(cfg.Identity.TrustHeaders),
		RateLimit: rateLimit,
		CORS:      cfg.Server.CORS,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer, err := api.NewGRPCServer(cfg.Server.GRPCAddress, logger)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("error", err))
			stop()
		}
	}()

	go func() {
		logger.Info("grpc server listening", slog.String("address", grpcServer.Address()))
		if serveErr := grpcServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	go grpcServer.SyncHealth(ctx, cfg.Server.HealthSyncInterval, func() []breaker.Snapshot {
		service.SyncBreakerMetrics()
		return service.BreakerSnapshots()
	})

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	var shutdownErr error
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	grpcServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownErr = multierr.Append(shutdownErr, err)
		}
	}
	if recorder != nil {
		shutdownErr = multierr.Append(shutdownErr, recorder.Stop(shutdownCtx))
	}
	if shutdownErr != nil {
		logger.Warn("shutdown completed with errors", slog.Any("error", shutdownErr))
	}

	latency := service.Latency()
	logger.Info("mirador-gateway stopped",
		slog.Int("orchestrations_sampled", latency.Samples),
		slog.Duration("p95", latency.P95),
	)
}

// openStore connects to Valkey when configured and falls back to the
// in-process store otherwise. Counters in the in-process store are not shared
// between replicas.
func openStore(cfg config.CacheConfig, clock clockwork.Clock, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		logger.Info("using in-memory counter store")
		return cache.NewMemoryProvider(clock)
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
		ScanCount:    cfg.ScanCount,
	})
	if err != nil {
		logger.Warn("valkey unavailable, using in-memory counter store", slog.Any("error", err))
		return cache.NewMemoryProvider(clock)
	}
	return provider
}
