package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddress != ":8080" || cfg.Server.GRPCAddress != ":50051" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	free := cfg.RateLimit.Tiers[models.TierFree]
	if free.Requests != 10 || free.Window != time.Hour {
		t.Fatalf("unexpected free tier quota: %+v", free)
	}
	if len(cfg.Downstream.Paths) != len(models.AllServices) {
		t.Fatalf("expected a path per service, got %v", cfg.Downstream.Paths)
	}
	if cfg.Usage.RetentionDays != 30 || !cfg.Usage.Enabled {
		t.Fatalf("unexpected usage defaults: %+v", cfg.Usage)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(`
server:
  httpAddress: ":9090"
downstream:
  baseURL: "http://analysis.internal"
  timeout: 12s
orchestration:
  breaker:
    failureThreshold: 3
    resetTimeout: 45s
  tiers:
    free:
      maxConcurrency: 1
      timeout: 2s
      retryAttempts: 0
      aggregationStrategy: partial
      requiredServices: [onchain]
rateLimit:
  tiers:
    pro:
      requests: 50
      window: 1m
  routes:
    - method: POST
      path: /analysis/orchestrate/health
      limit:
        requests: 5
        window: 1m
usage:
  retentionDays: 7
  queueSize: 16
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MIRADOR_GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("MIRADOR_GATEWAY_RATELIMIT_ENABLED", "false")
	t.Setenv("MIRADOR_GATEWAY_CACHE_ADDR", "valkey:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddress != ":9090" || cfg.Downstream.Timeout != 12*time.Second {
		t.Fatalf("file values not applied: %+v %+v", cfg.Server, cfg.Downstream)
	}
	if cfg.Orchestration.Breaker.FailureThreshold != 3 || cfg.Orchestration.Breaker.ResetTimeout != 45*time.Second {
		t.Fatalf("unexpected breaker settings: %+v", cfg.Orchestration.Breaker)
	}
	free := cfg.Orchestration.Tiers[models.TierFree]
	if free.MaxConcurrency != 1 || free.AggregationStrategy != models.StrategyPartial || len(free.RequiredServices) != 1 {
		t.Fatalf("unexpected free tier execution config: %+v", free)
	}
	if _, ok := cfg.Orchestration.Tiers[models.TierEnterprise]; !ok {
		t.Fatalf("tiers missing from the file must keep their defaults")
	}
	if cfg.RateLimit.Tiers[models.TierPro].Requests != 50 || cfg.RateLimit.Tiers[models.TierFree].Requests != 10 {
		t.Fatalf("unexpected rate limit tiers: %+v", cfg.RateLimit.Tiers)
	}
	if len(cfg.RateLimit.Routes) != 1 || cfg.RateLimit.Routes[0].Limit.Window != time.Minute {
		t.Fatalf("unexpected routes: %+v", cfg.RateLimit.Routes)
	}
	if cfg.Usage.RetentionDays != 7 || cfg.Usage.QueueSize != 16 {
		t.Fatalf("unexpected usage options: %+v", cfg.Usage)
	}
	if cfg.Logging.Level != "debug" || cfg.RateLimit.Enabled || cfg.Cache.Addr != "valkey:6379" {
		t.Fatalf("env overrides not applied: %+v %+v %+v", cfg.Logging, cfg.RateLimit.Enabled, cfg.Cache.Addr)
	}
}

func TestLoadRejectsInvalidQuota(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("rateLimit:\n  tiers:\n    free:\n      requests: 0\n      window: 1h\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadMergesPartialTierEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(`
orchestration:
  tiers:
    pro:
      maxConcurrency: 8
rateLimit:
  tiers:
    pro:
      requests: 50
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	pro := cfg.Orchestration.Tiers[models.TierPro]
	if pro.MaxConcurrency != 8 {
		t.Fatalf("expected maxConcurrency override, got %d", pro.MaxConcurrency)
	}
	if pro.Timeout != 15*time.Second || pro.RetryAttempts != 2 || !pro.EnableFallbacks || pro.AggregationStrategy != models.StrategyBestEffort {
		t.Fatalf("expected remaining pro defaults to survive, got %+v", pro)
	}
	if free := cfg.Orchestration.Tiers[models.TierFree]; free.MaxConcurrency != 2 {
		t.Fatalf("untouched tier changed: %+v", free)
	}
	quota := cfg.RateLimit.Tiers[models.TierPro]
	if quota.Requests != 50 || quota.Window != time.Hour {
		t.Fatalf("expected pro quota 50/h, got %+v", quota)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
