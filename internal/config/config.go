package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-gateway/internal/breaker"
	"github.com/miradorstack/mirador-gateway/internal/engine"
	"github.com/miradorstack/mirador-gateway/internal/models"
	"github.com/miradorstack/mirador-gateway/internal/ratelimit"
	"github.com/miradorstack/mirador-gateway/internal/usage"
)

const envPrefix = "MIRADOR_GATEWAY_"

// Config captures the settings required to boot the gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Cache         CacheConfig         `yaml:"cache"`
	Downstream    DownstreamConfig    `yaml:"downstream"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Usage         UsageConfig         `yaml:"usage"`
	Identity      IdentityConfig      `yaml:"identity"`
}

// ServerConfig controls the HTTP, gRPC and metrics listeners.
type ServerConfig struct {
	HTTPAddress        string        `yaml:"httpAddress"`
	GRPCAddress        string        `yaml:"grpcAddress"`
	MetricsAddress     string        `yaml:"metricsAddress"`
	GracefulTimeout    time.Duration `yaml:"gracefulTimeout"`
	HealthSyncInterval time.Duration `yaml:"healthSyncInterval"`
	CORS               CORSConfig    `yaml:"cors"`
}

// CORSConfig configures cross-origin access to the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls the Valkey counter store. When disabled the gateway
// keeps counters in process memory.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ScanCount    int64         `yaml:"scanCount"`
}

// DownstreamConfig configures the analysis service endpoints.
type DownstreamConfig struct {
	BaseURL string                        `yaml:"baseURL"`
	Paths   map[models.ServiceName]string `yaml:"paths"`
	Timeout time.Duration                 `yaml:"timeout"`
}

// OrchestrationConfig tunes fan-out, breakers and fallbacks.
type OrchestrationConfig struct {
	Tiers            OverlayMap[models.Tier, models.ExecutionConfig] `yaml:"tiers"`
	Breaker          breaker.Settings                                `yaml:"breaker"`
	BreakerOverrides map[models.ServiceName]breaker.Settings         `yaml:"breakerOverrides"`
	Backoff          engine.Backoff                                  `yaml:"backoff"`
	Dependencies     map[models.ServiceName][]models.ServiceName     `yaml:"dependencies"`
	FallbackTTL      time.Duration                                   `yaml:"fallbackTTL"`
	ProbeTimeout     time.Duration                                   `yaml:"probeTimeout"`
	RulesPath        string                                          `yaml:"rulesPath"`
}

// RateLimitConfig controls admission control.
type RateLimitConfig struct {
	Enabled     bool                                             `yaml:"enabled"`
	KeyPrefix   string                                           `yaml:"keyPrefix"`
	Tiers       OverlayMap[models.Tier, models.RateLimitOptions] `yaml:"tiers"`
	Routes      []ratelimit.Route                                `yaml:"routes"`
	ExemptPaths []string                                         `yaml:"exemptPaths"`
}

// UsageConfig controls the usage recorder.
type UsageConfig struct {
	Enabled       bool `yaml:"enabled"`
	usage.Options `yaml:",inline"`
}

// IdentityConfig controls how callers are identified.
type IdentityConfig struct {
	TrustHeaders bool `yaml:"trustHeaders"`
}

// OverlayMap decodes each YAML entry over the value already held for its key,
// so a partial tier entry only replaces the fields it names.
type OverlayMap[K comparable, V any] map[K]V

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *OverlayMap[K, V]) UnmarshalYAML(node *yaml.Node) error {
	var entries map[K]yaml.Node
	if err := node.Decode(&entries); err != nil {
		return err
	}
	if *m == nil {
		*m = make(OverlayMap[K, V], len(entries))
	}
	for key, entry := range entries {
		value := (*m)[key]
		if err := entry.Decode(&value); err != nil {
			return fmt.Errorf("%v: %w", key, err)
		}
		(*m)[key] = value
	}
	return nil
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:        ":8080",
			GRPCAddress:        ":50051",
			MetricsAddress:     ":2112",
			GracefulTimeout:    10 * time.Second,
			HealthSyncInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ScanCount:    500,
		},
		Downstream: DownstreamConfig{
			BaseURL: "http://localhost:9090",
			Paths: map[models.ServiceName]string{
				models.ServiceOnchain:    "/api/v1/analysis/onchain",
				models.ServiceSentiment:  "/api/v1/analysis/sentiment",
				models.ServiceTokenomics: "/api/v1/analysis/tokenomics",
				models.ServiceTeam:       "/api/v1/analysis/team",
			},
			Timeout: 30 * time.Second,
		},
		Orchestration: OrchestrationConfig{
			Tiers: engine.DefaultTierConfigs(),
			Breaker: breaker.Settings{
				FailureThreshold: breaker.DefaultFailureThreshold,
				ResetTimeout:     breaker.DefaultResetTimeout,
			},
			Backoff:      engine.Backoff{Base: engine.DefaultBackoffBase, Max: engine.DefaultBackoffMax},
			Dependencies: engine.DefaultDependencies(),
			FallbackTTL:  time.Hour,
			ProbeTimeout: 5 * time.Second,
			RulesPath:    "configs/rules/default.yaml",
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			KeyPrefix:   ratelimit.DefaultKeyPrefix,
			Tiers:       ratelimit.DefaultTiers(),
			ExemptPaths: ratelimit.DefaultExemptPaths(),
		},
		Usage: UsageConfig{
			Enabled: true,
			Options: usage.Options{
				QueueSize:     usage.DefaultQueueSize,
				RetentionDays: usage.DefaultRetentionDays,
			},
		},
		Identity: IdentityConfig{TrustHeaders: true},
	}
}

func (c Config) validate() error {
	for service := range c.Downstream.Paths {
		if _, err := models.ParseServiceName(string(service)); err != nil {
			return fmt.Errorf("downstream.paths: %w", err)
		}
	}
	for tier, opts := range c.RateLimit.Tiers {
		if opts.Requests <= 0 || opts.Window <= 0 {
			return fmt.Errorf("rateLimit.tiers.%s: requests and window must be positive", tier)
		}
	}
	for tier, exec := range c.Orchestration.Tiers {
		if exec.MaxConcurrency < 1 || exec.Timeout <= 0 {
			return fmt.Errorf("orchestration.tiers.%s: maxConcurrency and timeout must be positive", tier)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := env("HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := env("GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := env("METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := env("DOWNSTREAM_BASE_URL"); v != "" {
		cfg.Downstream.BaseURL = v
	}
	if v := env("DOWNSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Downstream.Timeout = d
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := env("RULES_PATH"); v != "" {
		cfg.Orchestration.RulesPath = v
	}
	if v := env("CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := env("CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = truthy(v)
	}
	if v := env("CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := env("CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := env("CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := env("CACHE_TLS"); truthy(v) {
		cfg.Cache.TLS = true
	}
	if v := env("CACHE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DialTimeout = d
		}
	}
	if v := env("CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
	if v := env("RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = truthy(v)
	}
	if v := env("USAGE_ENABLED"); v != "" {
		cfg.Usage.Enabled = truthy(v)
	}
	if v := env("USAGE_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Usage.RetentionDays = days
		}
	}
	if v := env("TRUST_IDENTITY_HEADERS"); v != "" {
		cfg.Identity.TrustHeaders = truthy(v)
	}
}

func env(name string) string {
	return os.Getenv(envPrefix + name)
}

func truthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
