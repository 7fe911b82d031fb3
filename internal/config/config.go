// Package config assembles the complete Switchboard configuration from
// defaults, an optional YAML file, and environment overrides, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/switchboard-ai/switchboard/internal/backend/anthropic"
	"github.com/switchboard-ai/switchboard/internal/backend/openai"
	"github.com/switchboard-ai/switchboard/internal/cache"
	"github.com/switchboard-ai/switchboard/internal/fallback"
	"github.com/switchboard-ai/switchboard/internal/gateway"
	"github.com/switchboard-ai/switchboard/internal/health"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/routing"
	"github.com/switchboard-ai/switchboard/internal/security"
	"github.com/switchboard-ai/switchboard/internal/server"
	"github.com/switchboard-ai/switchboard/internal/strategy"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Config is the complete application configuration.
type Config struct {
	Server   server.Config   `yaml:"server"`
	Routing  RoutingConfig   `yaml:"routing"`
	Catalog  CatalogConfig   `yaml:"catalog"`
	Backends BackendsConfig  `yaml:"backends"`
	Fallback fallback.Config `yaml:"fallback"`
	Health   HealthConfig    `yaml:"health"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Cache    cache.Config    `yaml:"cache"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Security SecurityConfig  `yaml:"security"`
	Events   EventsConfig    `yaml:"events"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// RoutingConfig tunes the routing engine and the built-in strategies.
type RoutingConfig struct {
	DefaultStrategy string                     `yaml:"default_strategy"`
	MaxAlternatives int                        `yaml:"max_alternatives"`
	HistorySize     int                        `yaml:"history_size"`
	Weights         map[string]routing.Weights `yaml:"weights"`
	Sticky          StickyConfig               `yaml:"sticky"`
	Adaptive        AdaptiveConfig             `yaml:"adaptive"`
}

// StickyConfig tunes session pinning.
type StickyConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Fallback string        `yaml:"fallback"`
}

// AdaptiveConfig tunes the adaptive strategy's exploration and scoring.
type AdaptiveConfig struct {
	Exploration       float64 `yaml:"exploration"`
	PerformanceWeight float64 `yaml:"performance_weight"`
	CostWeight        float64 `yaml:"cost_weight"`
	ReliabilityWeight float64 `yaml:"reliability_weight"`
}

// CatalogConfig lists the routable providers and their models.
type CatalogConfig struct {
	Providers []types.Provider `yaml:"providers"`
}

// BackendsConfig holds upstream connection settings. A nil section
// disables that backend.
type BackendsConfig struct {
	OpenAI    *openai.Config    `yaml:"openai"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
}

// HealthConfig groups circuit breaker and health monitor tuning.
type HealthConfig struct {
	Breaker BreakerConfig `yaml:"breaker"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// BreakerConfig tunes circuit breaker trip and recovery behavior.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// MonitorConfig tunes the advisory health classification thresholds.
type MonitorConfig struct {
	MinSamples        int64   `yaml:"min_samples"`
	UnhealthyBelow    float64 `yaml:"unhealthy_below"`
	DegradedBelow     float64 `yaml:"degraded_below"`
	DegradedLatencyMS float64 `yaml:"degraded_latency_ms"`
}

// MetricsConfig tunes the rolling store and its retention sweep.
type MetricsConfig struct {
	EWMAAlpha     float64       `yaml:"ewma_alpha"`
	WindowSize    int           `yaml:"window_size"`
	Retention     time.Duration `yaml:"retention"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// GatewayConfig tunes the request pipeline. DegradedRef uses the
// "provider:model" form.
type GatewayConfig struct {
	MaxErrorRetries int    `yaml:"max_error_retries"`
	DegradedRef     string `yaml:"degraded_ref"`
}

// SecurityConfig groups inbound authentication and rate limiting.
type SecurityConfig struct {
	Auth      security.AuthConfig      `yaml:"auth"`
	RateLimit security.RateLimitConfig `yaml:"rate_limit"`
}

// EventsConfig tunes the observability event bus.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values.
func (c *Config) setDefaults() {
	c.Server = server.DefaultConfig()

	engine := routing.DefaultEngineConfig()
	strat := strategy.DefaultConfig()
	c.Routing = RoutingConfig{
		DefaultStrategy: engine.DefaultStrategy,
		MaxAlternatives: engine.MaxAlternatives,
		HistorySize:     engine.HistorySize,
		Weights:         engine.Weights,
		Sticky: StickyConfig{
			TTL:      time.Duration(strat.StickyTTL) * time.Second,
			Fallback: strat.StickyFallback,
		},
		Adaptive: AdaptiveConfig{
			Exploration:       strat.Exploration,
			PerformanceWeight: strat.PerformanceWeight,
			CostWeight:        strat.CostWeight,
			ReliabilityWeight: strat.ReliabilityWeight,
		},
	}

	c.Catalog = CatalogConfig{Providers: DefaultCatalog()}

	c.Backends = BackendsConfig{
		OpenAI:    &openai.Config{Timeout: 120 * time.Second},
		Anthropic: &anthropic.Config{Timeout: 120 * time.Second},
	}

	c.Fallback = fallback.DefaultConfig()

	breaker := health.DefaultBreakerConfig()
	monitor := health.DefaultMonitorConfig()
	c.Health = HealthConfig{
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			Cooldown:         breaker.Cooldown,
			BackoffFactor:    breaker.BackoffFactor,
			MaxCooldown:      breaker.MaxCooldown,
		},
		Monitor: MonitorConfig{
			MinSamples:        monitor.MinSamples,
			UnhealthyBelow:    monitor.UnhealthyBelow,
			DegradedBelow:     monitor.DegradedBelow,
			DegradedLatencyMS: monitor.DegradedLatencyMS,
		},
	}

	store := metrics.DefaultConfig()
	c.Metrics = MetricsConfig{
		EWMAAlpha:     store.EWMAAlpha,
		WindowSize:    store.WindowSize,
		Retention:     store.Retention,
		SweepSchedule: "0 * * * *",
	}

	c.Cache = cache.DefaultConfig()

	c.Gateway = GatewayConfig{
		MaxErrorRetries: 1,
	}

	c.Security = SecurityConfig{
		Auth: security.AuthConfig{
			Enabled:   false,
			JWTExpiry: 24 * time.Hour,
		},
		RateLimit: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			Burst:             10,
			CleanupInterval:   5 * time.Minute,
		},
	}

	c.Events = EventsConfig{QueueSize: 256}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// DefaultCatalog returns the stock provider catalog with current public
// pricing per 1K tokens.
func DefaultCatalog() []types.Provider {
	return []types.Provider{
		{
			ID:          "openai",
			DisplayName: "OpenAI",
			CostTier:    "standard",
			Weight:      2,
			Models: []types.Model{
				{
					ID:              "gpt-4o",
					Capabilities:    []types.Capability{types.CapChat, types.CapVision, types.CapFunctionCalling, types.CapJSONMode, types.CapStreaming, types.CapCode, types.CapReasoning, types.CapLongContext},
					ContextWindow:   128000,
					MaxOutputTokens: 4096,
					InputCostPer1K:  0.005,
					OutputCostPer1K: 0.015,
					Quality:         0.9,
					LatencyTier:     "standard",
				},
				{
					ID:              "gpt-4o-mini",
					Capabilities:    []types.Capability{types.CapChat, types.CapVision, types.CapFunctionCalling, types.CapJSONMode, types.CapStreaming, types.CapCode, types.CapLongContext},
					ContextWindow:   128000,
					MaxOutputTokens: 16384,
					InputCostPer1K:  0.00015,
					OutputCostPer1K: 0.0006,
					Quality:         0.7,
					LatencyTier:     "fast",
				},
				{
					ID:              "gpt-3.5-turbo",
					Capabilities:    []types.Capability{types.CapChat, types.CapFunctionCalling, types.CapJSONMode, types.CapStreaming},
					ContextWindow:   16385,
					MaxOutputTokens: 4096,
					InputCostPer1K:  0.0015,
					OutputCostPer1K: 0.002,
					Quality:         0.55,
					LatencyTier:     "fast",
				},
			},
		},
		{
			ID:          "anthropic",
			DisplayName: "Anthropic",
			CostTier:    "premium",
			Weight:      1,
			Models: []types.Model{
				{
					ID:              "claude-3-5-sonnet-20241022",
					Capabilities:    []types.Capability{types.CapChat, types.CapVision, types.CapFunctionCalling, types.CapStreaming, types.CapCode, types.CapReasoning, types.CapLongContext},
					ContextWindow:   200000,
					MaxOutputTokens: 8192,
					InputCostPer1K:  0.003,
					OutputCostPer1K: 0.015,
					Quality:         0.92,
					LatencyTier:     "standard",
				},
				{
					ID:              "claude-3-5-haiku-20241022",
					Capabilities:    []types.Capability{types.CapChat, types.CapFunctionCalling, types.CapStreaming, types.CapCode, types.CapLongContext},
					ContextWindow:   200000,
					MaxOutputTokens: 8192,
					InputCostPer1K:  0.0008,
					OutputCostPer1K: 0.004,
					Quality:         0.75,
					LatencyTier:     "fast",
				},
			},
		},
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if port := os.Getenv("SWITCHBOARD_PORT"); port != "" {
		c.Server.Port = port
	}

	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		if c.Backends.OpenAI != nil {
			c.Backends.OpenAI.APIKey = openaiKey
		}
	}

	if anthropicKey := os.Getenv("ANTHROPIC_API_KEY"); anthropicKey != "" {
		if c.Backends.Anthropic != nil {
			c.Backends.Anthropic.APIKey = anthropicKey
		}
	}

	if level := os.Getenv("SWITCHBOARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("SWITCHBOARD_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if strategyName := os.Getenv("SWITCHBOARD_DEFAULT_STRATEGY"); strategyName != "" {
		c.Routing.DefaultStrategy = strategyName
	}

	if keys := os.Getenv("SWITCHBOARD_API_KEYS"); keys != "" {
		parts := strings.Split(keys, ",")
		c.Security.Auth.APIKeys = c.Security.Auth.APIKeys[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				c.Security.Auth.APIKeys = append(c.Security.Auth.APIKeys, p)
			}
		}
	}

	if secret := os.Getenv("SWITCHBOARD_JWT_SECRET"); secret != "" {
		c.Security.Auth.JWTSecret = secret
	}

	if addr := os.Getenv("SWITCHBOARD_REDIS_ADDR"); addr != "" {
		c.Cache.Redis.Addr = addr
	}
}

// validate validates the configuration.
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validStrategies := map[string]bool{
		strategy.NameRoundRobin:      true,
		strategy.NameLeastLatency:    true,
		strategy.NameCostOptimized:   true,
		strategy.NameWeighted:        true,
		strategy.NameStickySession:   true,
		strategy.NameHealthBased:     true,
		strategy.NameCapabilityBased: true,
		strategy.NameAdaptive:        true,
	}
	if !validStrategies[c.Routing.DefaultStrategy] {
		return fmt.Errorf("invalid default strategy: %s", c.Routing.DefaultStrategy)
	}

	for name, w := range c.Routing.Weights {
		if name != "default" && !types.Priority(name).Valid() {
			return fmt.Errorf("unknown priority %q in weight table", name)
		}
		if w.Capability < 0 || w.Performance < 0 || w.Cost < 0 || w.Reliability < 0 {
			return fmt.Errorf("weights for %q must be non-negative", name)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	enabled := map[string]bool{}
	for _, name := range c.GetEnabledBackends() {
		enabled[name] = true
	}
	if len(enabled) == 0 {
		return fmt.Errorf("at least one backend must be configured with an API key")
	}

	if len(c.Catalog.Providers) == 0 {
		return fmt.Errorf("catalog must list at least one provider")
	}
	routable := 0
	for _, p := range c.Catalog.Providers {
		if p.ID == "" {
			return fmt.Errorf("catalog provider is missing an id")
		}
		if enabled[p.ID] {
			routable++
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("catalog provider %q must list at least one model", p.ID)
		}
		for _, m := range p.Models {
			if m.ID == "" {
				return fmt.Errorf("catalog provider %q has a model with no id", p.ID)
			}
			if m.ContextWindow <= 0 {
				return fmt.Errorf("model %s:%s must declare a context window", p.ID, m.ID)
			}
			if m.InputCostPer1K < 0 || m.OutputCostPer1K < 0 {
				return fmt.Errorf("model %s:%s has negative cost rates", p.ID, m.ID)
			}
		}
	}
	if routable == 0 {
		return fmt.Errorf("no catalog provider has a configured backend")
	}

	if c.Gateway.DegradedRef != "" {
		ref, err := types.ParseModelRef(c.Gateway.DegradedRef)
		if err != nil {
			return fmt.Errorf("invalid degraded_ref: %w", err)
		}
		if !c.catalogHas(ref) {
			return fmt.Errorf("degraded_ref %q is not in the catalog", c.Gateway.DegradedRef)
		}
	}

	switch c.Cache.Backend {
	case cache.BackendMemory, "":
	case cache.BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache backend %q requires a redis address", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}

	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limiting requires a positive requests_per_minute")
	}

	if c.Security.Auth.Enabled && len(c.Security.Auth.APIKeys) == 0 && c.Security.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is enabled but no API keys or JWT secret are configured")
	}

	return nil
}

func (c *Config) catalogHas(ref types.ModelRef) bool {
	for _, p := range c.EffectiveCatalog() {
		if p.ID != ref.Provider {
			continue
		}
		for _, m := range p.Models {
			if m.ID == ref.Model {
				return true
			}
		}
	}
	return false
}

// EffectiveCatalog returns the catalog filtered to providers whose
// backend has an API key. Routing must never select a provider that
// cannot execute.
func (c *Config) EffectiveCatalog() []types.Provider {
	enabled := map[string]bool{}
	for _, name := range c.GetEnabledBackends() {
		enabled[name] = true
	}

	out := make([]types.Provider, 0, len(c.Catalog.Providers))
	for _, p := range c.Catalog.Providers {
		if enabled[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// ToEngineConfig converts to routing.EngineConfig.
func (c *Config) ToEngineConfig() routing.EngineConfig {
	return routing.EngineConfig{
		DefaultStrategy: c.Routing.DefaultStrategy,
		MaxAlternatives: c.Routing.MaxAlternatives,
		HistorySize:     c.Routing.HistorySize,
		Weights:         c.Routing.Weights,
	}
}

// ToStrategyConfig converts to strategy.Config.
func (c *Config) ToStrategyConfig() strategy.Config {
	return strategy.Config{
		StickyTTL:         int64(c.Routing.Sticky.TTL / time.Second),
		StickyFallback:    c.Routing.Sticky.Fallback,
		Exploration:       c.Routing.Adaptive.Exploration,
		PerformanceWeight: c.Routing.Adaptive.PerformanceWeight,
		CostWeight:        c.Routing.Adaptive.CostWeight,
		ReliabilityWeight: c.Routing.Adaptive.ReliabilityWeight,
	}
}

// ToBreakerConfig converts to health.BreakerConfig.
func (c *Config) ToBreakerConfig() health.BreakerConfig {
	return health.BreakerConfig{
		FailureThreshold: c.Health.Breaker.FailureThreshold,
		Cooldown:         c.Health.Breaker.Cooldown,
		BackoffFactor:    c.Health.Breaker.BackoffFactor,
		MaxCooldown:      c.Health.Breaker.MaxCooldown,
	}
}

// ToMonitorConfig converts to health.MonitorConfig.
func (c *Config) ToMonitorConfig() health.MonitorConfig {
	return health.MonitorConfig{
		MinSamples:        c.Health.Monitor.MinSamples,
		UnhealthyBelow:    c.Health.Monitor.UnhealthyBelow,
		DegradedBelow:     c.Health.Monitor.DegradedBelow,
		DegradedLatencyMS: c.Health.Monitor.DegradedLatencyMS,
	}
}

// ToStoreConfig converts to metrics.Config.
func (c *Config) ToStoreConfig() metrics.Config {
	return metrics.Config{
		EWMAAlpha:  c.Metrics.EWMAAlpha,
		WindowSize: c.Metrics.WindowSize,
		Retention:  c.Metrics.Retention,
	}
}

// ToGatewayConfig converts to gateway.Config, parsing the degraded ref.
func (c *Config) ToGatewayConfig() (gateway.Config, error) {
	out := gateway.Config{MaxErrorRetries: c.Gateway.MaxErrorRetries}
	if c.Gateway.DegradedRef != "" {
		ref, err := types.ParseModelRef(c.Gateway.DegradedRef)
		if err != nil {
			return gateway.Config{}, fmt.Errorf("invalid degraded_ref: %w", err)
		}
		out.DegradedRef = ref
	}
	return out, nil
}

// SaveToFile saves the current configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledBackends returns the names of backends that have an API key.
func (c *Config) GetEnabledBackends() []string {
	var backends []string

	if c.Backends.OpenAI != nil && c.Backends.OpenAI.APIKey != "" {
		backends = append(backends, "openai")
	}

	if c.Backends.Anthropic != nil && c.Backends.Anthropic.APIKey != "" {
		backends = append(backends, "anthropic")
	}

	return backends
}
