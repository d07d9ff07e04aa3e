package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin HTTP surface (health, metrics, rule tester).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// RedisConfig controls the fast-cache storage backend.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
	PoolSize int    `json:"pool_size" env:"REDIS_POOL_SIZE"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// SymbolCacheConfig sizes the three LRU tiers of the symbol mapper cache.
type SymbolCacheConfig struct {
	L1RuleSetSize  int `json:"l1_rule_set_size" env:"SYMBOL_CACHE_L1_SIZE"`
	L2LookupSize   int `json:"l2_lookup_size" env:"SYMBOL_CACHE_L2_SIZE"`
	L3BatchSize    int `json:"l3_batch_size" env:"SYMBOL_CACHE_L3_SIZE"`
}

// CircuitBreakerConfig tunes the breaker guarding SCAN-based pattern invalidation.
// cmd/gateway passes FailureThreshold and OpenTimeout to the data mapper
// cache; HalfOpenProbes is not read.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" env:"DATA_MAPPER_BREAKER_FAILURE_THRESHOLD"`
	OpenTimeout      time.Duration `json:"open_timeout" env:"DATA_MAPPER_BREAKER_OPEN_TIMEOUT"`
	HalfOpenProbes   int           `json:"half_open_probes" env:"DATA_MAPPER_BREAKER_HALF_OPEN_PROBES"`
}

// MarketTTLConfig holds the MARKET_AWARE strategy's open/closed TTL table
// for a single market.
type MarketTTLConfig struct {
	OpenMarketTtl   time.Duration `json:"open_market_ttl" yaml:"open_market_ttl"`
	ClosedMarketTtl time.Duration `json:"closed_market_ttl" yaml:"closed_market_ttl"`
}

// SmartCacheConfig controls the orchestrator's default strategy and per-market TTLs.
type SmartCacheConfig struct {
	DefaultStrategy  string                     `json:"default_strategy" env:"SMART_CACHE_DEFAULT_STRATEGY"`
	EnableFallback   bool                       `json:"enable_fallback" env:"SMART_CACHE_ENABLE_FALLBACK"`
	BackgroundRefresh bool                      `json:"background_refresh" env:"SMART_CACHE_BACKGROUND_REFRESH"`
	MarketTTLs       map[string]MarketTTLConfig `json:"market_ttls" yaml:"market_ttls"`
}

// RecoveryConfig bounds the recovery engine's replay window and rate limiting.
type RecoveryConfig struct {
	MaxRecoveryWindow time.Duration `json:"max_recovery_window" env:"RECOVERY_MAX_WINDOW"`
	RateLimitPerSec   float64       `json:"rate_limit_per_sec" env:"RECOVERY_RATE_LIMIT_PER_SEC"`
	RateLimitBurst    int           `json:"rate_limit_burst" env:"RECOVERY_RATE_LIMIT_BURST"`
}

// StreamConfig holds stream receiver settings. Nothing reads them:
// internal/stream caps each connection's outbound queue at 256 messages
// and times socket writes out after 5 seconds regardless of these values.
type StreamConfig struct {
	MaxQueueDepth    int           `json:"max_queue_depth" env:"STREAM_MAX_QUEUE_DEPTH"`
	WriteTimeout     time.Duration `json:"write_timeout" env:"STREAM_WRITE_TIMEOUT"`
	PingInterval     time.Duration `json:"ping_interval" env:"STREAM_PING_INTERVAL"`
}

// RuleEngineConfig holds mapping engine limits. Nothing reads them:
// internal/transformer caps a batch at 500 requests and internal/ruleengine
// caps source path depth at 10 regardless of these values.
type RuleEngineConfig struct {
	MaxBatchSize int `json:"max_batch_size" env:"RULE_ENGINE_MAX_BATCH_SIZE"`
	MaxPathDepth int `json:"max_path_depth" env:"RULE_ENGINE_MAX_PATH_DEPTH"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig         `json:"server"`
	Redis       RedisConfig          `json:"redis"`
	Logging     LoggingConfig        `json:"logging"`
	Tracing     TracingConfig        `json:"tracing"`
	SymbolCache SymbolCacheConfig    `json:"symbol_cache"`
	Breaker     CircuitBreakerConfig `json:"breaker"`
	SmartCache  SmartCacheConfig     `json:"smart_cache"`
	Recovery    RecoveryConfig       `json:"recovery"`
	Stream      StreamConfig         `json:"stream"`
	RuleEngine  RuleEngineConfig     `json:"rule_engine"`
}

// New returns a configuration populated with defaults matching the spec's
// documented constants (breaker thresholds, cache tier sizes, TTL tables).
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePrefix: "marketdata-gateway",
		},
		Tracing: TracingConfig{},
		SymbolCache: SymbolCacheConfig{
			L1RuleSetSize: 100,
			L2LookupSize:  5000,
			L3BatchSize:   500,
		},
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenProbes:   3,
		},
		SmartCache: SmartCacheConfig{
			DefaultStrategy:   "ADAPTIVE",
			EnableFallback:    true,
			BackgroundRefresh: true,
			MarketTTLs: map[string]MarketTTLConfig{
				"HK": {OpenMarketTtl: 2 * time.Second, ClosedMarketTtl: 5 * time.Minute},
				"US": {OpenMarketTtl: 2 * time.Second, ClosedMarketTtl: 10 * time.Minute},
				"CN": {OpenMarketTtl: 2 * time.Second, ClosedMarketTtl: 5 * time.Minute},
			},
		},
		Recovery: RecoveryConfig{
			MaxRecoveryWindow: 5 * time.Minute,
			RateLimitPerSec:   20,
			RateLimitBurst:    40,
		},
		Stream: StreamConfig{
			MaxQueueDepth: 1000,
			WriteTimeout:  5 * time.Second,
			PingInterval:  30 * time.Second,
		},
		RuleEngine: RuleEngineConfig{
			MaxBatchSize: 1000,
			MaxPathDepth: 10,
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
