package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the RPC gateway
type Config struct {
	Cache         CacheConfig         `mapstructure:"cache"`
	TTLs          []MethodTTL         `mapstructure:"ttls"`
	Providers     []ProviderConfig    `mapstructure:"providers"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Health        HealthConfig        `mapstructure:"health"`
	Warmup        WarmupConfig        `mapstructure:"warmup"`
	HA            HAConfig            `mapstructure:"ha"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// CacheConfig bounds the in-memory store
type CacheConfig struct {
	// MaxBytes is the global RAM ceiling for cached values
	MaxBytes int64 `mapstructure:"max_bytes"`
	// MaxEntries optionally bounds the item count (0 = unbounded)
	MaxEntries int `mapstructure:"max_entries"`
	// MaxEntryBytes is the largest entry the gateway expects to cache; the
	// ceiling must fit at least one such entry (validated at startup)
	MaxEntryBytes int64 `mapstructure:"max_entry_bytes"`
}

// MethodTTL overrides the cache TTL for one logical method
type MethodTTL struct {
	Method string        `mapstructure:"method"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// ProviderConfig describes one upstream provider
type ProviderConfig struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
	// RPCURL is the standard RPC endpoint of an enhanced-API provider when it
	// differs from URL
	RPCURL string `mapstructure:"rpc_url"`
	// Kind is "enhanced-api" or "raw-rpc"
	Kind string `mapstructure:"kind"`
	// Priority orders selection; lower is preferred
	Priority int    `mapstructure:"priority"`
	APIKey   string `mapstructure:"api_key"`
	// RateLimitRPM throttles calls client-side (0 = no local throttle)
	RateLimitRPM   int `mapstructure:"rate_limit_rpm"`
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
}

// ExecutorConfig shapes the retry loop
type ExecutorConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HealthConfig shapes the per-provider circuit breaker
type HealthConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	BaseCooldown      time.Duration `mapstructure:"base_cooldown"`
	MaxCooldown       time.Duration `mapstructure:"max_cooldown"`
	DefaultRetryAfter time.Duration `mapstructure:"default_retry_after"`
}

// WarmupConfig lists the hot set preloaded at startup
type WarmupConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Tokens is the watched token list; each is preloaded with Methods
	Tokens  []string `mapstructure:"tokens"`
	Methods []string `mapstructure:"methods"`
}

// HAConfig wires the active-passive pair
type HAConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Role is "active" or "standby"
	Role       string      `mapstructure:"role"`
	InstanceID string      `mapstructure:"instance_id"`
	Redis      RedisConfig `mapstructure:"redis"`
	// Topic is the pub/sub channel carrying sync events
	Topic             string        `mapstructure:"topic"`
	HeartbeatKey      string        `mapstructure:"heartbeat_key"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TakeoverAfter     time.Duration `mapstructure:"takeover_after"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

// RedisConfig holds redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AlertingConfig wires operational event delivery
type AlertingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Region      string `mapstructure:"region"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HTTPConfig holds the health endpoint configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Cache defaults: 256 MiB ceiling, 4 MiB max entry
	v.SetDefault("cache.max_bytes", int64(256<<20))
	v.SetDefault("cache.max_entries", 0)
	v.SetDefault("cache.max_entry_bytes", int64(4<<20))

	// Executor defaults
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.base_delay", "200ms")
	v.SetDefault("executor.max_delay", "5s")
	v.SetDefault("executor.request_timeout", "30s")

	// Health defaults
	v.SetDefault("health.failure_threshold", 5)
	v.SetDefault("health.base_cooldown", "5s")
	v.SetDefault("health.max_cooldown", "60s")
	v.SetDefault("health.default_retry_after", "10s")

	// Warmup defaults
	v.SetDefault("warmup.enabled", true)
	v.SetDefault("warmup.workers", 4)
	v.SetDefault("warmup.timeout", "30s")
	v.SetDefault("warmup.methods", []string{"getTokenPrice", "getTokenHolders", "getTokenLiquidity"})

	// HA defaults
	v.SetDefault("ha.enabled", false)
	v.SetDefault("ha.role", "active")
	v.SetDefault("ha.redis.address", "localhost:6379")
	v.SetDefault("ha.redis.password", "")
	v.SetDefault("ha.redis.db", 0)
	v.SetDefault("ha.topic", "blaze:cache-sync")
	v.SetDefault("ha.heartbeat_key", "blaze:active-heartbeat")
	v.SetDefault("ha.heartbeat_interval", "500ms")
	v.SetDefault("ha.takeover_after", "2s")
	v.SetDefault("ha.stale_after", "30s")

	// Alerting defaults
	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.region", "us-east-1")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9091)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive")
	}
	if c.Cache.MaxEntryBytes <= 0 {
		return fmt.Errorf("cache.max_entry_bytes must be positive")
	}
	if c.Cache.MaxEntryBytes > c.Cache.MaxBytes {
		return fmt.Errorf("cache.max_bytes (%d) cannot admit one entry of cache.max_entry_bytes (%d)",
			c.Cache.MaxBytes, c.Cache.MaxEntryBytes)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.URL == "" {
			return fmt.Errorf("provider %s: url is required", p.ID)
		}
		if p.Kind != "enhanced-api" && p.Kind != "raw-rpc" {
			return fmt.Errorf("provider %s: invalid kind %q", p.ID, p.Kind)
		}
	}

	for _, mt := range c.TTLs {
		if mt.Method == "" || mt.TTL <= 0 {
			return fmt.Errorf("ttl overrides require a method and a positive ttl")
		}
	}

	if c.HA.Enabled {
		if c.HA.Role != "active" && c.HA.Role != "standby" {
			return fmt.Errorf("ha.role must be active or standby, got %q", c.HA.Role)
		}
		if c.HA.Redis.Address == "" {
			return fmt.Errorf("ha.redis.address is required when ha is enabled")
		}
		if c.HA.HeartbeatInterval <= 0 || c.HA.TakeoverAfter <= 0 {
			return fmt.Errorf("ha heartbeat_interval and takeover_after must be positive")
		}
		if c.HA.TakeoverAfter < c.HA.HeartbeatInterval {
			return fmt.Errorf("ha.takeover_after must be at least ha.heartbeat_interval")
		}
	}

	if c.Alerting.Enabled && c.Alerting.SNSTopicARN == "" {
		return fmt.Errorf("alerting.sns_topic_arn is required when alerting is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
