package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxBytes:      256 << 20,
			MaxEntryBytes: 4 << 20,
		},
		Providers: []ProviderConfig{
			{ID: "helius", URL: "https://api.helius.xyz", Kind: "enhanced-api", Priority: 0},
			{ID: "public-rpc", URL: "https://api.mainnet-beta.solana.com", Kind: "raw-rpc", Priority: 1},
		},
		HA: HAConfig{
			Enabled:           true,
			Role:              "standby",
			Redis:             RedisConfig{Address: "localhost:6379"},
			HeartbeatInterval: 500 * time.Millisecond,
			TakeoverAfter:     2 * time.Second,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
	}
}

func TestConfig_Validate_Valid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed on valid config: %v", err)
	}
}

func TestConfig_Validate_CacheCeiling(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.MaxBytes = 1 << 20
	cfg.Cache.MaxEntryBytes = 4 << 20

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when max_entry_bytes exceeds max_bytes")
	}
}

func TestConfig_Validate_Providers(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error with no providers")
	}

	cfg = validConfig()
	cfg.Providers[1].ID = cfg.Providers[0].ID
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error on duplicate provider id")
	}

	cfg = validConfig()
	cfg.Providers[0].Kind = "websocket"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error on unknown provider kind")
	}
}

func TestConfig_Validate_TTLOverrides(t *testing.T) {
	cfg := validConfig()
	cfg.TTLs = []MethodTTL{{Method: "getTokenPrice", TTL: time.Minute}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed with ttl override: %v", err)
	}

	cfg.TTLs = append(cfg.TTLs, MethodTTL{Method: "getTokenHolders", TTL: 0})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error on zero ttl override")
	}
}

func TestConfig_Validate_HA(t *testing.T) {
	cfg := validConfig()
	cfg.HA.Role = "leader"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error on unknown ha role")
	}

	cfg = validConfig()
	cfg.HA.TakeoverAfter = 100 * time.Millisecond
	cfg.HA.HeartbeatInterval = 500 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when takeover_after is below heartbeat_interval")
	}

	// Disabled HA skips the HA checks entirely.
	cfg = validConfig()
	cfg.HA.Enabled = false
	cfg.HA.Role = "leader"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed with disabled ha: %v", err)
	}
}

func TestConfig_Validate_Alerting(t *testing.T) {
	cfg := validConfig()
	cfg.Alerting = AlertingConfig{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when alerting is enabled without a topic")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Cache.MaxBytes != 256<<20 {
		t.Errorf("expected default cache ceiling 256MiB, got %d", cfg.Cache.MaxBytes)
	}
	if cfg.Executor.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.Executor.MaxAttempts)
	}
	if cfg.Executor.BaseDelay != 200*time.Millisecond {
		t.Errorf("expected default base_delay 200ms, got %v", cfg.Executor.BaseDelay)
	}
	if cfg.Health.FailureThreshold != 5 {
		t.Errorf("expected default failure_threshold 5, got %d", cfg.Health.FailureThreshold)
	}
	if cfg.HA.HeartbeatInterval != 500*time.Millisecond {
		t.Errorf("expected default heartbeat_interval 500ms, got %v", cfg.HA.HeartbeatInterval)
	}
	if cfg.HA.TakeoverAfter != 2*time.Second {
		t.Errorf("expected default takeover_after 2s, got %v", cfg.HA.TakeoverAfter)
	}

	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "public-rpc" {
		t.Fatalf("expected the provider from the file, got %+v", cfg.Providers)
	}

	t.Log("✓ defaults merge under file-provided providers")
}
