package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestAppConfigDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Engine.Workers != 4 {
		t.Errorf("Engine.Workers = %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Engine.Store != EngineStorePostgres {
		t.Errorf("Engine.Store = %q, want %q", cfg.Engine.Store, EngineStorePostgres)
	}
	if cfg.Engine.BackoffBase != 5*time.Second {
		t.Errorf("Engine.BackoffBase = %v, want 5s", cfg.Engine.BackoffBase)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d, want 5432", cfg.Postgres.Port)
	}
	if !cfg.Watchdog.Enabled {
		t.Error("Watchdog.Enabled = false, want true")
	}
	if cfg.RetrySweep.Schedule != "*/10 * * * *" {
		t.Errorf("RetrySweep.Schedule = %q", cfg.RetrySweep.Schedule)
	}
}

func TestAppConfigFromEnv(t *testing.T) {
	t.Setenv("ENGINE_WORKERS", "8")
	t.Setenv("ENGINE_STORE", "memory")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("WATCHDOG_THRESHOLD", "1h")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Engine.Workers != 8 {
		t.Errorf("Engine.Workers = %d, want 8", cfg.Engine.Workers)
	}
	if cfg.Engine.Store != EngineStoreMemory {
		t.Errorf("Engine.Store = %q, want memory", cfg.Engine.Store)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("Postgres.Host = %q", cfg.Postgres.Host)
	}
	if !cfg.Redis.Enabled {
		t.Error("Redis.Enabled = false, want true")
	}
	if cfg.Watchdog.Threshold != time.Hour {
		t.Errorf("Watchdog.Threshold = %v, want 1h", cfg.Watchdog.Threshold)
	}
}

func TestSanitizeGuardrails(t *testing.T) {
	cfg := AppConfig{
		Engine: EngineConfig{Workers: -1, Store: "bogus", BackoffFactor: 0},
		HTTP:   HTTPConfig{ShutdownTimeout: -time.Second},
		Watchdog: WatchdogConfig{
			Interval:  0,
			Threshold: -time.Minute,
		},
		RetrySweep: RetrySweepConfig{BatchSize: 0},
		Observability: ObservabilityConfig{
			Metrics: ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "   "},
		},
	}
	cfg.Sanitize()

	if cfg.Engine.Workers != 4 {
		t.Errorf("Engine.Workers = %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Engine.Store != EngineStorePostgres {
		t.Errorf("Engine.Store = %q, want postgres", cfg.Engine.Store)
	}
	if cfg.Engine.BackoffFactor != 5 {
		t.Errorf("Engine.BackoffFactor = %d, want 5", cfg.Engine.BackoffFactor)
	}
	if cfg.HTTP.ShutdownTimeout != 10*time.Second {
		t.Errorf("HTTP.ShutdownTimeout = %v", cfg.HTTP.ShutdownTimeout)
	}
	if cfg.Watchdog.Interval != 5*time.Minute {
		t.Errorf("Watchdog.Interval = %v", cfg.Watchdog.Interval)
	}
	if cfg.RetrySweep.BatchSize != 20 {
		t.Errorf("RetrySweep.BatchSize = %d", cfg.RetrySweep.BatchSize)
	}
	if cfg.Observability.Metrics.IsEnabled() {
		t.Error("metrics should be disabled when address is blank")
	}
}

func TestEngineConfigBackoffPolicy(t *testing.T) {
	cfg := EngineConfig{
		BackoffBase:   time.Second,
		BackoffFactor: 2,
		BackoffCap:    time.Minute,
	}

	policy, err := cfg.BackoffPolicy()
	if err != nil {
		t.Fatalf("backoff policy: %v", err)
	}
	if got := policy.Delay(2); got != 2*time.Second {
		t.Errorf("Delay(2) = %v, want 2s", got)
	}
}
