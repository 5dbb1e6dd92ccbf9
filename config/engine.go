package config

import (
	"time"

	"github.com/sheet-assist/sssystem/internal/domain/job"
)

// Engine store backends.
const (
	// EngineStorePostgres persists jobs in PostgreSQL (the default).
	EngineStorePostgres = "postgres"
	// EngineStoreMemory keeps jobs in process memory. Jobs are lost on
	// restart; intended for development and testing only.
	EngineStoreMemory = "memory"
)

// EngineConfig contains worker pool and retry configuration.
type EngineConfig struct {
	// Workers is the number of concurrent job executors.
	Workers int `env:"ENGINE_WORKERS" envDefault:"4"`

	// Store selects the job store backend: postgres or memory.
	Store string `env:"ENGINE_STORE" envDefault:"postgres"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `env:"ENGINE_BACKOFF_BASE" envDefault:"5s"`

	// BackoffFactor is the multiplier applied per subsequent retry.
	BackoffFactor int `env:"ENGINE_BACKOFF_FACTOR" envDefault:"5"`

	// BackoffCap is the upper bound on any single retry delay.
	BackoffCap time.Duration `env:"ENGINE_BACKOFF_CAP" envDefault:"10m"`

	// BackoffJitter adds randomness to retry delays so retried jobs do
	// not hit the upstream site in lockstep.
	BackoffJitter bool `env:"ENGINE_BACKOFF_JITTER" envDefault:"true"`

	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	DrainTimeout time.Duration `env:"ENGINE_DRAIN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to engine configuration values.
func (e *EngineConfig) Sanitize() {
	if e.Workers < 1 {
		e.Workers = 4
	}
	if e.Store != EngineStoreMemory {
		e.Store = EngineStorePostgres
	}
	if e.BackoffBase <= 0 {
		e.BackoffBase = job.DefaultBackoffBase
	}
	if e.BackoffFactor < 1 {
		e.BackoffFactor = job.DefaultBackoffFactor
	}
	if e.BackoffCap <= 0 {
		e.BackoffCap = job.DefaultBackoffCap
	}
	if e.DrainTimeout <= 0 {
		e.DrainTimeout = 30 * time.Second
	}
}

// BackoffPolicy builds the retry delay policy from the sanitized values.
func (e *EngineConfig) BackoffPolicy() (*job.BackoffPolicy, error) {
	policy, err := job.NewBackoffPolicy(e.BackoffBase, e.BackoffFactor, e.BackoffCap)
	if err != nil {
		return nil, err
	}
	if e.BackoffJitter {
		policy = policy.WithJitter()
	}
	return policy, nil
}
