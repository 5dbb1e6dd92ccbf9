package config

import "time"

// WatchdogConfig contains stuck-job watchdog configuration.
type WatchdogConfig struct {
	// Enabled controls whether the watchdog runs at all.
	Enabled bool `env:"WATCHDOG_ENABLED" envDefault:"true"`

	// Interval is how often the watchdog sweeps running jobs.
	Interval time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"5m"`

	// Threshold is how long a job may run before it is considered stuck
	// and cancelled.
	Threshold time.Duration `env:"WATCHDOG_THRESHOLD" envDefault:"2h"`
}

// Sanitize applies guardrails to watchdog configuration values.
func (w *WatchdogConfig) Sanitize() {
	if w.Interval <= 0 {
		w.Interval = 5 * time.Minute
	}
	if w.Threshold <= 0 {
		w.Threshold = 2 * time.Hour
	}
}

// RetrySweepConfig contains failed-job resubmission configuration.
type RetrySweepConfig struct {
	// Enabled controls whether the retry sweeper runs at all.
	Enabled bool `env:"RETRY_SWEEP_ENABLED" envDefault:"true"`

	// Schedule is the cron expression for sweep runs (standard 5-field).
	Schedule string `env:"RETRY_SWEEP_SCHEDULE" envDefault:"*/10 * * * *"`

	// BatchSize is the maximum number of failed jobs resubmitted per sweep.
	BatchSize int `env:"RETRY_SWEEP_BATCH_SIZE" envDefault:"20"`
}

// Sanitize applies guardrails to retry sweep configuration values.
func (r *RetrySweepConfig) Sanitize() {
	if r.Schedule == "" {
		r.Schedule = "*/10 * * * *"
	}
	if r.BatchSize < 1 {
		r.BatchSize = 20
	}
}
