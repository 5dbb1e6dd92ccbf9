package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"sssystem"`
	Password string `env:"PASSWORD"                envDefault:"sssystem"`
	Name     string `env:"NAME"                    envDefault:"sssystem"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
	// Enabled controls whether the Redis status cache is used at all.
	// When false the HTTP layer polls the engine directly.
	Enabled bool `env:"ENABLED" envDefault:"false"`
}

// CacheConfig contains status cache configuration (Redis-based).
type CacheConfig struct {
	// StatusTTL is the TTL for cached status snapshots of active jobs.
	StatusTTL time.Duration `env:"CACHE_STATUS_TTL" envDefault:"2s"`

	// TerminalStatusTTL is the TTL for cached snapshots of terminal jobs,
	// whose status can no longer change.
	TerminalStatusTTL time.Duration `env:"CACHE_TERMINAL_STATUS_TTL" envDefault:"5m"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.StatusTTL <= 0 {
		c.StatusTTL = 2 * time.Second
	}
	if c.TerminalStatusTTL <= 0 {
		c.TerminalStatusTTL = 5 * time.Minute
	}
}
