package config

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - http.go: HTTP server configuration
//   - engine.go: Worker pool and retry configuration
//   - scraper.go: Scraper HTTP client configuration
//   - runners.go: Background runner configuration
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (pretty logging, etc.)
	// Set DEV=true for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// HTTP server configuration
	HTTP HTTPConfig

	// Engine worker pool and retry configuration
	Engine EngineConfig

	// Scraper HTTP client configuration
	Scraper ScraperConfig

	// Background runner configuration
	Watchdog   WatchdogConfig
	RetrySweep RetrySweepConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Cache.Sanitize()
	c.HTTP.Sanitize()
	c.Engine.Sanitize()
	c.Scraper.Sanitize()
	c.Watchdog.Sanitize()
	c.RetrySweep.Sanitize()
	c.Observability.Sanitize()
}
