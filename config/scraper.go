package config

import "time"

// ScraperConfig contains configuration for the auction calendar scraper.
type ScraperConfig struct {
	// UserAgent overrides the default browser user agent sent to the
	// auction site. Empty keeps the built-in default.
	UserAgent string `env:"SCRAPER_USER_AGENT" envDefault:""`

	// HTTPTimeout bounds each calendar page fetch.
	HTTPTimeout time.Duration `env:"SCRAPER_HTTP_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to scraper configuration values.
func (s *ScraperConfig) Sanitize() {
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = 30 * time.Second
	}
}
