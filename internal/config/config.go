// Package config loads the retryd daemon's configuration from the
// process environment using the reflection-based env.Load helper, the
// same pattern the rest of this codebase's daemons use.
package config

import (
	"fmt"

	"github.com/watchtower-client/retryd/internal/env"
)

// Config holds every configuration surface the retryd daemon needs at
// startup: its own identity, the database it persists to, the retry
// engine's tuning knobs, and observability wiring.
type Config struct {
	// Env names the deployment environment ("dev" or "prod"); Load
	// defaults it to "dev". Nothing else in the daemon reads it.
	Env string `env:"RETRYD_ENV"`

	Database      DatabaseConfig
	Retry         RetryConfig
	Observability ObservabilityConfig
}

// Load parses environment variables into a Config and validates the
// nested sections that need it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "watchtower-retryd"
	}

	return cfg, nil
}
