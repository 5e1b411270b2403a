package config

import "time"

// RetryConfig tunes the retry engine's backoff campaigns and auto-wake
// timing, mapping directly onto retry.Config's three enumerated knobs.
type RetryConfig struct {
	// MaxElapsedTime is the wall-clock ceiling for one backoff campaign.
	MaxElapsedTime time.Duration `env:"RETRYD_MAX_ELAPSED_TIME"`
	// MaxInterval caps a single inter-attempt sleep.
	MaxInterval time.Duration `env:"RETRYD_MAX_INTERVAL"`
	// AutoRetryDelay is how long an Idle Retrier waits before being
	// auto-woken.
	AutoRetryDelay time.Duration `env:"RETRYD_AUTO_RETRY_DELAY"`
	// RequestTimeout bounds a single round-trip to a tower.
	RequestTimeout time.Duration `env:"RETRYD_REQUEST_TIMEOUT"`
}

// applyDefaults fills any zero-valued field with the retry engine's
// built-in defaults; env.Load leaves unset fields at their zero value by
// design, so defaulting is this package's job.
func (c *RetryConfig) applyDefaults() {
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 30 * time.Minute
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Minute
	}
	if c.AutoRetryDelay <= 0 {
		c.AutoRetryDelay = time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Validate satisfies env.Validator; RetryConfig has no fields that can
// fail validation, only ones that need defaulting.
func (c *RetryConfig) Validate() error {
	c.applyDefaults()
	return nil
}
