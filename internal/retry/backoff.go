package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig parameterizes the exponential backoff driver a Retrier
// uses between failed delivery attempts. The defaults mirror the
// original client's choice of a 2x multiplier with 50% jitter, bounded so
// a single campaign cannot run forever.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxElapsedTime      time.Duration
}

// DefaultBackoffConfig returns the backoff shape used when none is
// configured: starts at one second, doubles up to two minutes, and gives
// up after thirty minutes of continuous failure.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     time.Second,
		MaxInterval:         2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      30 * time.Minute,
	}
}

// newBackOff builds a fresh cenkalti/backoff ExponentialBackOff from cfg.
// A new instance is required per campaign: ExponentialBackOff is
// stateful and tracks elapsed time and current interval internally.
func newBackOff(cfg BackoffConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor
	b.MaxElapsedTime = cfg.MaxElapsedTime
	b.Reset()
	return b
}
