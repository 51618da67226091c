package llm

import (
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
)

// RetryConfig holds the bounded-retry policy applied around model calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the wait after the first failed attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMultiplier is applied to the wait on each further failure.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// MaxBackoff caps the wait. Zero holds every wait at BackoffBase.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Jitter adds up to 25% to each wait.
	Jitter bool `yaml:"jitter"`
}

// DefaultRetryConfig returns the agent-node policy: 4 attempts, waits of 4s, 8s, 16s
// capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		BackoffBase:       4 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		Jitter:            true,
	}
}

// Policy converts the config to a retry.Config.
func (c RetryConfig) Policy() retry.Config {
	cfg := retry.Config{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.BackoffBase,
		MaxDelay:     c.MaxBackoff,
		Multiplier:   c.BackoffMultiplier,
		AddJitter:    c.Jitter,
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}
