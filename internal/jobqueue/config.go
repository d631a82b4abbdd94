package jobqueue

import (
	"time"

	"github.com/smallbiznis/recon/internal/config"
)

type Config struct {
	Workers        int
	BatchSize      int
	MaxAttempts    int
	PollInterval   time.Duration
	LeaseDuration  time.Duration
	HandlerTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

func ConfigFrom(cfg config.JobQueueConfig) Config {
	return Config{
		Workers:        cfg.Workers,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		PollInterval:   cfg.PollInterval,
		LeaseDuration:  cfg.LeaseDuration,
		HandlerTimeout: cfg.HandlerTimeout,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 90 * time.Second
	}
	if c.LeaseDuration <= c.HandlerTimeout {
		c.LeaseDuration = c.HandlerTimeout + 30*time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 30 * time.Minute
	}
	return c
}

// backoff returns the delay before the given attempt is retried: base * 2^(attempt-1), capped.
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return delay
}
