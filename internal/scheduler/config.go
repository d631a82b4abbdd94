package scheduler

import (
	"time"

	"github.com/smallbiznis/recon/internal/config"
)

// Config controls the tick rate, the sweep cadence and leadership.
type Config struct {
	RunInterval       time.Duration
	AggregateInterval time.Duration
	ReportInterval    time.Duration
	RetryInterval     time.Duration
	RecoveryInterval  time.Duration
	// RecoveryThreshold is how far past its next retry a dunning state must be
	// before its job is considered lost.
	RecoveryThreshold time.Duration
	RecoveryBatchSize int
	MaxReportRetries  int
	SweepTimeout      time.Duration
	LeaderTTL         time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	sweeps := config.DefaultReconcileConfig().Sweeps
	return Config{
		RunInterval:       time.Minute,
		AggregateInterval: sweeps.AggregateInterval,
		ReportInterval:    sweeps.ReportInterval,
		RetryInterval:     sweeps.RetryInterval,
		RecoveryInterval:  15 * time.Minute,
		RecoveryThreshold: time.Hour,
		RecoveryBatchSize: 200,
		MaxReportRetries:  config.DefaultReconcileConfig().Reporting.MaxRetries,
		SweepTimeout:      5 * time.Minute,
		LeaderTTL:         3 * time.Minute,
	}
}

// ConfigFrom seeds the sweep cadence from the reconcile snapshot.
func ConfigFrom(cfg config.ReconcileConfig) Config {
	c := DefaultConfig()
	c.AggregateInterval = cfg.Sweeps.AggregateInterval
	c.ReportInterval = cfg.Sweeps.ReportInterval
	c.RetryInterval = cfg.Sweeps.RetryInterval
	c.MaxReportRetries = cfg.Reporting.MaxRetries
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.AggregateInterval <= 0 {
		c.AggregateInterval = defaults.AggregateInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = defaults.ReportInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaults.RetryInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaults.RecoveryInterval
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = defaults.RecoveryBatchSize
	}
	if c.MaxReportRetries <= 0 {
		c.MaxReportRetries = defaults.MaxReportRetries
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.LeaderTTL <= c.RunInterval {
		c.LeaderTTL = 3 * c.RunInterval
	}
	return c
}
