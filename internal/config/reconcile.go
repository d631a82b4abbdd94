package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconcileConfig holds the tunables of the reconciliation core. Snapshots
// are immutable; a reload swaps the whole value.
type ReconcileConfig struct {
	Dunning   DunningConfig   `mapstructure:"dunning"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Sweeps    SweepConfig     `mapstructure:"sweeps"`
	JobQueue  JobQueueConfig  `mapstructure:"jobQueue"`
}

type DunningStep struct {
	Day      int    `mapstructure:"day"`
	State    string `mapstructure:"state"`
	Notify   bool   `mapstructure:"notify"`
	Template string `mapstructure:"template"`
}

type DunningConfig struct {
	Calendar []DunningStep `mapstructure:"calendar"`
}

type ReportingConfig struct {
	MaxRetries int `mapstructure:"maxRetries"`
	// SettleDelay is how long after a period closes its usage is held back
	// from reporting so late events and the final aggregation land first.
	SettleDelay time.Duration `mapstructure:"settleDelay"`
}

type SweepConfig struct {
	AggregateInterval time.Duration `mapstructure:"aggregateInterval"`
	ReportInterval    time.Duration `mapstructure:"reportInterval"`
	RetryInterval     time.Duration `mapstructure:"retryInterval"`
}

type JobQueueConfig struct {
	Workers        int           `mapstructure:"workers"`
	BatchSize      int           `mapstructure:"batchSize"`
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	PollInterval   time.Duration `mapstructure:"pollInterval"`
	LeaseDuration  time.Duration `mapstructure:"leaseDuration"`
	HandlerTimeout time.Duration `mapstructure:"handlerTimeout"`
	BaseBackoff    time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Dunning: DunningConfig{
			Calendar: []DunningStep{
				{Day: 0, State: "RETRYING"},
				{Day: 3, State: "WARNING_SENT", Notify: true, Template: "dunning.warning"},
				{Day: 7, State: "ACTION_REQUIRED", Notify: true, Template: "dunning.action_required"},
				{Day: 14, State: "FINAL_WARNING", Notify: true, Template: "dunning.final_warning"},
				{Day: 21, State: "SUSPENDED", Notify: true, Template: "dunning.suspended"},
			},
		},
		Reporting: ReportingConfig{MaxRetries: 5, SettleDelay: 2 * time.Hour},
		Sweeps: SweepConfig{
			AggregateInterval: time.Hour,
			ReportInterval:    24 * time.Hour,
			RetryInterval:     6 * time.Hour,
		},
		JobQueue: JobQueueConfig{
			Workers:        8,
			BatchSize:      32,
			MaxAttempts:    10,
			PollInterval:   2 * time.Second,
			LeaseDuration:  2 * time.Minute,
			HandlerTimeout: 90 * time.Second,
			BaseBackoff:    5 * time.Second,
			MaxBackoff:     30 * time.Minute,
		},
	}
}

type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
}

// NewStaticReconcileConfigHolder returns a holder that never reloads.
func NewStaticReconcileConfigHolder(cfg ReconcileConfig) *ReconcileConfigHolder {
	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewReconcileConfigHolder(cfg Config, log *zap.Logger) (*ReconcileConfigHolder, error) {
	log = log.Named("reconcile-config")
	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	if cfg.ReconcileConfigDir != "" {
		v.AddConfigPath(cfg.ReconcileConfigDir)
	}
	v.AddConfigPath("/etc/recon")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultReconcileConfig())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
		log.Info("config file not found, using defaults")
	}

	parsed, err := decode(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticReconcileConfigHolder(parsed)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decode(v)
		if err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ReconcileConfigHolder) Get() ReconcileConfig {
	return h.current.Load().(ReconcileConfig)
}

func setDefaults(v *viper.Viper, d ReconcileConfig) {
	v.SetDefault("dunning.calendar", d.Dunning.Calendar)
	v.SetDefault("reporting.maxRetries", d.Reporting.MaxRetries)
	v.SetDefault("reporting.settleDelay", d.Reporting.SettleDelay)
	v.SetDefault("sweeps.aggregateInterval", d.Sweeps.AggregateInterval)
	v.SetDefault("sweeps.reportInterval", d.Sweeps.ReportInterval)
	v.SetDefault("sweeps.retryInterval", d.Sweeps.RetryInterval)
	v.SetDefault("jobQueue.workers", d.JobQueue.Workers)
	v.SetDefault("jobQueue.batchSize", d.JobQueue.BatchSize)
	v.SetDefault("jobQueue.maxAttempts", d.JobQueue.MaxAttempts)
	v.SetDefault("jobQueue.pollInterval", d.JobQueue.PollInterval)
	v.SetDefault("jobQueue.leaseDuration", d.JobQueue.LeaseDuration)
	v.SetDefault("jobQueue.handlerTimeout", d.JobQueue.HandlerTimeout)
	v.SetDefault("jobQueue.baseBackoff", d.JobQueue.BaseBackoff)
	v.SetDefault("jobQueue.maxBackoff", d.JobQueue.MaxBackoff)
}

func decode(v *viper.Viper) (ReconcileConfig, error) {
	var cfg ReconcileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ReconcileConfig{}, err
	}
	if err := ValidateReconcileConfig(cfg); err != nil {
		return ReconcileConfig{}, err
	}
	return cfg, nil
}

func ValidateReconcileConfig(cfg ReconcileConfig) error {
	steps := cfg.Dunning.Calendar
	if len(steps) < 2 {
		return errors.New("dunning.calendar needs at least two steps")
	}
	if steps[0].Day != 0 {
		return errors.New("dunning.calendar must start at day 0")
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Day <= steps[i-1].Day {
			return fmt.Errorf("dunning.calendar day %d is not after day %d", steps[i].Day, steps[i-1].Day)
		}
	}
	if !strings.EqualFold(steps[len(steps)-1].State, "SUSPENDED") {
		return errors.New("dunning.calendar must end in SUSPENDED")
	}
	if cfg.Reporting.MaxRetries <= 0 {
		return errors.New("reporting.maxRetries must be positive")
	}
	if cfg.Reporting.SettleDelay < 0 {
		return errors.New("reporting.settleDelay must not be negative")
	}
	if cfg.Sweeps.AggregateInterval <= 0 || cfg.Sweeps.ReportInterval <= 0 || cfg.Sweeps.RetryInterval <= 0 {
		return errors.New("sweeps intervals must be positive")
	}
	return nil
}
