package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/recon/internal/clock"
	"github.com/smallbiznis/recon/internal/config"
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"github.com/smallbiznis/recon/internal/lock"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	"github.com/smallbiznis/recon/internal/usage/aggregator"
	"github.com/smallbiznis/recon/internal/usage/reporter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobAggregateUsage     = "aggregate_usage"
	JobReportUsage        = "report_usage"
	JobRetryFailedReports = "retry_failed_reports"
	JobDunningRecovery    = "dunning_recovery"

	leaderKey = "recon:scheduler"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type UsageAggregator interface {
	AggregateAll(ctx context.Context) (aggregator.SweepResult, error)
}

type UsageReporter interface {
	ReportAll(ctx context.Context) (reporter.SweepResult, error)
	RetryFailedReports(ctx context.Context, maxRetries int) (reporter.SweepResult, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Aggregator UsageAggregator
	Reporter   UsageReporter
	Dunning    dunningdomain.Service         `optional:"true"`
	Locker     *lock.Locker                  `optional:"true"`
	Reconcile  *config.ReconcileConfigHolder `optional:"true"`
	Config     Config                        `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	aggregator UsageAggregator
	reporter   UsageReporter
	dunning    dunningdomain.Service
	locker     *lock.Locker
	reconcile  *config.ReconcileConfigHolder

	mu          sync.Mutex
	lastRun     map[string]time.Time
	leaderToken string
}

type sweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Aggregator == nil || p.Reporter == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		aggregator: p.Aggregator,
		reporter:   p.Reporter,
		dunning:    p.Dunning,
		locker:     p.Locker,
		reconcile:  p.Reconcile,
		lastRun:    make(map[string]time.Time),
	}, nil
}

// current overlays the live reconcile snapshot on the static config so a
// reload changes the sweep cadence on the next tick.
func (s *Scheduler) current() Config {
	cfg := s.cfg
	if s.reconcile == nil {
		return cfg
	}
	live := s.reconcile.Get()
	if live.Sweeps.AggregateInterval > 0 {
		cfg.AggregateInterval = live.Sweeps.AggregateInterval
	}
	if live.Sweeps.ReportInterval > 0 {
		cfg.ReportInterval = live.Sweeps.ReportInterval
	}
	if live.Sweeps.RetryInterval > 0 {
		cfg.RetryInterval = live.Sweeps.RetryInterval
	}
	if live.Reporting.MaxRetries > 0 {
		cfg.MaxReportRetries = live.Reporting.MaxRetries
	}
	return cfg
}

func (s *Scheduler) sweeps(cfg Config) []sweep {
	sweeps := []sweep{
		{JobAggregateUsage, cfg.AggregateInterval, s.AggregateUsageJob},
		{JobReportUsage, cfg.ReportInterval, s.ReportUsageJob},
		{JobRetryFailedReports, cfg.RetryInterval, func(ctx context.Context) error {
			return s.RetryFailedReportsJob(ctx, cfg.MaxReportRetries)
		}},
	}
	if s.dunning != nil {
		sweeps = append(sweeps, sweep{JobDunningRecovery, cfg.RecoveryInterval, func(ctx context.Context) error {
			return s.DunningRecoveryJob(ctx, cfg.RecoveryThreshold, cfg.RecoveryBatchSize)
		}})
	}
	return sweeps
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled sweep whose interval elapsed since its last run.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if !s.acquireLeadership(parent) {
		obsmetrics.Scheduler().IncBatchDeferred("tick", obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}

	cfg := s.current()
	var err error
	for _, sw := range s.sweeps(cfg) {
		if !s.isJobEnabled(sw.name) {
			continue
		}
		now := s.clock.Now()
		if !s.due(sw.name, sw.interval, now) {
			continue
		}
		// marked before running so a failing sweep waits a full interval
		s.markRun(sw.name, now)
		if jobErr := s.runJob(parent, sw.name, cfg.SweepTimeout, sw.run); jobErr != nil {
			s.logSchedulerError(parent, "scheduler.job.failed", sw.name, jobErr)
			err = errors.Join(err, jobErr)
		}
	}
	return err
}

func (s *Scheduler) due(name string, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	if !ok {
		return true
	}
	if !now.Before(last.Add(interval)) {
		return true
	}
	obsmetrics.Scheduler().IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonNotDue)
	return false
}

func (s *Scheduler) markRun(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[name] = at
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	defer s.releaseLeadership()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every sweep
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) AggregateUsageJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	result, err := s.aggregator.AggregateAll(ctx)
	if err != nil {
		return err
	}
	run.AddProcessed(result.Dispatched)
	run.AddErrors(result.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobAggregateUsage, "usage_stream", result.Dispatched)
	return nil
}

func (s *Scheduler) ReportUsageJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	result, err := s.reporter.ReportAll(ctx)
	if err != nil {
		return err
	}
	run.AddProcessed(result.Dispatched)
	run.AddErrors(result.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobReportUsage, "usage_summary", result.Dispatched)
	return nil
}

func (s *Scheduler) RetryFailedReportsJob(ctx context.Context, maxRetries int) error {
	run := jobRunFromContext(ctx)
	result, err := s.reporter.RetryFailedReports(ctx, maxRetries)
	run.AddProcessed(result.Dispatched + result.Abandoned)
	run.AddErrors(result.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobRetryFailedReports, "report_attempt", result.Dispatched)
	if result.Abandoned > 0 {
		s.logger(ctx).Warn("report attempts abandoned",
			zap.Int("abandoned", result.Abandoned),
			zap.Int("max_retries", maxRetries),
		)
	}
	return err
}

// DunningRecoveryJob re-arms retry jobs for open dunning states that fell
// more than threshold behind their next retry.
func (s *Scheduler) DunningRecoveryJob(ctx context.Context, threshold time.Duration, batchSize int) error {
	run := jobRunFromContext(ctx)
	cutoff := s.clock.Now().Add(-threshold)
	recovered, err := s.dunning.RecoverOverdue(ctx, cutoff, batchSize)
	run.AddProcessed(recovered)
	obsmetrics.Scheduler().AddBatchProcessed(JobDunningRecovery, "dunning_state", recovered)
	return err
}

// acquireLeadership keeps or takes the scheduler lease. Without Redis every
// replica is a leader.
func (s *Scheduler) acquireLeadership(ctx context.Context) bool {
	if !s.locker.Enabled() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaderToken != "" {
		held, err := s.locker.Extend(ctx, leaderKey, s.leaderToken, s.cfg.LeaderTTL)
		if err != nil {
			s.log.Warn("extend scheduler lease failed", zap.Error(err))
			return false
		}
		if held {
			return true
		}
		s.log.Warn("scheduler lease lost")
		s.leaderToken = ""
	}

	token, ok, err := s.locker.TryLock(ctx, leaderKey, s.cfg.LeaderTTL)
	if err != nil {
		s.log.Warn("acquire scheduler lease failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	s.leaderToken = token
	s.log.Info("scheduler lease acquired", zap.Duration("ttl", s.cfg.LeaderTTL))
	return true
}

func (s *Scheduler) releaseLeadership() {
	s.mu.Lock()
	token := s.leaderToken
	s.leaderToken = ""
	s.mu.Unlock()
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, leaderKey, token); err != nil {
		s.log.Warn("release scheduler lease failed", zap.Error(err))
	}
}
