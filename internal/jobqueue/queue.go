package jobqueue

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/recon/internal/clock"
	"github.com/smallbiznis/recon/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	"github.com/smallbiznis/recon/internal/observability/tracing"
	"github.com/smallbiznis/recon/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const tracerName = "recon/jobqueue"

const maxErrorLength = 1024

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Config  Config                      `optional:"true"`
	Metrics *obsmetrics.JobQueueMetrics `optional:"true"`
}

type Queue struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	cfg     Config
	metrics *obsmetrics.JobQueueMetrics

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(p Params) *Queue {
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.JobQueue()
	}
	return &Queue{
		db:       p.DB,
		log:      logger.Component(p.Log.Named("jobqueue"), "jobqueue"),
		clock:    p.Clock,
		cfg:      p.Config.withDefaults(),
		metrics:  metrics,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job kind. Registering a kind twice replaces the handler.
func (q *Queue) Register(kind string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (HandlerFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Schedule creates or replaces the job stored under key. Replacing bumps the
// generation so a run in flight for the previous payload cannot delete it.
func (q *Queue) Schedule(ctx context.Context, key string, runAt time.Time, payload Payload) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	if strings.TrimSpace(payload.Kind) == "" {
		return ErrInvalidKind
	}

	body := datatypes.JSON(payload.Body)
	if len(body) == 0 {
		body = datatypes.JSON("{}")
	}
	now := q.clock.Now()
	runAt = runAt.UTC()
	row := ScheduledJob{
		JobKey:      key,
		Kind:        payload.Kind,
		Payload:     body,
		RunAt:       runAt,
		MaxAttempts: q.cfg.MaxAttempts,
		Generation:  1,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"kind":         payload.Kind,
			"payload":      body,
			"run_at":       runAt,
			"attempts":     0,
			"max_attempts": q.cfg.MaxAttempts,
			"generation":   gorm.Expr("generation + 1"),
			"status":       StatusPending,
			"last_error":   nil,
			"updated_at":   now,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}

	q.log.Debug("job scheduled",
		zap.String("job_key", key),
		zap.String("kind", payload.Kind),
		zap.Time("run_at", runAt),
	)
	return nil
}

// Cancel removes the job stored under key. Cancelling an unknown key is a no-op.
func (q *Queue) Cancel(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	res := q.db.WithContext(ctx).Where("job_key = ?", key).Delete(&ScheduledJob{})
	if res.Error != nil {
		return fmt.Errorf("cancel %s: %w", key, res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Debug("job cancelled", zap.String("job_key", key))
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, key string) (*ScheduledJob, error) {
	var job ScheduledJob
	err := q.db.WithContext(ctx).Where("job_key = ?", key).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListDead returns jobs that exhausted their attempts or failed permanently.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]ScheduledJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []ScheduledJob
	err := q.db.WithContext(ctx).
		Where("status = ?", StatusDead).
		Order("updated_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// RunOnce claims one batch of due jobs and runs them on the worker pool.
// It returns the number of jobs claimed. Handler failures are recorded on
// the job rows; only storage failures are returned.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	claimed, err := q.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(q.cfg.Workers)
	for _, c := range claimed {
		g.Go(func() error {
			return q.execute(ctx, c)
		})
	}
	return len(claimed), g.Wait()
}

// RunForever polls until ctx is done. Full batches are drained without waiting.
func (q *Queue) RunForever(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := q.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("job queue poll failed",
				zap.Error(err),
				zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
				zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
			)
		}
		if n >= q.cfg.BatchSize && err == nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type claimedJob struct {
	row   ScheduledJob
	token string
}

func (q *Queue) claim(ctx context.Context) ([]claimedJob, error) {
	now := q.clock.Now()
	leaseUntil := now.Add(q.cfg.LeaseDuration)
	var claimed []claimedJob

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&ScheduledJob{}).
			Where("status = ? AND run_at <= ?", StatusPending, now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("run_at ASC").
			Limit(q.cfg.BatchSize)
		if db.SupportsSkipLocked(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []ScheduledJob
		if err := query.Find(&candidates).Error; err != nil {
			return err
		}

		for _, candidate := range candidates {
			token := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
			res := tx.Model(&ScheduledJob{}).
				Where("job_key = ? AND generation = ? AND status = ?", candidate.JobKey, candidate.Generation, StatusPending).
				Where("(locked_until IS NULL OR locked_until < ?)", now).
				Updates(map[string]any{
					"locked_by":    token,
					"locked_until": leaseUntil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}
			candidate.LockedBy = &token
			candidate.LockedUntil = &leaseUntil
			claimed = append(claimed, claimedJob{row: candidate, token: token})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	for _, c := range claimed {
		q.metrics.ObserveClaim(c.row.Kind, now.Sub(c.row.RunAt))
	}
	return claimed, nil
}

func (q *Queue) execute(parent context.Context, c claimedJob) error {
	job := c.row.toJob()
	started := time.Now()

	ctx, span := tracing.Start(parent, tracerName, "jobqueue.execute",
		attribute.String("job.key", job.Key),
		attribute.String("job.kind", job.Kind),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer span.End()

	log := logger.WithContext(ctx, q.log).With(
		zap.String("job_key", job.Key),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempt),
	)

	runErr := q.invoke(ctx, job)
	var (
		outcome  string
		storeErr error
	)
	if runErr == nil {
		outcome, storeErr = q.complete(ctx, c)
	} else {
		span.RecordError(tracing.SafeError(runErr))
		span.SetStatus(codes.Error, "job failed")
		outcome, storeErr = q.fail(ctx, c, runErr)
	}
	q.metrics.ObserveCompletion(job.Kind, outcome, time.Since(started))

	switch outcome {
	case obsmetrics.JobOutcomeSucceeded:
		log.Debug("job succeeded", zap.Duration("duration", time.Since(started)))
	case obsmetrics.JobOutcomeRetried:
		log.Warn("job failed, will retry", zap.Error(runErr))
	case obsmetrics.JobOutcomeDead:
		log.Error("job moved to dead letter", zap.Error(runErr))
	case obsmetrics.JobOutcomeSuperseded:
		log.Debug("job superseded while running", zap.NamedError("run_error", runErr))
	}
	if storeErr != nil {
		return fmt.Errorf("%s: %w", job.Key, storeErr)
	}
	return nil
}

func (q *Queue) invoke(parent context.Context, job Job) (err error) {
	h, ok := q.handler(job.Kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}

	ctx, cancel := context.WithTimeout(parent, q.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job handler panic",
				zap.String("job_key", job.Key),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// complete deletes the job if it was not rescheduled during the run.
// A rescheduled job only has its lease released.
func (q *Queue) complete(ctx context.Context, c claimedJob) (string, error) {
	ctx = context.WithoutCancel(ctx)
	res := q.db.WithContext(ctx).
		Where("job_key = ? AND generation = ? AND locked_by = ?", c.row.JobKey, c.row.Generation, c.token).
		Delete(&ScheduledJob{})
	if res.Error != nil {
		return obsmetrics.JobOutcomeSucceeded, res.Error
	}
	if res.RowsAffected == 1 {
		return obsmetrics.JobOutcomeSucceeded, nil
	}
	return obsmetrics.JobOutcomeSuperseded, q.release(ctx, c)
}

func (q *Queue) fail(ctx context.Context, c claimedJob, runErr error) (string, error) {
	ctx = context.WithoutCancel(ctx)
	now := q.clock.Now()
	attempts := c.row.Attempts + 1
	maxAttempts := c.row.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	msg := truncate(runErr.Error(), maxErrorLength)

	updates := map[string]any{
		"attempts":     attempts,
		"last_error":   msg,
		"locked_by":    nil,
		"locked_until": nil,
		"updated_at":   now,
	}
	outcome := obsmetrics.JobOutcomeRetried
	if errors.Is(runErr, ErrPermanent) || attempts >= maxAttempts {
		updates["status"] = StatusDead
		outcome = obsmetrics.JobOutcomeDead
	} else {
		updates["run_at"] = now.Add(q.cfg.backoff(attempts))
	}

	res := q.db.WithContext(ctx).Model(&ScheduledJob{}).
		Where("job_key = ? AND generation = ? AND locked_by = ?", c.row.JobKey, c.row.Generation, c.token).
		Updates(updates)
	if res.Error != nil {
		return outcome, res.Error
	}
	if res.RowsAffected == 1 {
		return outcome, nil
	}
	return obsmetrics.JobOutcomeSuperseded, q.release(ctx, c)
}

func (q *Queue) release(ctx context.Context, c claimedJob) error {
	return q.db.WithContext(ctx).Model(&ScheduledJob{}).
		Where("job_key = ? AND locked_by = ?", c.row.JobKey, c.token).
		Updates(map[string]any{
			"locked_by":    nil,
			"locked_until": nil,
		}).Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
