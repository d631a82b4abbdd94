// Package reporter delivers period overage to the payment processor exactly
// once. Only closed periods are reported. Each delivery is persisted as a
// ReportAttempt holding its pinned events before the external call, so every
// retry reuses the same idempotency key and quantity.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/smallbiznis/recon/internal/clock"
	"github.com/smallbiznis/recon/internal/config"
	"github.com/smallbiznis/recon/internal/jobqueue"
	"github.com/smallbiznis/recon/internal/observability/errortracker"
	"github.com/smallbiznis/recon/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recon/internal/observability/metrics"
	"github.com/smallbiznis/recon/internal/observability/tracing"
	"github.com/smallbiznis/recon/internal/processor"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobKind    = "usage.report"
	tracerName = "recon/usage/reporter"

	sweepLimit         = 500
	maxErrorMessage    = 1024
	defaultSettleDelay = 2 * time.Hour
)

const (
	OutcomeSucceeded      = "succeeded"
	OutcomeFailed         = "failed"
	OutcomeRequiresAction = "requires_action"
	OutcomeAbandoned      = "abandoned"
)

// ErrReportFailed marks a delivery failure that was recorded on the attempt.
// The attempt status, not the caller, drives what happens next.
var ErrReportFailed = errors.New("usage_report_failed")

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       usagedomain.Repository
	Subs       subscriptiondomain.Service
	Processor  processor.Client
	Jobs       jobqueue.Scheduler
	Reconcile  *config.ReconcileConfigHolder `optional:"true"`
	Tracker    *errortracker.Tracker         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

type Reporter struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       usagedomain.Repository
	subs       subscriptiondomain.Service
	processor  processor.Client
	jobs       jobqueue.Scheduler
	reconcile  *config.ReconcileConfigHolder
	tracker    *errortracker.Tracker
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Reporter {
	return &Reporter{
		log:        logger.Component(p.Log.Named("usage.reporter"), "usage_reporter"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		subs:       p.Subs,
		processor:  p.Processor,
		jobs:       p.Jobs,
		reconcile:  p.Reconcile,
		tracker:    p.Tracker,
		obsMetrics: p.ObsMetrics,
	}
}

// SweepResult counts the outcome of one dispatch sweep.
type SweepResult struct {
	Candidates int
	Dispatched int
	Failed     int
	Abandoned  int
}

// jobBody identifies the summary period to deliver. Retry jobs carry the
// retry budget so the handler can abandon the attempt when it runs out.
type jobBody struct {
	OrgID       snowflake.ID        `json:"org_id"`
	Feature     usagedomain.Feature `json:"feature"`
	PeriodStart time.Time           `json:"period_start"`
	PeriodEnd   time.Time           `json:"period_end"`
	Retry       bool                `json:"retry,omitempty"`
	MaxRetries  int                 `json:"max_retries,omitempty"`
}

// JobKey is the single-flight key for one summary period.
func JobKey(orgID snowflake.ID, feature usagedomain.Feature, start, end time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", JobKind, orgID, feature, formatPeriod(start), formatPeriod(end))
}

// IdempotencyKey is the processor key of one logical report.
func IdempotencyKey(orgID snowflake.ID, feature usagedomain.Feature, start, end time.Time, nonce string) string {
	return fmt.Sprintf("usage:%s:%s:%s:%s:%s", orgID, feature, formatPeriod(start), formatPeriod(end), nonce)
}

func formatPeriod(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// settleDelay is how long a closed period waits before it is reported.
func (r *Reporter) settleDelay() time.Duration {
	if r.reconcile == nil {
		return defaultSettleDelay
	}
	return r.reconcile.Get().Reporting.SettleDelay
}

// settled reports whether the summary period closed at least settleDelay ago.
func (r *Reporter) settled(summary *usagedomain.UsageSummary, now time.Time) bool {
	return !now.Before(summary.PeriodEnd.Add(r.settleDelay()))
}

// ReportAggregatedUsage delivers the unreported overage of one settled summary
// period. A missing summary, a period still open, or a period whose events are
// all billed is a no-op and yields nil. Delivery failures are recorded on the
// returned attempt and wrapped in ErrReportFailed.
func (r *Reporter) ReportAggregatedUsage(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature, periodStart, periodEnd time.Time) (*usagedomain.ReportAttempt, error) {
	return r.report(ctx, jobBody{
		OrgID:       orgID,
		Feature:     feature,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
	})
}

func (r *Reporter) report(ctx context.Context, body jobBody) (*usagedomain.ReportAttempt, error) {
	ctx, span := tracing.Start(ctx, tracerName, "usage.report",
		attribute.String("org_id", body.OrgID.String()),
		attribute.String("feature", string(body.Feature)),
		attribute.Bool("retry", body.Retry),
	)
	defer span.End()

	log := logger.WithContext(ctx, r.log).With(
		zap.String("org_id", body.OrgID.String()),
		zap.String("feature", string(body.Feature)),
		zap.Time("period_start", body.PeriodStart),
		zap.Time("period_end", body.PeriodEnd),
	)

	summary, err := r.repo.FindSummary(ctx, body.OrgID, body.Feature, body.PeriodStart, body.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("find summary: %w", err)
	}
	if summary == nil {
		log.Debug("nothing to report")
		return nil, nil
	}
	if !r.settled(summary, r.clock.Now()) {
		log.Debug("period not settled")
		return nil, nil
	}

	attempt, err := r.repo.FindOpenAttempt(ctx, summary.ID)
	if err != nil {
		return nil, fmt.Errorf("find open attempt: %w", err)
	}
	if attempt == nil {
		attempt, err = r.openAttempt(ctx, summary)
		if err != nil {
			return nil, err
		}
		if attempt == nil {
			log.Debug("no unreported overage")
			return nil, nil
		}
	}
	log = log.With(
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("idempotency_key", attempt.IdempotencyKey),
	)

	if body.Retry && body.MaxRetries > 0 && attempt.RetryCount >= body.MaxRetries {
		return attempt, r.abandon(ctx, log, attempt, "retry budget exhausted")
	}

	recordID, callErr := r.deliver(ctx, attempt)
	now := r.clock.Now()
	if callErr == nil {
		retryCount := attempt.RetryCount
		if body.Retry {
			retryCount++
		}
		err := r.repo.MarkReported(ctx, attempt, recordID, retryCount, now)
		if errors.Is(err, usagedomain.ErrAttemptClosed) {
			log.Info("attempt already closed by another delivery")
			return attempt, nil
		}
		if err != nil {
			return attempt, fmt.Errorf("mark reported: %w", err)
		}
		attempt.Status = usagedomain.ReportStatusSucceeded
		attempt.RetryCount = retryCount
		attempt.ProcessorRecordID = &recordID
		attempt.LastAttemptAt = &now
		r.obsMetrics.RecordUsageReport(ctx, string(attempt.Feature), OutcomeSucceeded)
		log.Info("usage reported",
			zap.Int64("quantity", attempt.Quantity),
			zap.String("processor_record_id", recordID),
		)
		return attempt, nil
	}

	span.RecordError(tracing.SafeError(callErr))
	span.SetStatus(codes.Error, "usage report failed")
	return attempt, r.recordFailure(ctx, log, attempt, body, callErr, now)
}

// openAttempt pins the unbilled events of the period to a new attempt and
// persists it before any external call. It returns nil when they add no
// overage.
func (r *Reporter) openAttempt(ctx context.Context, summary *usagedomain.UsageSummary) (*usagedomain.ReportAttempt, error) {
	now := r.clock.Now()
	nonce := uuid.NewString()
	attempt := &usagedomain.ReportAttempt{
		ID:             r.genID.Generate(),
		SummaryID:      summary.ID,
		OrgID:          summary.OrgID,
		Feature:        summary.Feature,
		PeriodStart:    summary.PeriodStart,
		PeriodEnd:      summary.PeriodEnd,
		Nonce:          nonce,
		IdempotencyKey: IdempotencyKey(summary.OrgID, summary.Feature, summary.PeriodStart, summary.PeriodEnd, nonce),
		Status:         usagedomain.ReportStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	opened, err := r.repo.OpenAttempt(ctx, attempt, func(pinned, reported int64) int64 {
		return usagedomain.UnreportedOverage(reported+pinned, pinned, summary.IncludedQuantity)
	})
	if err != nil {
		return nil, fmt.Errorf("open attempt: %w", err)
	}
	if !opened {
		return nil, nil
	}
	return attempt, nil
}

func (r *Reporter) deliver(ctx context.Context, attempt *usagedomain.ReportAttempt) (string, error) {
	item, err := r.subs.FindItemForFeature(ctx, attempt.OrgID, attempt.Feature)
	if errors.Is(err, subscriptiondomain.ErrItemNotFound) {
		return "", &processor.Error{
			Kind:    processor.KindPermanent,
			Code:    "missing_item_reference",
			Message: fmt.Sprintf("no subscription item for %s", attempt.Feature),
			Err:     err,
		}
	}
	if err != nil {
		return "", fmt.Errorf("find subscription item: %w", err)
	}

	return r.processor.ReportUsage(ctx, processor.UsageRecord{
		SubscriptionItemRef: item.ProcessorItemRef,
		Quantity:            attempt.Quantity,
		Timestamp:           recordTimestamp(attempt),
		IdempotencyKey:      attempt.IdempotencyKey,
	})
}

// recordTimestamp is the last second of the period, derived from persisted
// fields so a retried request is identical to the first one.
func recordTimestamp(attempt *usagedomain.ReportAttempt) time.Time {
	return attempt.PeriodEnd.Add(-time.Second)
}

func (r *Reporter) recordFailure(ctx context.Context, log *zap.Logger, attempt *usagedomain.ReportAttempt, body jobBody, callErr error, now time.Time) error {
	kind := usagedomain.ErrorKindTransient
	status := usagedomain.ReportStatusFailed
	outcome := OutcomeFailed
	if processor.IsPermanent(callErr) {
		kind = usagedomain.ErrorKindPermanent
		status = usagedomain.ReportStatusRequiresAction
		outcome = OutcomeRequiresAction
	}

	retryCount := attempt.RetryCount
	if body.Retry {
		retryCount++
		if status == usagedomain.ReportStatusFailed && body.MaxRetries > 0 && retryCount >= body.MaxRetries {
			status = usagedomain.ReportStatusAbandoned
			outcome = OutcomeAbandoned
		}
	}

	message := truncate(callErr.Error(), maxErrorMessage)
	if err := r.repo.UpdateAttempt(ctx, attempt.ID, map[string]any{
		"status":          status,
		"error_kind":      kind,
		"error_message":   message,
		"retry_count":     retryCount,
		"last_attempt_at": now,
		"updated_at":      now,
	}); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	attempt.Status = status
	attempt.ErrorKind = &kind
	attempt.ErrorMessage = &message
	attempt.RetryCount = retryCount
	attempt.LastAttemptAt = &now

	r.obsMetrics.RecordUsageReport(ctx, string(attempt.Feature), outcome)
	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.String("error_kind", string(kind)),
		zap.Int("retry_count", retryCount),
		zap.Error(callErr),
	}
	switch status {
	case usagedomain.ReportStatusFailed:
		log.Warn("usage report failed", fields...)
	default:
		log.Error("usage report needs attention", fields...)
		r.capture(ctx, attempt, callErr)
	}
	return fmt.Errorf("%w: %w", ErrReportFailed, callErr)
}

func (r *Reporter) abandon(ctx context.Context, log *zap.Logger, attempt *usagedomain.ReportAttempt, reason string) error {
	now := r.clock.Now()
	if err := r.repo.UpdateAttempt(ctx, attempt.ID, map[string]any{
		"status":     usagedomain.ReportStatusAbandoned,
		"updated_at": now,
	}); err != nil {
		return fmt.Errorf("abandon attempt: %w", err)
	}
	attempt.Status = usagedomain.ReportStatusAbandoned
	r.obsMetrics.RecordUsageReport(ctx, string(attempt.Feature), OutcomeAbandoned)
	log.Error("usage report abandoned", zap.String("reason", reason), zap.Int("retry_count", attempt.RetryCount))
	r.capture(ctx, attempt, fmt.Errorf("%w: %s", ErrReportFailed, reason))
	return nil
}

func (r *Reporter) capture(ctx context.Context, attempt *usagedomain.ReportAttempt, err error) {
	r.tracker.Capture(ctx, err, map[string]string{
		"component":  "usage_reporter",
		"org_id":     attempt.OrgID.String(),
		"feature":    string(attempt.Feature),
		"attempt_id": attempt.ID.String(),
	})
}

// ReportAll dispatches one report job per settled summary with unbilled
// overage.
func (r *Reporter) ReportAll(ctx context.Context) (SweepResult, error) {
	closedBy := r.clock.Now().Add(-r.settleDelay())
	summaries, err := r.repo.ListReportableSummaries(ctx, closedBy, sweepLimit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list reportable summaries: %w", err)
	}

	result := SweepResult{Candidates: len(summaries)}
	now := r.clock.Now()
	for _, s := range summaries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		body := jobBody{OrgID: s.OrgID, Feature: s.Feature, PeriodStart: s.PeriodStart, PeriodEnd: s.PeriodEnd}
		if err := r.dispatch(ctx, body, now); err != nil {
			result.Failed++
			r.log.Warn("report dispatch failed",
				zap.String("summary_id", s.ID.String()),
				zap.Error(err),
			)
			continue
		}
		result.Dispatched++
	}
	return result, nil
}

// RetryFailedReports dispatches FAILED attempts still within maxRetries and
// abandons those that are not.
func (r *Reporter) RetryFailedReports(ctx context.Context, maxRetries int) (SweepResult, error) {
	if maxRetries <= 0 {
		return SweepResult{}, fmt.Errorf("max retries must be positive, got %d", maxRetries)
	}

	failed, err := r.repo.ListAttempts(ctx, []usagedomain.ReportStatus{usagedomain.ReportStatusFailed}, sweepLimit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list failed attempts: %w", err)
	}
	retryable, exhausted := lo.FilterReject(failed, func(a usagedomain.ReportAttempt, _ int) bool {
		return a.RetryCount < maxRetries
	})

	var result SweepResult
	var errs []error
	for i := range exhausted {
		a := &exhausted[i]
		log := r.log.With(zap.String("attempt_id", a.ID.String()), zap.String("idempotency_key", a.IdempotencyKey))
		if err := r.abandon(ctx, log, a, "retry budget exhausted"); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Abandoned++
	}

	result.Candidates = len(retryable)
	now := r.clock.Now()
	for _, a := range retryable {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		body := jobBody{
			OrgID:       a.OrgID,
			Feature:     a.Feature,
			PeriodStart: a.PeriodStart,
			PeriodEnd:   a.PeriodEnd,
			Retry:       true,
			MaxRetries:  maxRetries,
		}
		if err := r.dispatch(ctx, body, now); err != nil {
			result.Failed++
			r.log.Warn("retry dispatch failed",
				zap.String("attempt_id", a.ID.String()),
				zap.Error(err),
			)
			continue
		}
		result.Dispatched++
	}
	return result, errors.Join(errs...)
}

func (r *Reporter) dispatch(ctx context.Context, body jobBody, runAt time.Time) error {
	payload, err := jobqueue.NewPayload(JobKind, body)
	if err != nil {
		return err
	}
	return r.jobs.Schedule(ctx, JobKey(body.OrgID, body.Feature, body.PeriodStart, body.PeriodEnd), runAt, payload)
}

// HandleJob runs a dispatched report. Recorded delivery failures complete the
// job; the attempt status decides whether the retry sweep picks it up.
func (r *Reporter) HandleJob(ctx context.Context, job jobqueue.Job) error {
	var body jobBody
	if err := job.Decode(&body); err != nil {
		return jobqueue.Permanent(fmt.Errorf("decode %s: %w", job.Key, err))
	}
	_, err := r.report(ctx, body)
	if errors.Is(err, ErrReportFailed) {
		return nil
	}
	return err
}

// ListAttempts returns report attempts for ops, newest first. No statuses
// means all of them.
func (r *Reporter) ListAttempts(ctx context.Context, limit int, statuses ...usagedomain.ReportStatus) ([]usagedomain.ReportAttempt, error) {
	if limit <= 0 || limit > sweepLimit {
		limit = 100
	}
	return r.repo.ListAttempts(ctx, statuses, limit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
