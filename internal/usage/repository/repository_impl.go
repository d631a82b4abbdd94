package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"github.com/smallbiznis/recon/pkg/db/option"
	"github.com/smallbiznis/recon/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db       *gorm.DB
	quotas   repository.Repository[usagedomain.UsageQuota]
	attempts repository.Repository[usagedomain.ReportAttempt]
}

func Provide(db *gorm.DB) usagedomain.Repository {
	return &repo{
		db:       db,
		quotas:   repository.ProvideStore[usagedomain.UsageQuota](db),
		attempts: repository.ProvideStore[usagedomain.ReportAttempt](db),
	}
}

// InsertEvent reports false when an event with the same idempotency key already exists.
func (r *repo) InsertEvent(ctx context.Context, event *usagedomain.UsageEvent) (bool, error) {
	if event.IdempotencyKey == nil {
		if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
			return false, err
		}
		return true, nil
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindEventByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*usagedomain.UsageEvent, error) {
	var event usagedomain.UsageEvent
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idempotency_key = ?", orgID, key).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) ListActivePairs(ctx context.Context, since time.Time) ([]usagedomain.OrgFeature, error) {
	var rows []usagedomain.OrgFeature
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id, feature
		 FROM usage_events
		 WHERE occurred_at >= ?
		 ORDER BY org_id, feature`,
		since,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) SumQuantity(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature, start, end time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM usage_events
		 WHERE org_id = ? AND feature = ? AND occurred_at >= ? AND occurred_at < ?`,
		orgID, feature, start, end,
	).Scan(&total).Error
	return total, err
}

func (r *repo) FindActiveQuota(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature) (*usagedomain.UsageQuota, error) {
	return r.quotas.FindOne(ctx,
		&usagedomain.UsageQuota{OrgID: orgID, Feature: feature},
		option.WithWhere("is_active = ?", true),
		option.WithOrder("updated_at DESC"),
	)
}

// UpsertSummary writes the recomputed totals. The reported columns are never
// part of the update so a reported summary stays reported.
func (r *repo) UpsertSummary(ctx context.Context, summary *usagedomain.UsageSummary) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "org_id"},
				{Name: "feature"},
				{Name: "period_start"},
				{Name: "period_end"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_quantity",
				"included_quantity",
				"overage_quantity",
				"overage_amount",
				"currency",
				"updated_at",
			}),
		}).
		Create(summary).Error
}

func (r *repo) FindSummary(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature, start, end time.Time) (*usagedomain.UsageSummary, error) {
	var summary usagedomain.UsageSummary
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND feature = ? AND period_start = ? AND period_end = ?", orgID, feature, start, end).
		Take(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListReportableSummaries returns summaries with overage whose period closed
// by closedBy and whose delivery is not parked in a failed state. A reported
// summary is returned again while its window holds events no attempt has
// pinned, so late usage is billed in a follow-up report.
func (r *repo) ListReportableSummaries(ctx context.Context, closedBy time.Time, limit int) ([]usagedomain.UsageSummary, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []usagedomain.UsageSummary
	err := r.db.WithContext(ctx).
		Where("overage_quantity > 0 AND period_end <= ?", closedBy).
		Where(`(reported_to_processor = ? OR EXISTS (
			SELECT 1 FROM usage_events e
			WHERE e.org_id = usage_summaries.org_id
			  AND e.feature = usage_summaries.feature
			  AND e.occurred_at >= usage_summaries.period_start
			  AND e.occurred_at < usage_summaries.period_end
			  AND e.reported = ?
			  AND e.report_attempt_id IS NULL
		))`, false, false).
		Where(`NOT EXISTS (
			SELECT 1 FROM usage_report_attempts a
			WHERE a.summary_id = usage_summaries.id AND a.status IN ?
		)`, []usagedomain.ReportStatus{
			usagedomain.ReportStatusFailed,
			usagedomain.ReportStatusRequiresAction,
			usagedomain.ReportStatusAbandoned,
		}).
		Order("period_start ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) CreateAttempt(ctx context.Context, attempt *usagedomain.ReportAttempt) error {
	return r.attempts.Create(ctx, attempt)
}

var errNothingToReport = errors.New("nothing to report")

// OpenAttempt pins every unreported event of the attempt window that no other
// attempt holds, then persists the attempt with the quantity billed for them.
// Nothing is kept, and false returned, when that quantity is not positive.
func (r *repo) OpenAttempt(ctx context.Context, attempt *usagedomain.ReportAttempt, quantity usagedomain.QuantityFunc) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&usagedomain.UsageEvent{}).
			Where("org_id = ? AND feature = ? AND occurred_at >= ? AND occurred_at < ?",
				attempt.OrgID, attempt.Feature, attempt.PeriodStart, attempt.PeriodEnd).
			Where("reported = ? AND report_attempt_id IS NULL", false).
			Update("report_attempt_id", attempt.ID).Error; err != nil {
			return err
		}

		var pinned struct {
			Total int64
			MaxID int64
		}
		if err := tx.Raw(
			`SELECT COALESCE(SUM(quantity), 0) AS total, COALESCE(MAX(id), 0) AS max_id
			 FROM usage_events
			 WHERE report_attempt_id = ?`,
			attempt.ID,
		).Scan(&pinned).Error; err != nil {
			return err
		}

		var reported int64
		if err := tx.Raw(
			`SELECT COALESCE(SUM(quantity), 0)
			 FROM usage_events
			 WHERE org_id = ? AND feature = ? AND occurred_at >= ? AND occurred_at < ? AND reported = ?`,
			attempt.OrgID, attempt.Feature, attempt.PeriodStart, attempt.PeriodEnd, true,
		).Scan(&reported).Error; err != nil {
			return err
		}

		q := quantity(pinned.Total, reported)
		if q <= 0 {
			return errNothingToReport
		}
		attempt.Quantity = q
		attempt.EventCutoffID = snowflake.ID(pinned.MaxID)
		return tx.Create(attempt).Error
	})
	if errors.Is(err, errNothingToReport) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repo) FindOpenAttempt(ctx context.Context, summaryID snowflake.ID) (*usagedomain.ReportAttempt, error) {
	return r.attempts.FindOne(ctx,
		&usagedomain.ReportAttempt{SummaryID: summaryID},
		option.WithWhere("status IN ?", []usagedomain.ReportStatus{
			usagedomain.ReportStatusPending,
			usagedomain.ReportStatusFailed,
		}),
		option.WithOrder("created_at DESC"),
	)
}

func (r *repo) UpdateAttempt(ctx context.Context, id snowflake.ID, values map[string]any) error {
	_, err := r.attempts.Update(ctx, id, values)
	return err
}

func (r *repo) ListAttempts(ctx context.Context, statuses []usagedomain.ReportStatus, limit int) ([]usagedomain.ReportAttempt, error) {
	opts := []option.QueryOption{
		option.WithOrder("updated_at DESC"),
		option.WithLimit(limit),
	}
	if len(statuses) > 0 {
		opts = append(opts, option.WithWhere("status IN ?", statuses))
	}
	rows, err := r.attempts.Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}
	return deref(rows), nil
}

// MarkReported commits a successful delivery: the pinned events, the summary
// and the attempt flip together or not at all.
func (r *repo) MarkReported(ctx context.Context, attempt *usagedomain.ReportAttempt, recordID string, retryCount int, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&usagedomain.UsageEvent{}).
			Where("report_attempt_id = ? AND reported = ?", attempt.ID, false).
			Updates(map[string]any{
				"reported":    true,
				"reported_at": at,
			}).Error; err != nil {
			return err
		}

		if err := tx.Model(&usagedomain.UsageSummary{}).
			Where("id = ? AND reported_to_processor = ?", attempt.SummaryID, false).
			Updates(map[string]any{
				"reported_to_processor": true,
				"reported_at":           at,
				"updated_at":            at,
			}).Error; err != nil {
			return err
		}

		res := tx.Model(&usagedomain.ReportAttempt{}).
			Where("id = ? AND status IN ?", attempt.ID, []usagedomain.ReportStatus{
				usagedomain.ReportStatusPending,
				usagedomain.ReportStatusFailed,
			}).
			Updates(map[string]any{
				"status":              usagedomain.ReportStatusSucceeded,
				"processor_record_id": recordID,
				"error_kind":          nil,
				"error_message":       nil,
				"retry_count":         retryCount,
				"last_attempt_at":     at,
				"updated_at":          at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return usagedomain.ErrAttemptClosed
		}
		return nil
	})
}

func deref[T any](rows []*T) []T {
	return lo.Map(rows, func(row *T, _ int) T { return *row })
}
