package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RecordRequest struct {
	OrgID          snowflake.ID   `json:"org_id"`
	Feature        Feature        `json:"feature"`
	Quantity       int64          `json:"quantity"`
	Timestamp      time.Time      `json:"timestamp"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

// Service records usage events.
type Service interface {
	Record(ctx context.Context, req RecordRequest) (*UsageEvent, error)
}

// Repository is the usage store used by the service, the Aggregator and the Reporter.
type Repository interface {
	InsertEvent(ctx context.Context, event *UsageEvent) (bool, error)
	FindEventByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*UsageEvent, error)
	ListActivePairs(ctx context.Context, since time.Time) ([]OrgFeature, error)
	SumQuantity(ctx context.Context, orgID snowflake.ID, feature Feature, start, end time.Time) (int64, error)

	FindActiveQuota(ctx context.Context, orgID snowflake.ID, feature Feature) (*UsageQuota, error)

	UpsertSummary(ctx context.Context, summary *UsageSummary) error
	FindSummary(ctx context.Context, orgID snowflake.ID, feature Feature, start, end time.Time) (*UsageSummary, error)
	ListReportableSummaries(ctx context.Context, closedBy time.Time, limit int) ([]UsageSummary, error)

	CreateAttempt(ctx context.Context, attempt *ReportAttempt) error
	OpenAttempt(ctx context.Context, attempt *ReportAttempt, quantity QuantityFunc) (bool, error)
	FindOpenAttempt(ctx context.Context, summaryID snowflake.ID) (*ReportAttempt, error)
	UpdateAttempt(ctx context.Context, id snowflake.ID, values map[string]any) error
	ListAttempts(ctx context.Context, statuses []ReportStatus, limit int) ([]ReportAttempt, error)
	MarkReported(ctx context.Context, attempt *ReportAttempt, recordID string, retryCount int, at time.Time) error
}

// QuantityFunc turns the quantity pinned to a new attempt and the quantity
// already reported in its window into the quantity to bill.
type QuantityFunc func(pinned, reported int64) int64

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidTimestamp    = errors.New("invalid_timestamp")
	ErrInvalidResetPeriod  = errors.New("invalid_reset_period")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrAttemptClosed       = errors.New("report_attempt_closed")
)
