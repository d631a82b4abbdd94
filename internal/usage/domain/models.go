// Package domain contains the usage accounting models: raw events, quotas,
// per-period summaries and the report attempts made against the processor.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent stores a single billable action. Rows are append-only; only the
// report columns change. ReportAttemptID pins the event to the one attempt
// that bills it, and Reported flips once that attempt succeeds.
type UsageEvent struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index:idx_usage_events_window,priority:1;uniqueIndex:ux_usage_events_idempotency,priority:1"`
	Feature         Feature           `gorm:"type:varchar(64);not null;index:idx_usage_events_window,priority:2"`
	Quantity        int64             `gorm:"not null"`
	Timestamp       time.Time         `gorm:"column:occurred_at;not null;index:idx_usage_events_window,priority:3"`
	Metadata        datatypes.JSONMap
	IdempotencyKey  *string           `gorm:"type:varchar(255);uniqueIndex:ux_usage_events_idempotency,priority:2"`
	ReportAttemptID *snowflake.ID     `gorm:"index"`
	Reported        bool              `gorm:"not null;default:false"`
	ReportedAt      *time.Time
	CreatedAt       time.Time `gorm:"not null"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// UsageQuota is the free allowance and unit price of a feature for an org.
type UsageQuota struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	OrgID            snowflake.ID `gorm:"not null;index:idx_usage_quotas_org_feature,priority:1"`
	Feature          Feature      `gorm:"type:varchar(64);not null;index:idx_usage_quotas_org_feature,priority:2"`
	IncludedQuantity int64        `gorm:"not null"`
	PricePerUnit     int64        `gorm:"not null"`
	Currency         string       `gorm:"type:varchar(3);not null"`
	ResetPeriod      ResetPeriod  `gorm:"type:varchar(16);not null"`
	IsActive         bool         `gorm:"not null;default:true"`
	CreatedAt        time.Time    `gorm:"not null"`
	UpdatedAt        time.Time    `gorm:"not null"`
}

func (UsageQuota) TableName() string { return "usage_quotas" }

// Unlimited reports whether the quota places no cap on usage.
func (q UsageQuota) Unlimited() bool {
	return q.IncludedQuantity == UnlimitedQuantity
}

// UsageSummary is the aggregated usage of one feature over one billing period.
type UsageSummary struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	OrgID               snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_summaries_period,priority:1"`
	Feature             Feature      `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_summaries_period,priority:2"`
	PeriodStart         time.Time    `gorm:"not null;uniqueIndex:ux_usage_summaries_period,priority:3"`
	PeriodEnd           time.Time    `gorm:"not null;uniqueIndex:ux_usage_summaries_period,priority:4"`
	TotalQuantity       int64        `gorm:"not null"`
	IncludedQuantity    int64        `gorm:"not null"`
	OverageQuantity     int64        `gorm:"not null"`
	OverageAmount       int64        `gorm:"not null"`
	Currency            string       `gorm:"type:varchar(3);not null"`
	ReportedToProcessor bool         `gorm:"not null;default:false"`
	ReportedAt          *time.Time
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (UsageSummary) TableName() string { return "usage_summaries" }

type ReportStatus string

const (
	ReportStatusPending        ReportStatus = "PENDING"
	ReportStatusSucceeded      ReportStatus = "SUCCEEDED"
	ReportStatusFailed         ReportStatus = "FAILED"
	ReportStatusRequiresAction ReportStatus = "REQUIRES_ACTION"
	ReportStatusAbandoned      ReportStatus = "ABANDONED"
)

// Open reports whether the attempt may still be delivered.
func (s ReportStatus) Open() bool {
	return s == ReportStatusPending || s == ReportStatusFailed
}

type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// ReportAttempt is one logical delivery of a summary to the processor. The
// nonce, quantity and pinned events are fixed at creation so every retry
// sends the same idempotency key for the same amount. EventCutoffID is the
// largest pinned event id.
type ReportAttempt struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	SummaryID         snowflake.ID `gorm:"not null;index"`
	OrgID             snowflake.ID `gorm:"not null"`
	Feature           Feature      `gorm:"type:varchar(64);not null"`
	PeriodStart       time.Time    `gorm:"not null"`
	PeriodEnd         time.Time    `gorm:"not null"`
	Nonce             string       `gorm:"type:varchar(36);not null"`
	IdempotencyKey    string       `gorm:"type:varchar(255);not null;uniqueIndex"`
	Quantity          int64        `gorm:"not null"`
	EventCutoffID     snowflake.ID `gorm:"not null"`
	Status            ReportStatus `gorm:"type:varchar(24);not null;index"`
	ErrorKind         *ErrorKind   `gorm:"type:varchar(16)"`
	ErrorMessage      *string      `gorm:"type:text"`
	RetryCount        int          `gorm:"not null;default:0"`
	ProcessorRecordID *string      `gorm:"type:varchar(255)"`
	LastAttemptAt     *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (ReportAttempt) TableName() string { return "usage_report_attempts" }

// OrgFeature identifies one metered stream.
type OrgFeature struct {
	OrgID   snowflake.ID
	Feature Feature
}
