// Package domain contains the subscription lookup data used by reporting and dunning.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusSuspended SubscriptionStatus = "SUSPENDED"
	SubscriptionStatusCanceled  SubscriptionStatus = "CANCELED"
)

// Subscription mirrors a processor side subscription.
type Subscription struct {
	ID           snowflake.ID       `gorm:"primaryKey"`
	OrgID        snowflake.ID       `gorm:"not null;index"`
	Status       SubscriptionStatus `gorm:"type:varchar(16);not null"`
	ProcessorRef string             `gorm:"type:varchar(255);not null;uniqueIndex"`
	SuspendedAt  *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionItem maps a metered feature to its processor subscription item.
type SubscriptionItem struct {
	ID               snowflake.ID        `gorm:"primaryKey"`
	SubscriptionID   snowflake.ID        `gorm:"not null;index"`
	OrgID            snowflake.ID        `gorm:"not null;index:idx_subscription_items_org_feature,priority:1"`
	Feature          usagedomain.Feature `gorm:"type:varchar(64);not null;index:idx_subscription_items_org_feature,priority:2"`
	ProcessorItemRef string              `gorm:"type:varchar(255);not null"`
	CreatedAt        time.Time           `gorm:"not null"`
	UpdatedAt        time.Time           `gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionItem) TableName() string { return "subscription_items" }
