// Package domain holds the dunning state of a subscription and the calendar
// that drives its escalation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type State string

const (
	StateRetrying       State = "RETRYING"
	StateWarningSent    State = "WARNING_SENT"
	StateActionRequired State = "ACTION_REQUIRED"
	StateFinalWarning   State = "FINAL_WARNING"
	StateSuspended      State = "SUSPENDED"
	StateResolved       State = "RESOLVED"
)

func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StateRetrying, StateWarningSent, StateActionRequired, StateFinalWarning, StateSuspended, StateResolved:
		return st, true
	}
	return "", false
}

// Terminal reports whether the calendar no longer drives the state.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateSuspended
}

// DunningState tracks recovery of one subscription's failed payment. Every
// write is conditional on Version.
type DunningState struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex"`
	OrgID          snowflake.ID `gorm:"not null;index"`
	FailedAt       time.Time    `gorm:"not null"`
	RetryCount     int          `gorm:"not null;default:0"`
	State          State        `gorm:"type:varchar(24);not null;index"`
	LastError      *string      `gorm:"type:text"`
	NextRetryAt    *time.Time
	ResolvedAt     *time.Time
	SuspendedAt    *time.Time
	Metadata       datatypes.JSONMap
	Version        int64     `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (DunningState) TableName() string { return "dunning_states" }
