// Package jobqueue is a durable delayed-execution queue with at-least-once
// delivery. A job is identified by its key; scheduling an existing key
// replaces the pending job, and at most one worker holds a key at a time.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusDead    Status = "DEAD"
)

var (
	ErrInvalidKey  = errors.New("invalid_job_key")
	ErrInvalidKind = errors.New("invalid_job_kind")
	ErrUnknownKind = errors.New("unknown_job_kind")
	// ErrPermanent marks a handler failure that must not be retried.
	ErrPermanent = errors.New("permanent_job_failure")
)

// Permanent wraps err so the queue parks the job as dead instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Payload is what a caller enqueues: the handler kind and an opaque JSON body.
type Payload struct {
	Kind string
	Body json.RawMessage
}

func NewPayload(kind string, body any) (Payload, error) {
	if body == nil {
		return Payload{Kind: kind}, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Payload{Kind: kind, Body: raw}, nil
}

// Job is the view of a scheduled job handed to a handler.
type Job struct {
	Key     string
	Kind    string
	Body    json.RawMessage
	Attempt int
	RunAt   time.Time
}

func (j Job) Decode(v any) error {
	if len(j.Body) == 0 {
		return nil
	}
	return json.Unmarshal(j.Body, v)
}

// HandlerFunc processes one delivery. It must be idempotent.
type HandlerFunc func(ctx context.Context, job Job) error

// Scheduler is the contract domain packages depend on.
type Scheduler interface {
	Schedule(ctx context.Context, key string, runAt time.Time, payload Payload) error
	Cancel(ctx context.Context, key string) error
}

// Lookup is implemented by schedulers that can report a job's persisted row.
type Lookup interface {
	Get(ctx context.Context, key string) (*ScheduledJob, error)
}

// ScheduledJob is the persisted row.
type ScheduledJob struct {
	JobKey      string         `gorm:"column:job_key;primaryKey;type:varchar(255)"`
	Kind        string         `gorm:"type:varchar(128);not null"`
	Payload     datatypes.JSON
	RunAt       time.Time      `gorm:"not null;index"`
	Attempts    int            `gorm:"not null;default:0"`
	MaxAttempts int            `gorm:"not null"`
	Generation  int64          `gorm:"not null;default:1"`
	Status      Status         `gorm:"type:varchar(16);not null;index"`
	LockedBy    *string        `gorm:"type:varchar(32)"`
	LockedUntil *time.Time
	LastError   *string `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (ScheduledJob) TableName() string { return "scheduled_jobs" }

func (j ScheduledJob) toJob() Job {
	return Job{
		Key:     j.JobKey,
		Kind:    j.Kind,
		Body:    json.RawMessage(j.Payload),
		Attempt: j.Attempts + 1,
		RunAt:   j.RunAt,
	}
}
