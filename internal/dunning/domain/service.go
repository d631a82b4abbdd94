package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recon/internal/processor"
)

type StartInput struct {
	SubscriptionID snowflake.ID
	OrgID          snowflake.ID
	FailedAt       time.Time
	LastError      string
}

type Service interface {
	StartDunning(ctx context.Context, in StartInput) (*DunningState, error)
	RetryPayment(ctx context.Context, subscriptionID snowflake.ID) error
	EscalateDunning(ctx context.Context, subscriptionID snowflake.ID, retryCount int) error
	ResolveDunning(ctx context.Context, subscriptionID snowflake.ID, reason string) error

	ManualResolve(ctx context.Context, subscriptionID snowflake.ID, actor, note string) (*DunningState, error)
	ManualSuspend(ctx context.Context, subscriptionID snowflake.ID, actor, reason string) (*DunningState, error)
	ManualRetry(ctx context.Context, subscriptionID snowflake.ID, actor string) (*DunningState, error)

	HandlePaymentEvent(ctx context.Context, event processor.PaymentEvent) error

	Get(ctx context.Context, subscriptionID snowflake.ID) (*DunningState, error)
	List(ctx context.Context, limit int, states ...State) ([]DunningState, error)

	// RecoverOverdue re-arms retry jobs of open dunning states whose next
	// retry is older than before and whose job is missing or dead.
	RecoverOverdue(ctx context.Context, before time.Time, limit int) (int, error)
}

type Repository interface {
	FindBySubscription(ctx context.Context, subscriptionID snowflake.ID) (*DunningState, error)
	Create(ctx context.Context, state *DunningState) error
	// UpdateVersioned applies values when the row still has version and bumps
	// it. It reports false when the row changed underneath.
	UpdateVersioned(ctx context.Context, id snowflake.ID, version int64, values map[string]any) (bool, error)
	List(ctx context.Context, states []State, limit int) ([]DunningState, error)
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]DunningState, error)
}

var (
	ErrNotFound          = errors.New("dunning_state_not_found")
	ErrConcurrentUpdate  = errors.New("dunning_concurrent_update")
	ErrInvalidCalendar   = errors.New("invalid_dunning_calendar")
	ErrInvalidTransition = errors.New("invalid_dunning_transition")
	ErrInvalidInput      = errors.New("invalid_dunning_input")
)
