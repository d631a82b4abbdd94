package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	GetByProcessorRef(ctx context.Context, ref string) (*Subscription, error)
	FindItemForFeature(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature) (*SubscriptionItem, error)
	MarkPastDue(ctx context.Context, id snowflake.ID) error
	Suspend(ctx context.Context, id snowflake.ID) error
	Reactivate(ctx context.Context, id snowflake.ID) error
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrItemNotFound         = errors.New("subscription_item_not_found")
	ErrInvalidTransition    = errors.New("invalid_subscription_transition")
)
