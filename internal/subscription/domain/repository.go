package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
)

type Repository interface {
	FindByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	FindByProcessorRef(ctx context.Context, ref string) (*Subscription, error)
	FindItemForFeature(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature) (*SubscriptionItem, error)
	UpdateStatus(ctx context.Context, id snowflake.ID, status SubscriptionStatus, suspendedAt *time.Time, at time.Time) (bool, error)
}
