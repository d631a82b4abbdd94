package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"github.com/smallbiznis/recon/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	subscriptions repository.Repository[subscriptiondomain.Subscription]
	items         *gorm.DB
}

func Provide(db *gorm.DB) subscriptiondomain.Repository {
	return &repo{
		subscriptions: repository.ProvideStore[subscriptiondomain.Subscription](db),
		items:         db,
	}
}

func (r *repo) FindByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.subscriptions.FindOne(ctx, &subscriptiondomain.Subscription{ID: id})
}

func (r *repo) FindByProcessorRef(ctx context.Context, ref string) (*subscriptiondomain.Subscription, error) {
	return r.subscriptions.FindOne(ctx, &subscriptiondomain.Subscription{ProcessorRef: ref})
}

// FindItemForFeature resolves the item of the org's live subscription that
// meters feature. Canceled subscriptions are skipped.
func (r *repo) FindItemForFeature(ctx context.Context, orgID snowflake.ID, feature usagedomain.Feature) (*subscriptiondomain.SubscriptionItem, error) {
	var items []subscriptiondomain.SubscriptionItem
	err := r.items.WithContext(ctx).
		Table("subscription_items si").
		Select("si.*").
		Joins("JOIN subscriptions s ON s.id = si.subscription_id").
		Where("si.org_id = ? AND si.feature = ? AND s.status <> ?", orgID, feature, subscriptiondomain.SubscriptionStatusCanceled).
		Order("si.created_at DESC").
		Limit(1).
		Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) UpdateStatus(ctx context.Context, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, suspendedAt *time.Time, at time.Time) (bool, error) {
	n, err := r.subscriptions.Update(ctx, id, map[string]any{
		"status":       status,
		"suspended_at": suspendedAt,
		"updated_at":   at,
	})
	return n > 0, err
}
