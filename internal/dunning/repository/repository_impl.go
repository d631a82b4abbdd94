package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"github.com/smallbiznis/recon/pkg/db"
	"github.com/smallbiznis/recon/pkg/db/option"
	"github.com/smallbiznis/recon/pkg/repository"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type repo struct {
	db     *gorm.DB
	states repository.Repository[dunningdomain.DunningState]
}

func Provide(conn *gorm.DB) dunningdomain.Repository {
	return &repo{
		db:     conn,
		states: repository.ProvideStore[dunningdomain.DunningState](conn),
	}
}

func (r *repo) FindBySubscription(ctx context.Context, subscriptionID snowflake.ID) (*dunningdomain.DunningState, error) {
	return r.states.FindOne(ctx, &dunningdomain.DunningState{SubscriptionID: subscriptionID})
}

// Create inserts a new state. A concurrent insert for the same subscription
// surfaces as ErrConcurrentUpdate.
func (r *repo) Create(ctx context.Context, state *dunningdomain.DunningState) error {
	if err := r.states.Create(ctx, state); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return dunningdomain.ErrConcurrentUpdate
		}
		return err
	}
	return nil
}

func (r *repo) UpdateVersioned(ctx context.Context, id snowflake.ID, version int64, values map[string]any) (bool, error) {
	updates := make(map[string]any, len(values)+1)
	for k, v := range values {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).
		Model(&dunningdomain.DunningState{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) List(ctx context.Context, states []dunningdomain.State, limit int) ([]dunningdomain.DunningState, error) {
	opts := []option.QueryOption{
		option.WithOrder("updated_at DESC"),
		option.WithLimit(limit),
	}
	if len(states) > 0 {
		opts = append(opts, option.WithWhere("state IN ?", states))
	}
	rows, err := r.states.Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row *dunningdomain.DunningState, _ int) dunningdomain.DunningState { return *row }), nil
}

func (r *repo) ListOverdue(ctx context.Context, before time.Time, limit int) ([]dunningdomain.DunningState, error) {
	rows, err := r.states.Find(ctx, nil,
		option.WithWhere("state NOT IN ?", []dunningdomain.State{dunningdomain.StateResolved, dunningdomain.StateSuspended}),
		option.WithWhere("next_retry_at IS NOT NULL AND next_retry_at <= ?", before),
		option.WithOrder("next_retry_at ASC"),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row *dunningdomain.DunningState, _ int) dunningdomain.DunningState { return *row }), nil
}
