package repository

import (
	"context"

	"github.com/smallbiznis/recon/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a thin generic store over one gorm model.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID any, values map[string]any) (int64, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}
