package repository

import (
	"context"

	"github.com/baulisto/billing/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is the generic persistence collaborator shared by feature
// services. Invariant-bearing writes stay in raw SQL inside the feature
// packages; this store covers plain lookups and simple writes.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Count(ctx context.Context, query *T) (int64, error)
}
