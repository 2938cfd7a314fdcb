package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, construction *Construction) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Construction, error)
	FindBySlug(ctx context.Context, db *gorm.DB, orgID int64, slug string) (*Construction, error)
	List(ctx context.Context, db *gorm.DB, orgID int64, filter ListRequest) ([]Construction, error)
	// SetPromoted flips the promoted flag only when it currently holds the
	// opposite value; returns the number of rows changed.
	SetPromoted(ctx context.Context, db *gorm.DB, id int64, promoted bool) (int64, error)
	// TransitionStatus moves the listing from one status to another; returns
	// false when the listing was not in the expected status.
	TransitionStatus(ctx context.Context, db *gorm.DB, id int64, from, to Status) (bool, error)
	IncrementImpressions(ctx context.Context, db *gorm.DB, id int64) error
	IncrementClicks(ctx context.Context, db *gorm.DB, id int64) error
}
