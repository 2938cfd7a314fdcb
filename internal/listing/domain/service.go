package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("construction_not_found")
	ErrInvalidTitle    = errors.New("invalid_title")
	ErrInvalidCategory = errors.New("invalid_category")
	ErrInvalidStatus   = errors.New("invalid_status_transition")
	ErrListingPromoted = errors.New("listing_promoted")
)

type CreateRequest struct {
	OrgID    int64          `json:"organization_id"`
	Title    string         `json:"title"`
	Category Category       `json:"category"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ListRequest struct {
	Category Category
	Status   Status
	SortBy   string
	OrderBy  string
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Construction, error)
	Get(ctx context.Context, orgID, id int64) (*Construction, error)
	List(ctx context.Context, orgID int64, req ListRequest) ([]Construction, error)
	// Publish moves a draft listing to published. Only published private
	// listings can be promoted.
	Publish(ctx context.Context, orgID, id int64) error
	// Archive retires a listing. Rejected while the listing carries an
	// active promotion.
	Archive(ctx context.Context, orgID, id int64) error
	RecordImpression(ctx context.Context, id int64) error
	RecordClick(ctx context.Context, id int64) error
}
