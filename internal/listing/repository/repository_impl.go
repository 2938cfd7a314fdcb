package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/listing/domain"
	"github.com/baulisto/billing/pkg/db/option"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, construction *domain.Construction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO constructions (id, org_id, title, slug, category, status, promoted, impressions, clicks, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		construction.ID,
		construction.OrgID,
		construction.Title,
		construction.Slug,
		string(construction.Category),
		string(construction.Status),
		construction.Promoted,
		construction.Metadata,
		construction.CreatedAt,
		construction.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Construction, error) {
	var c domain.Construction
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, title, slug, category, status, promoted, impressions, clicks, metadata, created_at, updated_at
		 FROM constructions WHERE id = ?`,
		id,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, orgID int64, slug string) (*domain.Construction, error) {
	var c domain.Construction
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, title, slug, category, status, promoted, impressions, clicks, metadata, created_at, updated_at
		 FROM constructions WHERE org_id = ? AND slug = ?`,
		orgID,
		slug,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID int64, filter domain.ListRequest) ([]domain.Construction, error) {
	var items []domain.Construction
	stmt := db.WithContext(ctx).
		Model(&domain.Construction{}).
		Where("org_id = ?", orgID)

	if filter.Category != "" {
		stmt = stmt.Where("category = ?", string(filter.Category))
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", string(filter.Status))
	}

	stmt = option.WithSortBy(option.WithQuerySortBy(filter.SortBy, filter.OrderBy, map[string]bool{
		"created_at": true,
		"updated_at": true,
		"title":      true,
	})).Apply(stmt)

	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetPromoted(ctx context.Context, db *gorm.DB, id int64, promoted bool) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE constructions
		 SET promoted = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND promoted = ?`,
		promoted,
		id,
		!promoted,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) TransitionStatus(ctx context.Context, db *gorm.DB, id int64, from, to domain.Status) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE constructions
		 SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(to),
		id,
		string(from),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) IncrementImpressions(ctx context.Context, db *gorm.DB, id int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE constructions SET impressions = impressions + 1 WHERE id = ?`,
		id,
	).Error
}

func (r *repo) IncrementClicks(ctx context.Context, db *gorm.DB, id int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE constructions SET clicks = clicks + 1 WHERE id = ?`,
		id,
	).Error
}
