package domain

import (
	"time"

	"gorm.io/datatypes"
)

type Category string

const (
	CategoryPrivate  Category = "private"
	CategoryBusiness Category = "business"
)

func (c Category) Valid() bool {
	return c == CategoryPrivate || c == CategoryBusiness
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	default:
		return false
	}
}

// Construction is a listing owned by an organization. Impressions and clicks
// are monotonic counters; promotion analytics are computed from snapshots of
// them, never by resetting.
type Construction struct {
	ID          int64             `json:"id" gorm:"primaryKey"`
	OrgID       int64             `json:"organization_id" gorm:"column:org_id;not null;index:ux_constructions_org_slug,priority:1"`
	Title       string            `json:"title" gorm:"type:text;not null"`
	Slug        string            `json:"slug" gorm:"type:text;not null;index:ux_constructions_org_slug,priority:2,unique"`
	Category    Category          `json:"category" gorm:"type:text;not null"`
	Status      Status            `json:"status" gorm:"type:text;not null;default:'draft'"`
	Promoted    bool              `json:"promoted" gorm:"not null;default:false"`
	Impressions int64             `json:"impressions" gorm:"not null;default:0"`
	Clicks      int64             `json:"clicks" gorm:"not null;default:0"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Construction) TableName() string { return "constructions" }

// Promotable reports whether the listing can carry a promotion: private
// category, published status.
func (c *Construction) Promotable() bool {
	return c.Category == CategoryPrivate && c.Status == StatusPublished
}
