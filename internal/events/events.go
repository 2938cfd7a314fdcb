// Package events provides the transactional outbox: integration events are
// written in the same database transaction as the state change they describe
// and dispatched to the broker asynchronously.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventCreditsAdded       = "billing.credits_added"
	EventCreditsDeducted    = "billing.credits_deducted"
	EventTopupCompleted     = "billing.topup_completed"
	EventPromotionActivated = "billing.promotion_activated"
	EventPromotionRenewed   = "billing.promotion_renewed"
	EventPromotionExpired   = "billing.promotion_expired"
	EventPromotionCancelled = "billing.promotion_cancelled"
)

// Event is a publish request. DedupeKey makes re-publication from retried
// transactions a no-op.
type Event struct {
	OrgID     snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// OutboxEvent is the persisted form of an Event.
type OutboxEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID   `gorm:"column:org_id;index" json:"org_id"`
	EventType   string         `gorm:"type:text;not null" json:"event_type"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex:ux_outbox_dedupe" json:"dedupe_key"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	PublishedAt *time.Time     `gorm:"column:published_at" json:"published_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }
