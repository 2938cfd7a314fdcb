package domain

import (
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusRenewed   Status = "renewed"
)

// validTransitions is the whole state machine. Expired, cancelled and renewed
// are terminal.
var validTransitions = map[Status][]Status{
	StatusActive: {StatusExpired, StatusCancelled, StatusRenewed},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PromotionPackage is the immutable catalog row a purchase points at. Rows are
// deactivated, never mutated, so past promotions keep their pricing.
type PromotionPackage struct {
	ID              int64     `json:"id" gorm:"primaryKey"`
	Name            string    `json:"name" gorm:"type:text;not null"`
	CostInCredits   int64     `json:"cost_in_credits" gorm:"not null"`
	DurationDays    int       `json:"duration_days" gorm:"not null"`
	IsActive        bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt       time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PromotionPackage) TableName() string { return "promotion_packages" }

// Promotion tracks one paid visibility window for a construction. Analytics
// columns hold counter snapshots: *_at_start at activation, *_at_end plus the
// gained deltas when the promotion closes. At most one active promotion per
// construction (partial unique index).
type Promotion struct {
	ID                   int64      `json:"id" gorm:"primaryKey"`
	OrgID                int64      `json:"organization_id" gorm:"column:org_id;not null;index"`
	ConstructionID       int64      `json:"construction_id" gorm:"not null;index"`
	PackageID            int64      `json:"package_id" gorm:"not null"`
	Status               Status     `json:"status" gorm:"type:text;not null;default:'active'"`
	CreditsSpent         int64      `json:"credits_spent" gorm:"not null"`
	CreditTransactionID  int64      `json:"credit_transaction_id" gorm:"not null"`
	StartDate            time.Time  `json:"start_date" gorm:"not null"`
	EndDate              time.Time  `json:"end_date" gorm:"not null;index"`
	AutoRenew            bool       `json:"auto_renew" gorm:"not null;default:false"`
	RenewalCount         int        `json:"renewal_count" gorm:"not null;default:0"`
	PreviousPromotionID  *int64     `json:"previous_promotion_id,omitempty"`
	RenewedByPromotionID *int64     `json:"renewed_by_promotion_id,omitempty"`
	ImpressionsAtStart   int64      `json:"impressions_at_start" gorm:"not null;default:0"`
	ClicksAtStart        int64      `json:"clicks_at_start" gorm:"not null;default:0"`
	ImpressionsAtEnd     *int64     `json:"impressions_at_end,omitempty"`
	ClicksAtEnd          *int64     `json:"clicks_at_end,omitempty"`
	ImpressionsGained    *int64     `json:"impressions_gained,omitempty"`
	ClicksGained         *int64     `json:"clicks_gained,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy          *string    `json:"cancelled_by,omitempty"`
	CancellationReason   *string    `json:"cancellation_reason,omitempty"`
	CreditsRefunded      int64      `json:"credits_refunded" gorm:"not null;default:0"`
	RefundTransactionID  *int64     `json:"refund_transaction_id,omitempty"`
	ExpirationAlertSent  bool       `json:"expiration_alert_sent" gorm:"not null;default:false"`
	CreatedAt            time.Time  `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time  `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Promotion) TableName() string { return "promotions" }
