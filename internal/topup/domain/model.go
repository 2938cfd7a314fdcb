// Package domain defines credit top-ups: the paid checkout flow that loads
// credits onto an organization's balance. A top-up row is created pending
// when checkout starts and settles through webhook-driven transitions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// validTransitions is the whole state machine. Completed top-ups can still be
// refunded from the provider dashboard; expired, failed and refunded are
// terminal.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusExpired, StatusFailed, StatusRefunded},
	StatusCompleted: {StatusRefunded},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Topup records one checkout attempt. AmountPaid is what the buyer pays,
// CreditsReceived is AmountPaid plus the tier bonus; both are fixed at
// checkout creation so a tier change mid-flight cannot alter a settled price.
// CreditTransactionID stays NULL until the completion credits land.
type Topup struct {
	ID                      snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID                   snowflake.ID  `json:"organization_id" gorm:"column:org_id;not null;index"`
	InitiatedBy             string        `json:"initiated_by" gorm:"type:text;not null"`
	AmountPaid              int64         `json:"amount_paid" gorm:"not null"`
	CreditsReceived         int64         `json:"credits_received" gorm:"not null"`
	BonusCredits            int64         `json:"bonus_credits" gorm:"not null;default:0"`
	BonusPercentage         int64         `json:"bonus_percentage" gorm:"not null;default:0"`
	Status                  Status        `json:"status" gorm:"type:text;not null;default:'pending'"`
	StripeCheckoutSessionID *string       `json:"stripe_checkout_session_id,omitempty" gorm:"uniqueIndex:ux_credit_topup_history_session"`
	StripePaymentIntentID   *string       `json:"stripe_payment_intent_id,omitempty" gorm:"index"`
	CreditTransactionID     *snowflake.ID `json:"credit_transaction_id,omitempty"`
	FailureReason           *string       `json:"failure_reason,omitempty"`
	CompletedAt             *time.Time    `json:"completed_at,omitempty"`
	CreatedAt               time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Topup) TableName() string { return "credit_topup_history" }

// ReceiptData is everything the PDF renderer needs for a completed top-up.
type ReceiptData struct {
	TopupID          snowflake.ID
	OrganizationName string
	BillingEmail     string
	AmountPaid       int64
	Currency         string
	CreditsReceived  int64
	BonusCredits     int64
	BonusPercentage  int64
	PaymentReference string
	CompletedAt      time.Time
}
