// Package domain defines durable notifications: rows are written in the
// caller's flow and delivered later by the dispatch job, so a slow or dead
// mail server never blocks a billing operation.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

type Kind string

const (
	KindLowBalance        Kind = "low_balance"
	KindPromotionExpiring Kind = "promotion_expiring"
	KindRenewalSuccess    Kind = "renewal_success"
	KindRenewalFailure    Kind = "renewal_failure"
	KindTopupCompleted    Kind = "topup_completed"
	KindLedgerDrift       Kind = "ledger_drift"
	KindOrphanedDebit     Kind = "orphaned_debit"
	KindRefundReceived    Kind = "refund_received"
)

func (k Kind) Valid() bool {
	switch k {
	case KindLowBalance, KindPromotionExpiring, KindRenewalSuccess,
		KindRenewalFailure, KindTopupCompleted, KindLedgerDrift,
		KindOrphanedDebit, KindRefundReceived:
		return true
	default:
		return false
	}
}

type Channel string

const ChannelEmail Channel = "email"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Notification struct {
	ID         int64          `json:"id" gorm:"primaryKey"`
	OrgID      int64          `json:"organization_id" gorm:"column:org_id;not null;index"`
	Channel    Channel        `json:"channel" gorm:"type:text;not null;default:'email'"`
	Recipients pq.StringArray `json:"recipients" gorm:"type:text[]"`
	Subject    string         `json:"subject" gorm:"type:text;not null"`
	BodyHTML   string         `json:"body_html" gorm:"column:body_html;type:text;not null"`
	Kind       Kind           `json:"kind" gorm:"type:text;not null"`
	Status     Status         `json:"status" gorm:"type:text;not null;default:'pending'"`
	Attempts   int            `json:"attempts" gorm:"not null;default:0"`
	LastError  *string        `json:"last_error,omitempty"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Notification) TableName() string { return "notifications" }

var (
	ErrInvalidKind   = errors.New("invalid_notification_kind")
	ErrNoRecipients  = errors.New("no_recipients")
	ErrEmptySubject  = errors.New("empty_subject")
)

type EnqueueRequest struct {
	OrgID      int64
	Kind       Kind
	Recipients []string
	Subject    string
	BodyHTML   string
}

type Service interface {
	// Enqueue writes a pending notification. Delivery happens in the
	// dispatch job, never inline.
	Enqueue(ctx context.Context, req EnqueueRequest) (*Notification, error)
	// EnqueueTx is Enqueue inside the caller's transaction.
	EnqueueTx(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*Notification, error)
	// DispatchPending sends up to limit pending notifications and returns
	// how many went out.
	DispatchPending(ctx context.Context, limit int) (int, error)
}
