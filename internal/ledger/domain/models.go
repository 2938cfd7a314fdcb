// Package domain defines the credit ledger: an append-only transaction log
// plus the balance mutation primitives every other component must go through.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypeTopup       TransactionType = "topup"
	TransactionTypeRefund      TransactionType = "refund"
	TransactionTypeAdjustment  TransactionType = "adjustment"
	TransactionTypeBonus       TransactionType = "bonus"
	TransactionTypePromotion   TransactionType = "promotion"
	TransactionTypeAutoRenewal TransactionType = "auto_renewal"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeTopup, TransactionTypeRefund, TransactionTypeAdjustment,
		TransactionTypeBonus, TransactionTypePromotion, TransactionTypeAutoRenewal:
		return true
	default:
		return false
	}
}

type ReferenceType string

const (
	ReferenceTypeStripePayment   ReferenceType = "stripe_payment"
	ReferenceTypePromotion       ReferenceType = "promotion"
	ReferenceTypeAdminAdjustment ReferenceType = "admin_adjustment"
	ReferenceTypeAutoRenewal     ReferenceType = "auto_renewal"
)

// Reference ties a transaction to the record that caused it.
type Reference struct {
	Type ReferenceType
	ID   string
}

// CreditTransaction is append-only. Amount is signed: positive credits,
// negative debits. BalanceBefore/After are snapshots taken at write time and
// never recomputed. PromotionID is the single back-filled column: promotion
// debits are written before the promotion row exists and linked afterwards.
type CreditTransaction struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID      `gorm:"column:org_id;not null;index" json:"org_id"`
	Type          TransactionType   `gorm:"type:text;not null" json:"type"`
	Amount        int64             `gorm:"not null" json:"amount"`
	BalanceBefore int64             `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64             `gorm:"not null" json:"balance_after"`
	Description   string            `gorm:"type:text" json:"description"`
	PerformedBy   *string           `gorm:"column:performed_by" json:"performed_by,omitempty"`
	ReferenceType *ReferenceType    `gorm:"column:reference_type" json:"reference_type,omitempty"`
	ReferenceID   *string           `gorm:"column:reference_id" json:"reference_id,omitempty"`
	PromotionID   *snowflake.ID     `gorm:"column:promotion_id;index" json:"promotion_id,omitempty"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

var (
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrUnknownTransactionType   = errors.New("unknown_transaction_type")
	ErrBillingAccountMissing    = errors.New("billing_account_missing")
	ErrTransactionNotFound      = errors.New("transaction_not_found")
	ErrTransactionAlreadyLinked = errors.New("transaction_already_linked")
)

// InsufficientCreditsError reports a rejected debit with the amounts the
// caller needs to render a useful message.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficientCredits reports whether err is an InsufficientCreditsError.
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}

type MutationRequest struct {
	OrgID       snowflake.ID
	Amount      int64
	Type        TransactionType
	Description string
	Reference   *Reference
	PerformedBy string
	Metadata    map[string]any
}

type MutationResult struct {
	NewBalance  int64
	Transaction CreditTransaction
}

type VerifyBalanceResult struct {
	OrgID             snowflake.ID `json:"org_id"`
	IsValid           bool         `json:"is_valid"`
	StoredBalance     int64        `json:"stored_balance"`
	CalculatedBalance int64        `json:"calculated_balance"`
	Difference        int64        `json:"difference"`
}

type Service interface {
	// AddCredits applies a positive balance mutation as one atomic unit:
	// read balance, append the transaction, write the new balance.
	AddCredits(ctx context.Context, req MutationRequest) (MutationResult, error)
	// DeductCredits is the debit counterpart; it never drives the balance
	// negative.
	DeductCredits(ctx context.Context, req MutationRequest) (MutationResult, error)
	// VerifyBalance recomputes the balance from the transaction log and
	// compares it to the stored value. Reconciliation primitive, not a hot
	// path.
	VerifyBalance(ctx context.Context, orgID snowflake.ID) (VerifyBalanceResult, error)
	// LinkPromotion back-fills the promotion id onto the debit transaction
	// that funded it. Valid exactly once per transaction.
	LinkPromotion(ctx context.Context, transactionID, promotionID snowflake.ID) error
	// FindOrphanedDebits returns promotion and auto-renewal debits never
	// linked to a promotion, older than the given cutoff.
	FindOrphanedDebits(ctx context.Context, olderThan time.Time) ([]CreditTransaction, error)
	// FindByReference returns the org's transactions tied to one source
	// record, e.g. every row a single payment produced. Lets callers resume
	// partially applied work without writing twice.
	FindByReference(ctx context.Context, orgID snowflake.ID, referenceType ReferenceType, referenceID string) ([]CreditTransaction, error)
	// ListTransactions returns the org's transactions, newest first.
	ListTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]CreditTransaction, error)
}
