package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CompleteStamp carries everything a successful completion writes in one
// guarded update.
type CompleteStamp struct {
	PaymentIntentID string
	CompletedAt     time.Time
}

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, topup *Topup) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Topup, error)
	FindBySessionID(ctx context.Context, db *gorm.DB, sessionID string) (*Topup, error)
	FindByPaymentIntentID(ctx context.Context, db *gorm.DB, paymentIntentID string) (*Topup, error)
	ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]Topup, error)

	SetSessionID(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID string) error

	// Guarded transitions: each returns false when the top-up was not in an
	// allowed source status.
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, stamp CompleteStamp) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID, reason string) (bool, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)

	// SetCreditTransactionID back-fills the ledger link once. False when the
	// link was already set.
	SetCreditTransactionID(ctx context.Context, db *gorm.DB, id, transactionID snowflake.ID) (bool, error)
}
