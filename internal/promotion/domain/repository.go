package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// AnalyticsClose carries the counter values read when a promotion leaves the
// active state. Gains are computed against the start snapshots in SQL.
type AnalyticsClose struct {
	ImpressionsAtEnd int64
	ClicksAtEnd      int64
}

// CancelStamp carries everything a cancellation writes in one guarded update.
type CancelStamp struct {
	CancelledAt        time.Time
	CancelledBy        string
	Reason             string
	CreditsRefunded    int64
	Analytics          AnalyticsClose
}

// Repository covers the promotion rows themselves. Package catalog reads go
// through the generic store in pkg/repository.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, promotion *Promotion) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Promotion, error)
	FindActiveByConstruction(ctx context.Context, db *gorm.DB, constructionID int64) (*Promotion, error)
	FindByCreditTransactionID(ctx context.Context, db *gorm.DB, transactionID int64) (*Promotion, error)
	ListByOrg(ctx context.Context, db *gorm.DB, orgID int64, status Status) ([]Promotion, error)

	// Guarded transitions: each returns false when the promotion was not in
	// the expected source status.
	MarkExpired(ctx context.Context, db *gorm.DB, id int64, analytics AnalyticsClose) (bool, error)
	MarkRenewed(ctx context.Context, db *gorm.DB, id, renewedByID int64, analytics AnalyticsClose) (bool, error)
	MarkCancelled(ctx context.Context, db *gorm.DB, id int64, stamp CancelStamp) (bool, error)

	SetRefundTransactionID(ctx context.Context, db *gorm.DB, id, refundTransactionID int64) error
	SetAutoRenew(ctx context.Context, db *gorm.DB, id int64, enabled bool) (bool, error)
	// MarkExpirationAlertSent flips the alert flag; false when already set.
	MarkExpirationAlertSent(ctx context.Context, db *gorm.DB, id int64) (bool, error)

	// Sweep queries for the background jobs.
	FindExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Promotion, error)
	FindDueForRenewal(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Promotion, error)
	FindNeedingExpirationAlert(ctx context.Context, db *gorm.DB, now, windowEnd time.Time, limit int) ([]Promotion, error)
}
