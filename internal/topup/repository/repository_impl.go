package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/topup/domain"
)

const topupColumns = `id, org_id, initiated_by, amount_paid, credits_received,
	bonus_credits, bonus_percentage, status,
	stripe_checkout_session_id, stripe_payment_intent_id,
	credit_transaction_id, failure_reason, completed_at,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, t *domain.Topup) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_topup_history (
			id, org_id, initiated_by, amount_paid, credits_received,
			bonus_credits, bonus_percentage, status,
			stripe_checkout_session_id, stripe_payment_intent_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.OrgID,
		t.InitiatedBy,
		t.AmountPaid,
		t.CreditsReceived,
		t.BonusCredits,
		t.BonusPercentage,
		string(t.Status),
		t.StripeCheckoutSessionID,
		t.StripePaymentIntentID,
		t.CreatedAt,
		t.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Topup, error) {
	var t domain.Topup
	err := db.WithContext(ctx).Raw(
		`SELECT `+topupColumns+` FROM credit_topup_history WHERE id = ?`,
		id,
	).Scan(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, nil
	}
	return &t, nil
}

func (r *repo) FindBySessionID(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Topup, error) {
	var t domain.Topup
	err := db.WithContext(ctx).Raw(
		`SELECT `+topupColumns+` FROM credit_topup_history
		 WHERE stripe_checkout_session_id = ?`,
		sessionID,
	).Scan(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, nil
	}
	return &t, nil
}

func (r *repo) FindByPaymentIntentID(ctx context.Context, db *gorm.DB, paymentIntentID string) (*domain.Topup, error) {
	var t domain.Topup
	err := db.WithContext(ctx).Raw(
		`SELECT `+topupColumns+` FROM credit_topup_history
		 WHERE stripe_payment_intent_id = ?`,
		paymentIntentID,
	).Scan(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, nil
	}
	return &t, nil
}

func (r *repo) ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]domain.Topup, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.Topup
	err := db.WithContext(ctx).Raw(
		`SELECT `+topupColumns+` FROM credit_topup_history
		 WHERE org_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		orgID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetSessionID(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_topup_history
		 SET stripe_checkout_session_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		sessionID,
		id,
	).Error
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, stamp domain.CompleteStamp) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_topup_history
		 SET status = ?,
		     stripe_payment_intent_id = ?,
		     completed_at = ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(domain.StatusCompleted),
		stamp.PaymentIntentID,
		stamp.CompletedAt,
		id,
		string(domain.StatusPending),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_topup_history
		 SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(domain.StatusExpired),
		id,
		string(domain.StatusPending),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID, reason string) (bool, error) {
	var intentID *string
	if paymentIntentID != "" {
		intentID = &paymentIntentID
	}
	var failureReason *string
	if reason != "" {
		failureReason = &reason
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_topup_history
		 SET status = ?,
		     stripe_payment_intent_id = COALESCE(?, stripe_payment_intent_id),
		     failure_reason = ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(domain.StatusFailed),
		intentID,
		failureReason,
		id,
		string(domain.StatusPending),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_topup_history
		 SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN (?, ?)`,
		string(domain.StatusRefunded),
		id,
		string(domain.StatusPending),
		string(domain.StatusCompleted),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SetCreditTransactionID(ctx context.Context, db *gorm.DB, id, transactionID snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_topup_history
		 SET credit_transaction_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND credit_transaction_id IS NULL`,
		transactionID,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
