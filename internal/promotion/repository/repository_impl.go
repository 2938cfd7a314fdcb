package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/promotion/domain"
	"github.com/baulisto/billing/pkg/db/option"
)

const promotionColumns = `id, org_id, construction_id, package_id, status, credits_spent,
	credit_transaction_id, start_date, end_date, auto_renew, renewal_count,
	previous_promotion_id, renewed_by_promotion_id,
	impressions_at_start, clicks_at_start, impressions_at_end, clicks_at_end,
	impressions_gained, clicks_gained,
	cancelled_at, cancelled_by, cancellation_reason,
	credits_refunded, refund_transaction_id, expiration_alert_sent,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, p *domain.Promotion) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO promotions (
			id, org_id, construction_id, package_id, status, credits_spent,
			credit_transaction_id, start_date, end_date, auto_renew, renewal_count,
			previous_promotion_id, impressions_at_start, clicks_at_start,
			credits_refunded, expiration_alert_sent, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		p.ID,
		p.OrgID,
		p.ConstructionID,
		p.PackageID,
		string(p.Status),
		p.CreditsSpent,
		p.CreditTransactionID,
		p.StartDate,
		p.EndDate,
		p.AutoRenew,
		p.RenewalCount,
		p.PreviousPromotionID,
		p.ImpressionsAtStart,
		p.ClicksAtStart,
		p.ExpirationAlertSent,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Promotion, error) {
	var p domain.Promotion
	err := db.WithContext(ctx).Raw(
		`SELECT `+promotionColumns+` FROM promotions WHERE id = ?`,
		id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindActiveByConstruction(ctx context.Context, db *gorm.DB, constructionID int64) (*domain.Promotion, error) {
	var p domain.Promotion
	err := db.WithContext(ctx).Raw(
		`SELECT `+promotionColumns+` FROM promotions
		 WHERE construction_id = ? AND status = ?`,
		constructionID,
		string(domain.StatusActive),
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindByCreditTransactionID(ctx context.Context, db *gorm.DB, transactionID int64) (*domain.Promotion, error) {
	var p domain.Promotion
	err := db.WithContext(ctx).Raw(
		`SELECT `+promotionColumns+` FROM promotions
		 WHERE credit_transaction_id = ?`,
		transactionID,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) ListByOrg(ctx context.Context, db *gorm.DB, orgID int64, status domain.Status) ([]domain.Promotion, error) {
	var items []domain.Promotion
	stmt := db.WithContext(ctx).
		Model(&domain.Promotion{}).
		Where("org_id = ?", orgID)
	if status != "" {
		stmt = stmt.Where("status = ?", string(status))
	}
	stmt = option.WithSortBy(option.WithQuerySortBy("created_at", "desc", map[string]bool{
		"created_at": true,
	})).Apply(stmt)
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id int64, analytics domain.AnalyticsClose) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET status = ?,
		     impressions_at_end = ?, clicks_at_end = ?,
		     impressions_gained = ? - impressions_at_start,
		     clicks_gained = ? - clicks_at_start,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(domain.StatusExpired),
		analytics.ImpressionsAtEnd,
		analytics.ClicksAtEnd,
		analytics.ImpressionsAtEnd,
		analytics.ClicksAtEnd,
		id,
		string(domain.StatusActive),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkRenewed(ctx context.Context, db *gorm.DB, id, renewedByID int64, analytics domain.AnalyticsClose) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET status = ?,
		     renewed_by_promotion_id = ?,
		     impressions_at_end = ?, clicks_at_end = ?,
		     impressions_gained = ? - impressions_at_start,
		     clicks_gained = ? - clicks_at_start,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(domain.StatusRenewed),
		renewedByID,
		analytics.ImpressionsAtEnd,
		analytics.ClicksAtEnd,
		analytics.ImpressionsAtEnd,
		analytics.ClicksAtEnd,
		id,
		string(domain.StatusActive),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkCancelled(ctx context.Context, db *gorm.DB, id int64, stamp domain.CancelStamp) (bool, error) {
	var cancelledBy *string
	if stamp.CancelledBy != "" {
		cancelledBy = &stamp.CancelledBy
	}
	var reason *string
	if stamp.Reason != "" {
		reason = &stamp.Reason
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET status = ?,
		     cancelled_at = ?, cancelled_by = ?, cancellation_reason = ?,
		     credits_refunded = ?,
		     impressions_at_end = ?, clicks_at_end = ?,
		     impressions_gained = ? - impressions_at_start,
		     clicks_gained = ? - clicks_at_start,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(domain.StatusCancelled),
		stamp.CancelledAt,
		cancelledBy,
		reason,
		stamp.CreditsRefunded,
		stamp.Analytics.ImpressionsAtEnd,
		stamp.Analytics.ClicksAtEnd,
		stamp.Analytics.ImpressionsAtEnd,
		stamp.Analytics.ClicksAtEnd,
		id,
		string(domain.StatusActive),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SetRefundTransactionID(ctx context.Context, db *gorm.DB, id, refundTransactionID int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET refund_transaction_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND refund_transaction_id IS NULL`,
		refundTransactionID,
		id,
	).Error
}

func (r *repo) SetAutoRenew(ctx context.Context, db *gorm.DB, id int64, enabled bool) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET auto_renew = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND auto_renew = ?`,
		enabled,
		id,
		!enabled,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkExpirationAlertSent(ctx context.Context, db *gorm.DB, id int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET expiration_alert_sent = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND expiration_alert_sent = ?`,
		true,
		id,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Promotion, error) {
	var items []domain.Promotion
	stmt := db.WithContext(ctx).
		Model(&domain.Promotion{}).
		Where("status = ?", string(domain.StatusActive))
	stmt = option.ApplyOperator(option.Condition{
		Column:   "end_date",
		Value:    now,
		Operator: option.LTE,
	}).Apply(stmt)
	stmt = option.WithLimit(limit).Apply(stmt)
	if err := stmt.Order("end_date ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindDueForRenewal(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Promotion, error) {
	var items []domain.Promotion
	stmt := db.WithContext(ctx).
		Model(&domain.Promotion{}).
		Where("status = ?", string(domain.StatusActive)).
		Where("auto_renew = ?", true)
	stmt = option.ApplyOperator(option.Condition{
		Column:   "end_date",
		Value:    before,
		Operator: option.LTE,
	}).Apply(stmt)
	stmt = option.WithLimit(limit).Apply(stmt)
	if err := stmt.Order("end_date ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindNeedingExpirationAlert(ctx context.Context, db *gorm.DB, now, windowEnd time.Time, limit int) ([]domain.Promotion, error) {
	var items []domain.Promotion
	stmt := db.WithContext(ctx).
		Model(&domain.Promotion{}).
		Where("status = ?", string(domain.StatusActive)).
		Where("expiration_alert_sent = ?", false)
	stmt = option.ApplyOperator(option.Condition{
		Column:   "end_date",
		Value:    now,
		Operator: option.GTE,
	}).Apply(stmt)
	stmt = option.ApplyOperator(option.Condition{
		Column:   "end_date",
		Value:    windowEnd,
		Operator: option.LTE,
	}).Apply(stmt)
	stmt = option.WithLimit(limit).Apply(stmt)
	if err := stmt.Order("end_date ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
