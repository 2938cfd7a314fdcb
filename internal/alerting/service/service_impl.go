package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/alerting/domain"
	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	notificationdomain "github.com/baulisto/billing/internal/notification/domain"
)

// dedupeWindow is the minimum gap between two low-balance alerts for the
// same organization.
const dedupeWindow = 24 * time.Hour

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Billing       *config.BillingConfigHolder
	Notifications notificationdomain.Service
}

type service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	billing       *config.BillingConfigHolder
	notifications notificationdomain.Service
}

func NewService(p Params) domain.Service {
	return &service{
		db:            p.DB,
		log:           p.Log.Named("alerting.service"),
		clock:         p.Clock,
		billing:       p.Billing,
		notifications: p.Notifications,
	}
}

func (s *service) CheckLowBalance(ctx context.Context, orgID snowflake.ID, balance int64) error {
	var row struct {
		OrgID        int64
		Enabled      bool
		Threshold    int64
		BillingEmail string
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT org_id, low_balance_alert_enabled AS enabled,
		        low_balance_alert_threshold AS threshold, billing_email
		 FROM organization_billing WHERE org_id = ?`,
		orgID,
	).Scan(&row).Error
	if err != nil {
		return err
	}
	if row.OrgID == 0 {
		s.log.Warn("low balance check for unknown organization", zap.Int64("org_id", int64(orgID)))
		return nil
	}
	if !row.Enabled || balance >= row.Threshold {
		return nil
	}

	// Claim the alert slot. The guarded update makes concurrent checks
	// produce exactly one alert per window.
	now := s.clock.Now()
	cutoff := now.Add(-dedupeWindow)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE organization_billing
		 SET last_low_balance_alert_at = ?, updated_at = ?
		 WHERE org_id = ?
		   AND low_balance_alert_enabled = ?
		   AND (last_low_balance_alert_at IS NULL OR last_low_balance_alert_at <= ?)`,
		now,
		now,
		orgID,
		true,
		cutoff,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}

	severity := s.classify(balance)
	if row.BillingEmail == "" {
		s.log.Warn("low balance alert skipped, no billing email",
			zap.Int64("org_id", int64(orgID)),
			zap.String("severity", string(severity)))
		return nil
	}

	_, err = s.notifications.Enqueue(ctx, notificationdomain.EnqueueRequest{
		OrgID:      int64(orgID),
		Kind:       notificationdomain.KindLowBalance,
		Recipients: []string{row.BillingEmail},
		Subject:    fmt.Sprintf("Credit balance %s: %d credits remaining", severity, balance),
		BodyHTML: fmt.Sprintf(
			"<p>Your credit balance dropped to <strong>%d</strong> credits (severity: %s).</p>"+
				"<p>Top up now to keep your promotions running without interruption.</p>",
			balance, severity),
	})
	if err != nil {
		return err
	}

	s.log.Info("low balance alert enqueued",
		zap.Int64("org_id", int64(orgID)),
		zap.Int64("balance", balance),
		zap.String("severity", string(severity)))
	return nil
}

// classify maps the balance onto a severity using the hot-reloadable
// thresholds. Descending order: critical wins over low.
func (s *service) classify(balance int64) domain.Severity {
	thresholds := s.billing.Get().LowBalance
	switch {
	case balance < thresholds.CriticalBelow:
		return domain.SeverityCritical
	case balance < thresholds.LowBelow:
		return domain.SeverityLow
	default:
		return domain.SeverityModerate
	}
}
