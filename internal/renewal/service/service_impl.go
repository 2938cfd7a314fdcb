package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	alertingdomain "github.com/baulisto/billing/internal/alerting/domain"
	auditdomain "github.com/baulisto/billing/internal/audit/domain"
	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/events"
	ledgerdomain "github.com/baulisto/billing/internal/ledger/domain"
	listingdomain "github.com/baulisto/billing/internal/listing/domain"
	notificationdomain "github.com/baulisto/billing/internal/notification/domain"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
	orgdomain "github.com/baulisto/billing/internal/organization/domain"
	promotiondomain "github.com/baulisto/billing/internal/promotion/domain"
	"github.com/baulisto/billing/internal/renewal/domain"
	"github.com/baulisto/billing/pkg/repository"
)

const day = 24 * time.Hour

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Promotions    promotiondomain.Repository
	Listings      listingdomain.Repository
	Ledger        ledgerdomain.Service
	Orgs          orgdomain.Service
	Outbox        *events.Outbox             `optional:"true"`
	Notifications notificationdomain.Service `optional:"true"`
	Audit         auditdomain.Service        `optional:"true"`
	Alerts        alertingdomain.Service     `optional:"true"`
	Metrics       *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	promotions    promotiondomain.Repository
	packages      repository.Repository[promotiondomain.PromotionPackage]
	listings      listingdomain.Repository
	ledger        ledgerdomain.Service
	orgs          orgdomain.Service
	outbox        *events.Outbox
	notifications notificationdomain.Service
	audit         auditdomain.Service
	alerts        alertingdomain.Service
	metrics       *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("renewal.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		promotions:    p.Promotions,
		packages:      repository.ProvideStore[promotiondomain.PromotionPackage](p.DB),
		listings:      p.Listings,
		ledger:        p.Ledger,
		orgs:          p.Orgs,
		outbox:        p.Outbox,
		notifications: p.Notifications,
		audit:         p.Audit,
		alerts:        p.Alerts,
		metrics:       p.Metrics,
	}
}

func (s *Service) ProcessAutoRenewal(ctx context.Context, promotionID int64) (domain.RenewalResult, error) {
	promo, err := s.promotions.FindByID(ctx, s.db, promotionID)
	if err != nil {
		return domain.RenewalResult{}, err
	}
	if promo == nil {
		return domain.RenewalResult{Reason: domain.ReasonNotFound}, nil
	}
	if !promo.AutoRenew {
		return domain.RenewalResult{Reason: domain.ReasonAutoRenewDisabled}, nil
	}
	if promo.Status != promotiondomain.StatusActive {
		return domain.RenewalResult{Reason: domain.ReasonNotActive}, nil
	}

	pkg, err := s.packages.FindOne(ctx, &promotiondomain.PromotionPackage{ID: promo.PackageID})
	if err != nil {
		return domain.RenewalResult{}, err
	}
	if pkg == nil {
		return domain.RenewalResult{}, promotiondomain.ErrPackageNotFound
	}
	// A deactivated package still renews: catalog rows are immutable and the
	// organization keeps the pricing it signed up for.

	newID := s.genID.Generate().Int64()
	mutation, err := s.ledger.DeductCredits(ctx, ledgerdomain.MutationRequest{
		OrgID:       snowflake.ID(promo.OrgID),
		Amount:      pkg.CostInCredits,
		Type:        ledgerdomain.TransactionTypeAutoRenewal,
		Description: fmt.Sprintf("Auto-renewal: %s (%d days)", pkg.Name, pkg.DurationDays),
		Reference: &ledgerdomain.Reference{
			Type: ledgerdomain.ReferenceTypeAutoRenewal,
			ID:   strconv.FormatInt(newID, 10),
		},
	})
	if ledgerdomain.IsInsufficientCredits(err) {
		return s.expireUnfunded(ctx, promo, pkg, err)
	}
	if err != nil {
		return domain.RenewalResult{}, err
	}

	next, err := s.openNextWindow(ctx, promo, pkg, newID, mutation.Transaction.ID.Int64())
	if err != nil {
		return s.recoverAfterDebit(ctx, promo, pkg, mutation.Transaction.ID, err)
	}

	if err := s.ledger.LinkPromotion(ctx, mutation.Transaction.ID, snowflake.ID(next.ID)); err != nil {
		// promotions.credit_transaction_id carries the forward link, so the
		// reconciliation job can back-fill this one.
		s.log.Error("failed to link renewal debit",
			zap.Int64("promotion_id", next.ID),
			zap.Error(err))
	}

	s.metrics.RecordPromotionTransition(ctx, string(promotiondomain.StatusActive), string(promotiondomain.StatusRenewed))
	s.writeAuditLog(ctx, promo, "promotion.renewed", map[string]any{
		"new_promotion_id": strconv.FormatInt(next.ID, 10),
		"renewal_count":    next.RenewalCount,
		"credits_spent":    pkg.CostInCredits,
	})
	s.notifyRenewalSuccess(ctx, promo, next, pkg, mutation.NewBalance)
	s.checkLowBalance(ctx, promo.OrgID, mutation.NewBalance)

	s.log.Info("promotion renewed",
		zap.Int64("promotion_id", promo.ID),
		zap.Int64("new_promotion_id", next.ID),
		zap.Int("renewal_count", next.RenewalCount))

	return domain.RenewalResult{
		Renewed:        true,
		Reason:         domain.ReasonRenewed,
		NewPromotionID: next.ID,
	}, nil
}

// openNextWindow closes the old promotion and creates its successor in one
// transaction. The renewed transition runs first so the one-active index
// never sees two active rows for the construction; the construction keeps
// its promoted flag throughout.
func (s *Service) openNextWindow(ctx context.Context, promo *promotiondomain.Promotion, pkg *promotiondomain.PromotionPackage, newID, transactionID int64) (*promotiondomain.Promotion, error) {
	analytics := s.closeAnalytics(ctx, promo)
	now := s.clock.Now()
	next := &promotiondomain.Promotion{
		ID:                  newID,
		OrgID:               promo.OrgID,
		ConstructionID:      promo.ConstructionID,
		PackageID:           pkg.ID,
		Status:              promotiondomain.StatusActive,
		CreditsSpent:        pkg.CostInCredits,
		CreditTransactionID: transactionID,
		StartDate:           now,
		EndDate:             now.Add(time.Duration(pkg.DurationDays) * day),
		AutoRenew:           true,
		RenewalCount:        promo.RenewalCount + 1,
		PreviousPromotionID: &promo.ID,
		ImpressionsAtStart:  analytics.ImpressionsAtEnd,
		ClicksAtStart:       analytics.ClicksAtEnd,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.promotions.MarkRenewed(ctx, tx, promo.ID, newID, analytics)
		if err != nil {
			return err
		}
		if !moved {
			return promotiondomain.ErrNotActive
		}
		if err := s.promotions.Create(ctx, tx, next); err != nil {
			return err
		}
		if err := s.publishTx(ctx, tx, events.EventPromotionRenewed, promo, map[string]any{
			"new_promotion_id": strconv.FormatInt(next.ID, 10),
		}); err != nil {
			return err
		}
		return s.publishTx(ctx, tx, events.EventPromotionActivated, next, map[string]any{
			"package_id": strconv.FormatInt(next.PackageID, 10),
			"end_date":   next.EndDate,
		})
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// expireUnfunded closes out a promotion whose renewal could not be funded.
// Auto-renew switches off so the next sweep does not retry against a balance
// that has not changed.
func (s *Service) expireUnfunded(ctx context.Context, promo *promotiondomain.Promotion, pkg *promotiondomain.PromotionPackage, cause error) (domain.RenewalResult, error) {
	var insufficient *ledgerdomain.InsufficientCreditsError
	errors.As(cause, &insufficient)

	moved, err := s.expire(ctx, promo)
	if err != nil {
		return domain.RenewalResult{}, err
	}
	if !moved {
		// A concurrent sweep closed it first; nothing left to report.
		return domain.RenewalResult{Reason: domain.ReasonNotActive}, nil
	}
	if _, err := s.promotions.SetAutoRenew(ctx, s.db, promo.ID, false); err != nil {
		s.log.Warn("failed to switch off auto-renew",
			zap.Int64("promotion_id", promo.ID),
			zap.Error(err))
	}

	s.metrics.RecordPromotionTransition(ctx, string(promotiondomain.StatusActive), string(promotiondomain.StatusExpired))
	s.writeAuditLog(ctx, promo, "promotion.renewal_failed", map[string]any{
		"reason":    string(domain.ReasonInsufficientCredits),
		"required":  insufficient.Required,
		"available": insufficient.Available,
	})
	s.notifyRenewalFailure(ctx, promo, pkg, insufficient)

	s.log.Info("renewal skipped, insufficient credits",
		zap.Int64("promotion_id", promo.ID),
		zap.Int64("org_id", promo.OrgID),
		zap.Int64("required", insufficient.Required),
		zap.Int64("available", insufficient.Available))

	return domain.RenewalResult{Reason: domain.ReasonInsufficientCredits}, nil
}

// recoverAfterDebit handles a failure between the renewal debit and the new
// promotion row. The old window has passed, so the promotion is closed out
// rather than left active; the unlinked debit surfaces through the
// orphaned-debit reconciliation.
func (s *Service) recoverAfterDebit(ctx context.Context, promo *promotiondomain.Promotion, pkg *promotiondomain.PromotionPackage, transactionID snowflake.ID, cause error) (domain.RenewalResult, error) {
	s.log.Error("renewal failed after debit",
		zap.Int64("promotion_id", promo.ID),
		zap.String("transaction_id", transactionID.String()),
		zap.Error(cause))

	moved, err := s.expire(ctx, promo)
	if err != nil {
		s.log.Error("failed to expire promotion after renewal failure",
			zap.Int64("promotion_id", promo.ID),
			zap.Error(err))
	} else if moved {
		s.metrics.RecordPromotionTransition(ctx, string(promotiondomain.StatusActive), string(promotiondomain.StatusExpired))
	}

	s.writeAuditLog(ctx, promo, "promotion.renewal_failed", map[string]any{
		"reason":         "renewal_error",
		"transaction_id": transactionID.String(),
	})
	s.notifyRenewalFailure(ctx, promo, pkg, nil)

	return domain.RenewalResult{}, cause
}

// expire moves the promotion out of active with its analytics closed and the
// construction unmarked. Returns false when another writer got there first.
func (s *Service) expire(ctx context.Context, promo *promotiondomain.Promotion) (bool, error) {
	analytics := s.closeAnalytics(ctx, promo)
	var moved bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.promotions.MarkExpired(ctx, tx, promo.ID, analytics)
		if err != nil {
			return err
		}
		moved = m
		if !m {
			return nil
		}
		if _, err := s.listings.SetPromoted(ctx, tx, promo.ConstructionID, false); err != nil {
			return err
		}
		return s.publishTx(ctx, tx, events.EventPromotionExpired, promo, map[string]any{
			"end_date": promo.EndDate,
		})
	})
	return moved, err
}

// closeAnalytics reads the live counters for the end-of-window snapshot. A
// missing construction falls back to the start snapshot so gains close at
// zero instead of negative.
func (s *Service) closeAnalytics(ctx context.Context, promo *promotiondomain.Promotion) promotiondomain.AnalyticsClose {
	analytics := promotiondomain.AnalyticsClose{
		ImpressionsAtEnd: promo.ImpressionsAtStart,
		ClicksAtEnd:      promo.ClicksAtStart,
	}
	construction, err := s.listings.FindByID(ctx, s.db, promo.ConstructionID)
	if err != nil {
		s.log.Warn("failed to read construction counters",
			zap.Int64("construction_id", promo.ConstructionID),
			zap.Error(err))
		return analytics
	}
	if construction != nil {
		analytics.ImpressionsAtEnd = construction.Impressions
		analytics.ClicksAtEnd = construction.Clicks
	}
	return analytics
}

// billingEmail resolves the organization's notification recipient, falling
// back from the billing subrecord to the organization record.
func (s *Service) billingEmail(ctx context.Context, orgID int64) string {
	billing, err := s.orgs.GetBilling(ctx, snowflake.ID(orgID))
	if err == nil && billing.BillingEmail != "" {
		return billing.BillingEmail
	}
	org, err := s.orgs.GetByID(ctx, snowflake.ID(orgID))
	if err != nil {
		s.log.Warn("failed to resolve billing email",
			zap.Int64("org_id", orgID),
			zap.Error(err))
		return ""
	}
	return org.BillingEmail
}

func (s *Service) notifyRenewalSuccess(ctx context.Context, promo, next *promotiondomain.Promotion, pkg *promotiondomain.PromotionPackage, balance int64) {
	if s.notifications == nil {
		return
	}
	email := s.billingEmail(ctx, promo.OrgID)
	if email == "" {
		s.log.Debug("renewal mail skipped, no billing email",
			zap.Int64("org_id", promo.OrgID))
		return
	}
	body := fmt.Sprintf(
		"<p>Your promotion was renewed for another <strong>%d days</strong> at %d credits.</p>"+
			"<p>The new window runs until %s. Current balance: %d credits.</p>",
		pkg.DurationDays, pkg.CostInCredits, next.EndDate.Format("2006-01-02"), balance)
	if _, err := s.notifications.Enqueue(ctx, notificationdomain.EnqueueRequest{
		OrgID:      promo.OrgID,
		Kind:       notificationdomain.KindRenewalSuccess,
		Recipients: []string{email},
		Subject:    fmt.Sprintf("Promotion renewed: %s", pkg.Name),
		BodyHTML:   body,
	}); err != nil {
		s.log.Warn("failed to enqueue renewal success notification",
			zap.Int64("promotion_id", promo.ID),
			zap.Error(err))
	}
}

func (s *Service) notifyRenewalFailure(ctx context.Context, promo *promotiondomain.Promotion, pkg *promotiondomain.PromotionPackage, insufficient *ledgerdomain.InsufficientCreditsError) {
	if s.notifications == nil {
		return
	}
	email := s.billingEmail(ctx, promo.OrgID)
	if email == "" {
		s.log.Debug("renewal failure mail skipped, no billing email",
			zap.Int64("org_id", promo.OrgID))
		return
	}
	body := "<p>Your promotion could not be renewed and has expired.</p>" +
		"<p>Promote the listing again to restore its visibility.</p>"
	if insufficient != nil {
		body = fmt.Sprintf(
			"<p>Your promotion could not be renewed: the renewal costs <strong>%d credits</strong> but only %d are available.</p>"+
				"<p>The promotion has expired and auto-renewal was switched off. Top up and promote the listing again to restore it.</p>",
			insufficient.Required, insufficient.Available)
	}
	if _, err := s.notifications.Enqueue(ctx, notificationdomain.EnqueueRequest{
		OrgID:      promo.OrgID,
		Kind:       notificationdomain.KindRenewalFailure,
		Recipients: []string{email},
		Subject:    fmt.Sprintf("Promotion renewal failed: %s", pkg.Name),
		BodyHTML:   body,
	}); err != nil {
		s.log.Warn("failed to enqueue renewal failure notification",
			zap.Int64("promotion_id", promo.ID),
			zap.Error(err))
	}
}

func (s *Service) publishTx(ctx context.Context, tx *gorm.DB, eventType string, promo *promotiondomain.Promotion, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["promotion_id"] = strconv.FormatInt(promo.ID, 10)
	payload["construction_id"] = strconv.FormatInt(promo.ConstructionID, 10)
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID:     snowflake.ID(promo.OrgID),
		Type:      eventType,
		Payload:   payload,
		DedupeKey: eventType + ":" + strconv.FormatInt(promo.ID, 10),
	})
}

func (s *Service) writeAuditLog(ctx context.Context, promo *promotiondomain.Promotion, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	orgID := snowflake.ID(promo.OrgID)
	targetID := strconv.FormatInt(promo.ID, 10)
	if err := s.audit.AuditLog(ctx, &orgID, "system", nil, action, "promotion", &targetID, metadata); err != nil {
		s.log.Warn("failed to write renewal audit log", zap.Error(err))
	}
}

func (s *Service) checkLowBalance(ctx context.Context, orgID, balance int64) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.CheckLowBalance(ctx, snowflake.ID(orgID), balance); err != nil {
		s.log.Warn("low balance check failed",
			zap.Int64("org_id", orgID),
			zap.Error(err))
	}
}
