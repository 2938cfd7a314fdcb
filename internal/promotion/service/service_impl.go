package service

import (
	"context"
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
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
	"github.com/baulisto/billing/internal/promotion/domain"
	"github.com/baulisto/billing/pkg/db"
	"github.com/baulisto/billing/pkg/db/option"
	"github.com/baulisto/billing/pkg/repository"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Listings listingdomain.Repository
	Ledger   ledgerdomain.Service
	Outbox   *events.Outbox         `optional:"true"`
	Audit    auditdomain.Service    `optional:"true"`
	Alerts   alertingdomain.Service `optional:"true"`
	Metrics  *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	packages repository.Repository[domain.PromotionPackage]
	listings listingdomain.Repository
	ledger   ledgerdomain.Service
	outbox   *events.Outbox
	audit    auditdomain.Service
	alerts   alertingdomain.Service
	metrics  *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("promotion.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		packages: repository.ProvideStore[domain.PromotionPackage](p.DB),
		listings: p.Listings,
		ledger:   p.Ledger,
		outbox:   p.Outbox,
		audit:    p.Audit,
		alerts:   p.Alerts,
		metrics:  p.Metrics,
	}
}

func (s *Service) Purchase(ctx context.Context, req domain.PurchaseRequest) (*domain.Promotion, error) {
	pkg, err := s.packages.FindOne(ctx, &domain.PromotionPackage{ID: req.PackageID})
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, domain.ErrPackageNotFound
	}
	if !pkg.IsActive {
		return nil, domain.ErrPackageInactive
	}

	construction, err := s.listings.FindByID(ctx, s.db, req.ConstructionID)
	if err != nil {
		return nil, err
	}
	if construction == nil {
		return nil, domain.ErrConstructionNotFound
	}
	if construction.OrgID != req.OrgID {
		return nil, domain.ErrOwnershipMismatch
	}
	if !construction.Promotable() {
		return nil, domain.ErrNotPromotable
	}

	existing, err := s.repo.FindActiveByConstruction(ctx, s.db, req.ConstructionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrAlreadyPromoted
	}

	promoID := s.genID.Generate().Int64()

	// Debit before creating the promotion. A crash between the two leaves
	// an orphaned debit the reconciliation job reports and heals.
	mutation, err := s.ledger.DeductCredits(ctx, ledgerdomain.MutationRequest{
		OrgID:       snowflake.ID(req.OrgID),
		Amount:      pkg.CostInCredits,
		Type:        ledgerdomain.TransactionTypePromotion,
		Description: fmt.Sprintf("Promotion: %s (%d days)", pkg.Name, pkg.DurationDays),
		Reference: &ledgerdomain.Reference{
			Type: ledgerdomain.ReferenceTypePromotion,
			ID:   strconv.FormatInt(promoID, 10),
		},
		PerformedBy: req.UserID,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	promo := &domain.Promotion{
		ID:                  promoID,
		OrgID:               req.OrgID,
		ConstructionID:      req.ConstructionID,
		PackageID:           pkg.ID,
		Status:              domain.StatusActive,
		CreditsSpent:        pkg.CostInCredits,
		CreditTransactionID: mutation.Transaction.ID.Int64(),
		StartDate:           now,
		EndDate:             now.Add(time.Duration(pkg.DurationDays) * day),
		AutoRenew:           req.AutoRenew,
		ImpressionsAtStart:  construction.Impressions,
		ClicksAtStart:       construction.Clicks,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, promo); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadyPromoted
			}
			return err
		}
		if _, err := s.listings.SetPromoted(ctx, tx, construction.ID, true); err != nil {
			return err
		}
		return s.publishTx(ctx, tx, events.EventPromotionActivated, promo)
	})
	if err != nil {
		s.log.Error("promotion insert failed after debit, reconciliation will report",
			zap.Int64("org_id", req.OrgID),
			zap.String("transaction_id", mutation.Transaction.ID.String()),
			zap.Error(err))
		return nil, err
	}

	if err := s.ledger.LinkPromotion(ctx, mutation.Transaction.ID, snowflake.ID(promoID)); err != nil {
		// The forward link promotions.credit_transaction_id exists, so the
		// reconciliation job can back-fill this.
		s.log.Error("failed to link promotion to debit",
			zap.Int64("promotion_id", promoID),
			zap.Error(err))
	}

	s.metrics.RecordPromotionTransition(ctx, "none", string(domain.StatusActive))
	s.writeAuditLog(ctx, promo, "promotion.purchased", req.UserID, map[string]any{
		"package_id":    pkg.ID,
		"credits_spent": pkg.CostInCredits,
		"auto_renew":    req.AutoRenew,
	})
	s.checkLowBalance(ctx, req.OrgID, mutation.NewBalance)

	return promo, nil
}

func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) (*domain.CancelResult, error) {
	promo, err := s.repo.FindByID(ctx, s.db, req.PromotionID)
	if err != nil {
		return nil, err
	}
	if promo == nil {
		return nil, domain.ErrPromotionNotFound
	}
	if promo.Status != domain.StatusActive {
		return nil, domain.ErrNotActive
	}

	now := s.clock.Now()
	proration := computeProration(promo.StartDate, promo.EndDate, now, promo.CreditsSpent)
	analytics := s.closeAnalytics(ctx, promo)

	// Transition before refunding: the guarded update is the gate that makes
	// a concurrent double-cancel refund exactly once.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.repo.MarkCancelled(ctx, tx, promo.ID, domain.CancelStamp{
			CancelledAt:     now,
			CancelledBy:     req.UserID,
			Reason:          req.Reason,
			CreditsRefunded: proration.Refund,
			Analytics:       analytics,
		})
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrNotActive
		}
		if _, err := s.listings.SetPromoted(ctx, tx, promo.ConstructionID, false); err != nil {
			return err
		}
		return s.publishTx(ctx, tx, events.EventPromotionCancelled, promo)
	})
	if err != nil {
		return nil, err
	}

	if proration.Refund > 0 {
		if err := s.issueRefund(ctx, promo, proration.Refund, req.UserID); err != nil {
			// The cancelled row records the owed amount with a NULL refund
			// transaction; the reconciliation job retries it.
			s.log.Error("refund failed after cancellation",
				zap.Int64("promotion_id", promo.ID),
				zap.Int64("refund", proration.Refund),
				zap.Error(err))
		}
	}

	s.metrics.RecordPromotionTransition(ctx, string(domain.StatusActive), string(domain.StatusCancelled))
	s.writeAuditLog(ctx, promo, "promotion.cancelled", req.UserID, map[string]any{
		"reason":           req.Reason,
		"credits_refunded": proration.Refund,
		"days_used":        proration.DaysUsed,
		"days_remaining":   proration.DaysRemaining,
	})

	fresh, err := s.repo.FindByID(ctx, s.db, promo.ID)
	if err != nil || fresh == nil {
		fresh = promo
	}
	return &domain.CancelResult{Promotion: fresh, Proration: proration}, nil
}

// issueRefund credits the prorated amount back and stamps the transaction id
// onto the promotion row.
func (s *Service) issueRefund(ctx context.Context, promo *domain.Promotion, refund int64, userID string) error {
	mutation, err := s.ledger.AddCredits(ctx, ledgerdomain.MutationRequest{
		OrgID:       snowflake.ID(promo.OrgID),
		Amount:      refund,
		Type:        ledgerdomain.TransactionTypeRefund,
		Description: fmt.Sprintf("Refund for cancelled promotion %d", promo.ID),
		Reference: &ledgerdomain.Reference{
			Type: ledgerdomain.ReferenceTypePromotion,
			ID:   strconv.FormatInt(promo.ID, 10),
		},
		PerformedBy: userID,
	})
	if err != nil {
		return err
	}
	return s.repo.SetRefundTransactionID(ctx, s.db, promo.ID, mutation.Transaction.ID.Int64())
}

func (s *Service) Expire(ctx context.Context, promotionID int64) error {
	promo, err := s.repo.FindByID(ctx, s.db, promotionID)
	if err != nil {
		return err
	}
	if promo == nil {
		return domain.ErrPromotionNotFound
	}
	if promo.Status != domain.StatusActive {
		return domain.ErrNotActive
	}

	analytics := s.closeAnalytics(ctx, promo)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.repo.MarkExpired(ctx, tx, promo.ID, analytics)
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrNotActive
		}
		if _, err := s.listings.SetPromoted(ctx, tx, promo.ConstructionID, false); err != nil {
			return err
		}
		return s.publishTx(ctx, tx, events.EventPromotionExpired, promo)
	})
	if err != nil {
		return err
	}

	s.metrics.RecordPromotionTransition(ctx, string(domain.StatusActive), string(domain.StatusExpired))
	s.writeAuditLog(ctx, promo, "promotion.expired", "", map[string]any{
		"end_date": promo.EndDate,
	})
	return nil
}

func (s *Service) Get(ctx context.Context, orgID, promotionID int64) (*domain.Promotion, error) {
	promo, err := s.repo.FindByID(ctx, s.db, promotionID)
	if err != nil {
		return nil, err
	}
	if promo == nil || promo.OrgID != orgID {
		return nil, domain.ErrPromotionNotFound
	}
	return promo, nil
}

func (s *Service) ListByOrg(ctx context.Context, orgID int64, status domain.Status) ([]domain.Promotion, error) {
	return s.repo.ListByOrg(ctx, s.db, orgID, status)
}

func (s *Service) ListPackages(ctx context.Context, activeOnly bool) ([]domain.PromotionPackage, error) {
	query := &domain.PromotionPackage{}
	if activeOnly {
		query.IsActive = true
	}
	rows, err := s.packages.Find(ctx, query,
		option.WithSortBy(option.WithQuerySortBy("cost_in_credits", "asc", map[string]bool{"cost_in_credits": true})))
	if err != nil {
		return nil, err
	}
	items := make([]domain.PromotionPackage, 0, len(rows))
	for _, row := range rows {
		items = append(items, *row)
	}
	return items, nil
}

func (s *Service) ComputeProration(start, end, now time.Time, creditsSpent int64) domain.Proration {
	return computeProration(start, end, now, creditsSpent)
}

// closeAnalytics reads the live counters for the end-of-window snapshot. A
// missing construction falls back to the start snapshot so gains close at
// zero instead of negative.
func (s *Service) closeAnalytics(ctx context.Context, promo *domain.Promotion) domain.AnalyticsClose {
	analytics := domain.AnalyticsClose{
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

func (s *Service) publishTx(ctx context.Context, tx *gorm.DB, eventType string, promo *domain.Promotion) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID: snowflake.ID(promo.OrgID),
		Type:  eventType,
		Payload: map[string]any{
			"promotion_id":    strconv.FormatInt(promo.ID, 10),
			"construction_id": strconv.FormatInt(promo.ConstructionID, 10),
			"package_id":      strconv.FormatInt(promo.PackageID, 10),
			"end_date":        promo.EndDate,
		},
		DedupeKey: eventType + ":" + strconv.FormatInt(promo.ID, 10),
	})
}

func (s *Service) writeAuditLog(ctx context.Context, promo *domain.Promotion, action, actorID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	orgID := snowflake.ID(promo.OrgID)
	targetID := strconv.FormatInt(promo.ID, 10)
	actorType := "user"
	var actor *string
	if actorID != "" {
		actor = &actorID
	} else {
		actorType = "system"
	}
	if err := s.audit.AuditLog(ctx, &orgID, actorType, actor, action, "promotion", &targetID, metadata); err != nil {
		s.log.Warn("failed to write promotion audit log", zap.Error(err))
	}
}

func (s *Service) checkLowBalance(ctx context.Context, orgID, balance int64) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.CheckLowBalance(ctx, snowflake.ID(orgID), balance); err != nil {
		s.log.Warn("low balance check failed", zap.Int64("org_id", orgID), zap.Error(err))
	}
}
