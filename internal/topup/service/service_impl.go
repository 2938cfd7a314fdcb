package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	alertingdomain "github.com/baulisto/billing/internal/alerting/domain"
	auditdomain "github.com/baulisto/billing/internal/audit/domain"
	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	"github.com/baulisto/billing/internal/events"
	ledgerdomain "github.com/baulisto/billing/internal/ledger/domain"
	notificationdomain "github.com/baulisto/billing/internal/notification/domain"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
	orgdomain "github.com/baulisto/billing/internal/organization/domain"
	paymentstripe "github.com/baulisto/billing/internal/payment/stripe"
	"github.com/baulisto/billing/internal/providers/pdf"
	"github.com/baulisto/billing/internal/topup/domain"
)

// checkoutSessionTTL bounds how long a hosted checkout stays payable. The
// provider emits an expiry webhook when it lapses.
const checkoutSessionTTL = 30 * time.Minute

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	Billing       *config.BillingConfigHolder
	Repo          domain.Repository
	Orgs          orgdomain.Service
	Ledger        ledgerdomain.Service
	Stripe        paymentstripe.API          `optional:"true"`
	Notifications notificationdomain.Service `optional:"true"`
	Alerts        alertingdomain.Service     `optional:"true"`
	Audit         auditdomain.Service        `optional:"true"`
	Metrics       *obsmetrics.Metrics        `optional:"true"`
	PDF           pdf.Provider               `optional:"true"`
	Outbox        *events.Outbox             `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	cfg           config.Config
	billing       *config.BillingConfigHolder
	repo          domain.Repository
	orgs          orgdomain.Service
	ledger        ledgerdomain.Service
	stripe        paymentstripe.API
	notifications notificationdomain.Service
	alerts        alertingdomain.Service
	audit         auditdomain.Service
	metrics       *obsmetrics.Metrics
	pdf           pdf.Provider
	outbox        *events.Outbox
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("topup.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		cfg:           p.Config,
		billing:       p.Billing,
		repo:          p.Repo,
		orgs:          p.Orgs,
		ledger:        p.Ledger,
		stripe:        p.Stripe,
		notifications: p.Notifications,
		alerts:        p.Alerts,
		audit:         p.Audit,
		metrics:       p.Metrics,
		pdf:           p.PDF,
		outbox:        p.Outbox,
	}
}

func (s *Service) CreateCheckout(ctx context.Context, req domain.CreateCheckoutRequest) (domain.CreateCheckoutResponse, error) {
	policy := s.billing.Get()
	if req.Amount < policy.MinTopupAmount || req.Amount > policy.MaxTopupAmount {
		return domain.CreateCheckoutResponse{}, domain.ErrInvalidTopupAmount
	}
	if s.stripe == nil {
		return domain.CreateCheckoutResponse{}, domain.ErrCheckoutNotAvailable
	}

	org, err := s.orgs.GetByID(ctx, req.OrgID)
	if err != nil {
		return domain.CreateCheckoutResponse{}, err
	}

	customerID, err := s.ensureStripeCustomer(ctx, org)
	if err != nil {
		return domain.CreateCheckoutResponse{}, err
	}

	bonusCredits, bonusPercentage := computeBonus(req.Amount, policy.BonusTiers)
	creditsToAdd := req.Amount + bonusCredits

	now := s.clock.Now()
	topup := &domain.Topup{
		ID:              s.genID.Generate(),
		OrgID:           req.OrgID,
		InitiatedBy:     strings.TrimSpace(req.UserID),
		AmountPaid:      req.Amount,
		CreditsReceived: creditsToAdd,
		BonusCredits:    bonusCredits,
		BonusPercentage: bonusPercentage,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, s.db, topup); err != nil {
		return domain.CreateCheckoutResponse{}, err
	}

	session, err := s.stripe.CreateCheckoutSession(ctx, paymentstripe.CreateCheckoutSessionRequest{
		CustomerID:  customerID,
		Amount:      req.Amount,
		Currency:    s.cfg.Stripe.Currency,
		ProductName: fmt.Sprintf("Credit top-up (%d credits)", creditsToAdd),
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		ExpiresAt:   now.Add(checkoutSessionTTL),
		Metadata: map[string]string{
			"type":             "credit_topup",
			"organization_id":  req.OrgID.String(),
			"user_id":          strings.TrimSpace(req.UserID),
			"topup_history_id": topup.ID.String(),
			"credits_to_add":   strconv.FormatInt(creditsToAdd, 10),
			"bonus_credits":    strconv.FormatInt(bonusCredits, 10),
			"bonus_percentage": strconv.FormatInt(bonusPercentage, 10),
		},
		IdempotencyKey: "topup:" + topup.ID.String(),
	})
	if err != nil {
		// No session means nothing can ever complete this row; close it
		// rather than leave a pending orphan.
		s.closeUnsellable(ctx, topup.ID, "checkout_session_create_failed")
		s.metrics.RecordTopupCheckout(ctx, "session_create_failed")
		return domain.CreateCheckoutResponse{}, err
	}

	if err := s.repo.SetSessionID(ctx, s.db, topup.ID, session.ID); err != nil {
		// The checkout URL never reaches the buyer, so the session dies
		// unpaid. Close the row; the stray session expires on the provider.
		s.closeUnsellable(ctx, topup.ID, "checkout_session_persist_failed")
		return domain.CreateCheckoutResponse{}, err
	}

	s.metrics.RecordTopupCheckout(ctx, "created")
	s.writeAuditLog(ctx, topup, "topup.checkout_created", topup.InitiatedBy, map[string]any{
		"amount":           req.Amount,
		"bonus_credits":    bonusCredits,
		"bonus_percentage": bonusPercentage,
		"session_id":       session.ID,
	})
	s.log.Info("topup checkout created",
		zap.String("topup_id", topup.ID.String()),
		zap.Int64("org_id", int64(req.OrgID)),
		zap.Int64("amount", req.Amount),
		zap.Int64("bonus_credits", bonusCredits))

	return domain.CreateCheckoutResponse{
		CheckoutURL:     session.URL,
		SessionID:       session.ID,
		TopupID:         topup.ID,
		Amount:          req.Amount,
		BonusCredits:    bonusCredits,
		BonusPercentage: bonusPercentage,
		CreditsToAdd:    creditsToAdd,
	}, nil
}

func (s *Service) ensureStripeCustomer(ctx context.Context, org orgdomain.Organization) (string, error) {
	billing, err := s.orgs.EnsureBilling(ctx, org.ID)
	if err != nil {
		return "", err
	}
	if billing.StripeCustomerID != nil && *billing.StripeCustomerID != "" {
		return *billing.StripeCustomerID, nil
	}

	email := billing.BillingEmail
	if email == "" {
		email = org.BillingEmail
	}
	customer, err := s.stripe.EnsureCustomer(ctx, paymentstripe.EnsureCustomerRequest{
		OrgID: org.ID,
		Name:  org.Name,
		Email: email,
	})
	if err != nil {
		return "", err
	}

	if err := s.orgs.SetStripeCustomerID(ctx, org.ID, customer.ID); err != nil {
		return "", err
	}
	// A concurrent first checkout may have won the guarded update. Re-read
	// and use whatever is stored; the provider-side idempotency key already
	// collapsed the two creates into one customer.
	billing, err = s.orgs.GetBilling(ctx, org.ID)
	if err != nil {
		return "", err
	}
	if billing.StripeCustomerID != nil && *billing.StripeCustomerID != "" {
		return *billing.StripeCustomerID, nil
	}
	return customer.ID, nil
}

func (s *Service) closeUnsellable(ctx context.Context, topupID snowflake.ID, reason string) {
	if _, err := s.repo.MarkFailed(ctx, s.db, topupID, "", reason); err != nil {
		s.log.Error("failed to close unsellable topup",
			zap.String("topup_id", topupID.String()),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// computeBonus applies the highest tier the amount reaches. Tiers are kept
// sorted by descending MinAmount by config validation.
func computeBonus(amount int64, tiers []config.BonusTier) (int64, int64) {
	for _, tier := range tiers {
		if amount >= tier.MinAmount {
			return amount * tier.Percentage / 100, tier.Percentage
		}
	}
	return 0, 0
}

func (s *Service) Complete(ctx context.Context, topupID snowflake.ID, paymentIntentID string) error {
	topup, err := s.repo.FindByID(ctx, s.db, topupID)
	if err != nil {
		return err
	}
	if topup == nil {
		return domain.ErrTopupNotFound
	}

	switch topup.Status {
	case domain.StatusPending:
	case domain.StatusCompleted:
		if topup.CreditTransactionID != nil {
			return nil
		}
		// Claimed on an earlier delivery but the credits never landed.
		// Settlement is idempotent, so the redelivery finishes the job.
		return s.settle(ctx, topup, paymentIntentID)
	default:
		return domain.ErrInvalidTransition
	}

	now := s.clock.Now()
	claimed, err := s.repo.MarkCompleted(ctx, s.db, topup.ID, domain.CompleteStamp{
		PaymentIntentID: paymentIntentID,
		CompletedAt:     now,
	})
	if err != nil {
		return err
	}
	if !claimed {
		current, err := s.repo.FindByID(ctx, s.db, topup.ID)
		if err != nil {
			return err
		}
		if current != nil && current.Status == domain.StatusCompleted {
			// Lost the claim to a concurrent delivery; that one settles.
			return nil
		}
		return domain.ErrInvalidTransition
	}

	topup.Status = domain.StatusCompleted
	topup.CompletedAt = &now
	intentID := paymentIntentID
	topup.StripePaymentIntentID = &intentID
	return s.settle(ctx, topup, paymentIntentID)
}

// settle lands the purchased credits, links the ledger row back onto the
// top-up and fans out the completion side effects. Safe to run again after a
// partial failure: already-written ledger rows are found by payment reference
// and never duplicated.
func (s *Service) settle(ctx context.Context, topup *domain.Topup, paymentIntentID string) error {
	transactionID, err := s.creditTopup(ctx, topup, paymentIntentID)
	if err != nil {
		s.log.Error("topup claimed but credits not landed, webhook retry resumes",
			zap.String("topup_id", topup.ID.String()),
			zap.Int64("org_id", int64(topup.OrgID)),
			zap.Error(err))
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.SetCreditTransactionID(ctx, tx, topup.ID, transactionID); err != nil {
			return err
		}
		if s.outbox != nil {
			return s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID: topup.OrgID,
				Type:  events.EventTopupCompleted,
				Payload: map[string]any{
					"topup_id":         topup.ID.String(),
					"amount_paid":      topup.AmountPaid,
					"credits_received": topup.CreditsReceived,
					"bonus_credits":    topup.BonusCredits,
					"transaction_id":   transactionID.String(),
				},
				DedupeKey: "topup_completed:" + topup.ID.String(),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.RecordTopupCheckout(ctx, "completed")
	s.writeAuditLog(ctx, topup, "topup.completed", topup.InitiatedBy, map[string]any{
		"amount_paid":      topup.AmountPaid,
		"credits_received": topup.CreditsReceived,
		"bonus_credits":    topup.BonusCredits,
		"payment_intent":   paymentIntentID,
	})
	s.log.Info("topup completed",
		zap.String("topup_id", topup.ID.String()),
		zap.Int64("org_id", int64(topup.OrgID)),
		zap.Int64("credits_received", topup.CreditsReceived))

	s.notifyCompleted(ctx, topup)
	return nil
}

// creditTopup writes the purchase and bonus transactions, reusing any rows a
// previous attempt already produced for this payment.
func (s *Service) creditTopup(ctx context.Context, topup *domain.Topup, paymentIntentID string) (snowflake.ID, error) {
	existing, err := s.ledger.FindByReference(ctx, topup.OrgID, ledgerdomain.ReferenceTypeStripePayment, paymentIntentID)
	if err != nil {
		return 0, err
	}
	var transactionID snowflake.ID
	bonusLanded := false
	for _, tx := range existing {
		switch tx.Type {
		case ledgerdomain.TransactionTypeTopup:
			transactionID = tx.ID
		case ledgerdomain.TransactionTypeBonus:
			bonusLanded = true
		}
	}

	reference := &ledgerdomain.Reference{
		Type: ledgerdomain.ReferenceTypeStripePayment,
		ID:   paymentIntentID,
	}
	baseCredits := topup.CreditsReceived - topup.BonusCredits

	if transactionID == 0 {
		mutation, err := s.ledger.AddCredits(ctx, ledgerdomain.MutationRequest{
			OrgID:       topup.OrgID,
			Amount:      baseCredits,
			Type:        ledgerdomain.TransactionTypeTopup,
			Description: fmt.Sprintf("Credit top-up (%d credits)", baseCredits),
			Reference:   reference,
			PerformedBy: topup.InitiatedBy,
			Metadata: map[string]any{
				"topup_id": topup.ID.String(),
			},
		})
		if err != nil {
			return 0, err
		}
		transactionID = mutation.Transaction.ID
	}

	if topup.BonusCredits > 0 && !bonusLanded {
		if _, err := s.ledger.AddCredits(ctx, ledgerdomain.MutationRequest{
			OrgID:       topup.OrgID,
			Amount:      topup.BonusCredits,
			Type:        ledgerdomain.TransactionTypeBonus,
			Description: fmt.Sprintf("Top-up volume bonus (+%d%%)", topup.BonusPercentage),
			Reference:   reference,
			PerformedBy: topup.InitiatedBy,
			Metadata: map[string]any{
				"topup_id": topup.ID.String(),
			},
		}); err != nil {
			return 0, err
		}
	}

	return transactionID, nil
}

func (s *Service) notifyCompleted(ctx context.Context, topup *domain.Topup) {
	billing, err := s.orgs.GetBilling(ctx, topup.OrgID)
	if err != nil {
		s.log.Warn("topup completion notification skipped, billing lookup failed",
			zap.String("topup_id", topup.ID.String()),
			zap.Error(err))
		return
	}

	if s.alerts != nil {
		// The balance can still sit under the alert threshold after a small
		// top-up; the 24h window keeps this from spamming.
		if err := s.alerts.CheckLowBalance(ctx, topup.OrgID, billing.CreditBalance); err != nil {
			s.log.Warn("low balance check failed after topup", zap.Error(err))
		}
	}

	if s.notifications == nil {
		return
	}
	if billing.BillingEmail == "" {
		s.log.Debug("topup completion mail skipped, no billing email",
			zap.Int64("org_id", int64(topup.OrgID)))
		return
	}

	body := fmt.Sprintf(
		"<p>Your payment was received and <strong>%d</strong> credits were added to your balance.</p>",
		topup.CreditsReceived)
	if topup.BonusCredits > 0 {
		body += fmt.Sprintf("<p>This includes a volume bonus of %d credits (+%d%%).</p>",
			topup.BonusCredits, topup.BonusPercentage)
	}
	body += fmt.Sprintf("<p>Current balance: %d credits.</p>", billing.CreditBalance)

	if _, err := s.notifications.Enqueue(ctx, notificationdomain.EnqueueRequest{
		OrgID:      int64(topup.OrgID),
		Kind:       notificationdomain.KindTopupCompleted,
		Recipients: []string{billing.BillingEmail},
		Subject:    fmt.Sprintf("Top-up complete: %d credits added", topup.CreditsReceived),
		BodyHTML:   body,
	}); err != nil {
		s.log.Warn("failed to enqueue topup completion notification",
			zap.String("topup_id", topup.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) MarkExpired(ctx context.Context, sessionID string) error {
	topup, err := s.repo.FindBySessionID(ctx, s.db, sessionID)
	if err != nil {
		return err
	}
	if topup == nil {
		return domain.ErrTopupNotFound
	}

	moved, err := s.repo.MarkExpired(ctx, s.db, topup.ID)
	if err != nil {
		return err
	}
	if !moved {
		// Settled or already closed; expiry arriving late is routine
		// webhook ordering.
		s.log.Debug("topup expiry skipped",
			zap.String("topup_id", topup.ID.String()),
			zap.String("status", string(topup.Status)))
		return nil
	}

	s.metrics.RecordTopupCheckout(ctx, "expired")
	s.log.Info("topup checkout expired",
		zap.String("topup_id", topup.ID.String()),
		zap.Int64("org_id", int64(topup.OrgID)))
	return nil
}

func (s *Service) MarkFailed(ctx context.Context, topupID snowflake.ID, paymentIntentID, reason string) error {
	topup, err := s.repo.FindByID(ctx, s.db, topupID)
	if err != nil {
		return err
	}
	if topup == nil {
		return domain.ErrTopupNotFound
	}

	moved, err := s.repo.MarkFailed(ctx, s.db, topup.ID, paymentIntentID, reason)
	if err != nil {
		return err
	}
	if !moved {
		s.log.Debug("topup failure skipped",
			zap.String("topup_id", topup.ID.String()),
			zap.String("status", string(topup.Status)))
		return nil
	}

	s.metrics.RecordTopupCheckout(ctx, "failed")
	s.writeAuditLog(ctx, topup, "topup.payment_failed", topup.InitiatedBy, map[string]any{
		"payment_intent": paymentIntentID,
		"reason":         reason,
	})
	s.log.Info("topup payment failed",
		zap.String("topup_id", topup.ID.String()),
		zap.Int64("org_id", int64(topup.OrgID)),
		zap.String("reason", reason))
	return nil
}

func (s *Service) MarkRefunded(ctx context.Context, paymentIntentID string) (*domain.Topup, error) {
	topup, err := s.repo.FindByPaymentIntentID(ctx, s.db, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if topup == nil {
		return nil, domain.ErrTopupNotFound
	}

	moved, err := s.repo.MarkRefunded(ctx, s.db, topup.ID)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Already refunded; partial refunds redeliver the same transition.
		return topup, nil
	}
	topup.Status = domain.StatusRefunded

	s.metrics.RecordTopupCheckout(ctx, "refunded")
	s.writeAuditLog(ctx, topup, "topup.refunded", "", map[string]any{
		"payment_intent":   paymentIntentID,
		"credits_received": topup.CreditsReceived,
	})
	s.log.Warn("topup refunded by provider, credits not clawed back",
		zap.String("topup_id", topup.ID.String()),
		zap.Int64("org_id", int64(topup.OrgID)),
		zap.Int64("credits_received", topup.CreditsReceived))
	return topup, nil
}

func (s *Service) Get(ctx context.Context, orgID, topupID snowflake.ID) (*domain.Topup, error) {
	topup, err := s.repo.FindByID(ctx, s.db, topupID)
	if err != nil {
		return nil, err
	}
	if topup == nil || topup.OrgID != orgID {
		return nil, domain.ErrTopupNotFound
	}
	return topup, nil
}

func (s *Service) ListByOrg(ctx context.Context, orgID snowflake.ID, limit int) ([]domain.Topup, error) {
	return s.repo.ListByOrg(ctx, s.db, orgID, limit)
}

func (s *Service) RenderReceipt(ctx context.Context, orgID, topupID snowflake.ID) ([]byte, error) {
	topup, err := s.Get(ctx, orgID, topupID)
	if err != nil {
		return nil, err
	}
	if topup.Status != domain.StatusCompleted || topup.CompletedAt == nil {
		return nil, domain.ErrReceiptUnavailable
	}
	if s.pdf == nil {
		return nil, domain.ErrReceiptUnavailable
	}

	org, err := s.orgs.GetByID(ctx, topup.OrgID)
	if err != nil {
		return nil, err
	}
	billing, err := s.orgs.GetBilling(ctx, topup.OrgID)
	if err != nil {
		return nil, err
	}
	email := billing.BillingEmail
	if email == "" {
		email = org.BillingEmail
	}

	reference := ""
	if topup.StripePaymentIntentID != nil {
		reference = *topup.StripePaymentIntentID
	}

	return s.pdf.GenerateTopupReceipt(ctx, domain.ReceiptData{
		TopupID:          topup.ID,
		OrganizationName: org.Name,
		BillingEmail:     email,
		AmountPaid:       topup.AmountPaid,
		Currency:         strings.ToUpper(s.cfg.Stripe.Currency),
		CreditsReceived:  topup.CreditsReceived,
		BonusCredits:     topup.BonusCredits,
		BonusPercentage:  topup.BonusPercentage,
		PaymentReference: reference,
		CompletedAt:      *topup.CompletedAt,
	})
}

func (s *Service) writeAuditLog(ctx context.Context, topup *domain.Topup, action, actor string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	targetID := topup.ID.String()
	orgID := topup.OrgID
	var actorID *string
	if actor != "" {
		actorID = &actor
	}
	if err := s.audit.AuditLog(ctx, &orgID, "", actorID, action, "credit_topup", &targetID, metadata); err != nil {
		s.log.Warn("failed to write topup audit log", zap.Error(err))
	}
}
