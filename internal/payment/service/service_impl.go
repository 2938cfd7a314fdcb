package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/baulisto/billing/internal/audit/domain"
	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	"github.com/baulisto/billing/internal/idempotency"
	notificationdomain "github.com/baulisto/billing/internal/notification/domain"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
	domain "github.com/baulisto/billing/internal/payment/domain"
	topupdomain "github.com/baulisto/billing/internal/topup/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// processedMarkerTTL bounds how long the fast dedupe marker lives. The
// unique index on payment_events stays the durable guard after expiry.
const processedMarkerTTL = 7 * 24 * time.Hour

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Repo    domain.Repository
	Topups  topupdomain.Service

	KV            idempotency.Store          `optional:"true"`
	Notifications notificationdomain.Service `optional:"true"`
	Audit         auditdomain.Service        `optional:"true"`
	Metrics       *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	billing       *config.BillingConfigHolder
	repo          domain.Repository
	topups        topupdomain.Service
	kv            idempotency.Store
	notifications notificationdomain.Service
	audit         auditdomain.Service
	metrics       *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		billing:       p.Billing,
		repo:          p.Repo,
		topups:        p.Topups,
		kv:            p.KV,
		notifications: p.Notifications,
		audit:         p.Audit,
		metrics:       p.Metrics,
	}
}

// ProcessEvent applies a verified provider event exactly once. Duplicate
// deliveries surface as ErrEventAlreadyProcessed; the handler treats that
// as success.
func (s *Service) ProcessEvent(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return domain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.Provider == "" || event.ProviderEventID == "" || event.Type == "" {
		return domain.ErrInvalidEvent
	}

	if event.Type == domain.EventTypeIgnored {
		s.metrics.RecordWebhookEvent(ctx, event.Provider, event.Type)
		s.log.Debug("ignoring unrelated provider event",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID))
		return nil
	}

	// Claim the event before touching anything else. The atomic set closes
	// the window between two concurrent deliveries of the same event.
	markerHeld := false
	markerKey := fmt.Sprintf("processed:%s:%s", event.Provider, event.ProviderEventID)
	if s.kv != nil {
		acquired, err := s.kv.SetIfAbsent(ctx, markerKey, processedMarkerTTL)
		switch {
		case errors.Is(err, idempotency.ErrUnavailable):
			s.log.Warn("idempotency store unavailable, relying on the event table alone", zap.Error(err))
		case err != nil:
			return err
		case !acquired:
			return domain.ErrEventAlreadyProcessed
		default:
			markerHeld = true
		}
	}

	if err := s.processOnce(ctx, event); err != nil {
		// Release the marker so the provider's redelivery gets another
		// attempt. A duplicate is not a failure; the marker stays.
		if markerHeld && !errors.Is(err, domain.ErrEventAlreadyProcessed) {
			if delErr := s.kv.Delete(ctx, markerKey); delErr != nil {
				s.log.Warn("failed to release processed marker; redeliveries are blocked until it expires",
					zap.String("key", markerKey),
					zap.Error(delErr))
			}
		}
		return err
	}
	return nil
}

func (s *Service) processOnce(ctx context.Context, event *domain.Event) error {
	payload := event.RawPayload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	now := s.clock.Now().UTC()
	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return domain.ErrEventAlreadyProcessed
		}
		// Seen before but never finished; run the handler again.
		record = stored
	}

	if err := s.dispatch(ctx, event); err != nil {
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, now); err != nil {
		return err
	}

	s.metrics.RecordWebhookEvent(ctx, event.Provider, event.Type)
	s.log.Info("processed provider event",
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type))
	return nil
}

func (s *Service) dispatch(ctx context.Context, event *domain.Event) error {
	switch event.Type {
	case domain.EventTypeCheckoutCompleted:
		return s.handleCompleted(ctx, event)
	case domain.EventTypeCheckoutExpired:
		return s.handleExpired(ctx, event)
	case domain.EventTypePaymentFailed:
		return s.handleFailed(ctx, event)
	case domain.EventTypeRefunded:
		return s.handleRefunded(ctx, event)
	default:
		return domain.ErrInvalidEvent
	}
}

func (s *Service) handleCompleted(ctx context.Context, event *domain.Event) error {
	if event.TopupID == 0 {
		return domain.ErrInvalidEvent
	}
	err := s.topups.Complete(ctx, event.TopupID, event.PaymentIntentID)
	switch {
	case errors.Is(err, topupdomain.ErrTopupNotFound):
		s.log.Error("completed payment references an unknown top-up",
			zap.String("topup_id", event.TopupID.String()),
			zap.String("provider_event_id", event.ProviderEventID))
		return nil
	case errors.Is(err, topupdomain.ErrInvalidTransition):
		// The row is already terminal; redelivery cannot change that.
		s.log.Error("completed payment arrived for a closed top-up",
			zap.String("topup_id", event.TopupID.String()),
			zap.String("payment_intent_id", event.PaymentIntentID))
		s.writeAuditLog(ctx, event, "payment.completed_on_closed_topup", nil)
		return nil
	}
	return err
}

func (s *Service) handleExpired(ctx context.Context, event *domain.Event) error {
	if event.CheckoutSessionID == "" {
		return domain.ErrInvalidEvent
	}
	err := s.topups.MarkExpired(ctx, event.CheckoutSessionID)
	if errors.Is(err, topupdomain.ErrTopupNotFound) {
		s.log.Warn("expired checkout session is not tracked",
			zap.String("checkout_session_id", event.CheckoutSessionID))
		return nil
	}
	return err
}

func (s *Service) handleFailed(ctx context.Context, event *domain.Event) error {
	if event.TopupID == 0 {
		return domain.ErrInvalidEvent
	}
	err := s.topups.MarkFailed(ctx, event.TopupID, event.PaymentIntentID, event.FailureReason)
	if errors.Is(err, topupdomain.ErrTopupNotFound) {
		s.log.Warn("failed payment references an unknown top-up",
			zap.String("topup_id", event.TopupID.String()))
		return nil
	}
	return err
}

func (s *Service) handleRefunded(ctx context.Context, event *domain.Event) error {
	if event.PaymentIntentID == "" {
		return domain.ErrInvalidEvent
	}
	topup, err := s.topups.MarkRefunded(ctx, event.PaymentIntentID)
	if errors.Is(err, topupdomain.ErrTopupNotFound) {
		// Dashboard refunds for payments we never settled land here.
		s.log.Info("refund for an unknown payment intent",
			zap.String("payment_intent_id", event.PaymentIntentID))
		return nil
	}
	if err != nil {
		return err
	}
	s.notifyRefund(ctx, topup, event)
	return nil
}

func (s *Service) notifyRefund(ctx context.Context, topup *topupdomain.Topup, event *domain.Event) {
	if s.notifications == nil {
		return
	}
	opsEmail := strings.TrimSpace(s.billing.Get().OpsEmail)
	if opsEmail == "" {
		s.log.Warn("refund received but billing.opsEmail is not configured",
			zap.String("topup_id", topup.ID.String()),
			zap.String("payment_intent_id", event.PaymentIntentID))
		return
	}

	body := fmt.Sprintf(
		"<p>Stripe reported a refund for top-up <strong>%s</strong> (organization %s).</p>"+
			"<p>Payment reference: %s<br>Amount refunded: %d</p>"+
			"<p>Credits were not removed from the organization's balance. Review the ledger and deduct manually if the refund is legitimate.</p>",
		topup.ID.String(), topup.OrgID.String(), event.PaymentIntentID, event.Amount,
	)
	if _, err := s.notifications.Enqueue(ctx, notificationdomain.EnqueueRequest{
		OrgID:      int64(topup.OrgID),
		Kind:       notificationdomain.KindRefundReceived,
		Recipients: []string{opsEmail},
		Subject:    fmt.Sprintf("Refund received for top-up %s", topup.ID.String()),
		BodyHTML:   body,
	}); err != nil {
		s.log.Warn("failed to enqueue refund notification", zap.Error(err))
	}
}

func (s *Service) writeAuditLog(ctx context.Context, event *domain.Event, action string, extra map[string]any) {
	if s.audit == nil {
		return
	}
	metadata := map[string]any{
		"provider":          event.Provider,
		"provider_event_id": event.ProviderEventID,
		"event_type":        event.Type,
	}
	if event.PaymentIntentID != "" {
		metadata["payment_intent_id"] = event.PaymentIntentID
	}
	if event.CheckoutSessionID != "" {
		metadata["checkout_session_id"] = event.CheckoutSessionID
	}
	for key, value := range extra {
		metadata[key] = value
	}

	targetID := event.TopupID.String()
	var orgID *snowflake.ID
	if event.OrgID != 0 {
		id := event.OrgID
		orgID = &id
	}
	if err := s.audit.AuditLog(ctx, orgID, "system", nil, action, "credit_topup", &targetID, metadata); err != nil {
		s.log.Warn("failed to write payment audit log", zap.String("action", action), zap.Error(err))
	}
}
