package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	"github.com/baulisto/billing/internal/idempotency"
	notificationdomain "github.com/baulisto/billing/internal/notification/domain"
	domain "github.com/baulisto/billing/internal/payment/domain"
	paymentrepo "github.com/baulisto/billing/internal/payment/repository"
	paymentservice "github.com/baulisto/billing/internal/payment/service"
	topupdomain "github.com/baulisto/billing/internal/topup/domain"
)

var testDBSeq int

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:payment_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	schema := []string{
		`CREATE TABLE payment_events (
			id INTEGER PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_payment_events_provider_event ON payment_events(provider, provider_event_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type completedCall struct {
	topupID         snowflake.ID
	paymentIntentID string
}

type failedCall struct {
	topupID         snowflake.ID
	paymentIntentID string
	reason          string
}

type fakeTopups struct {
	completed []completedCall
	expired   []string
	failed    []failedCall
	refunded  []string

	completeErr error
	expiredErr  error
	failedErr   error
	refundErr   error
	refundTopup *topupdomain.Topup
}

func (f *fakeTopups) CreateCheckout(ctx context.Context, req topupdomain.CreateCheckoutRequest) (topupdomain.CreateCheckoutResponse, error) {
	return topupdomain.CreateCheckoutResponse{}, nil
}

func (f *fakeTopups) Complete(ctx context.Context, topupID snowflake.ID, paymentIntentID string) error {
	f.completed = append(f.completed, completedCall{topupID, paymentIntentID})
	return f.completeErr
}

func (f *fakeTopups) MarkExpired(ctx context.Context, sessionID string) error {
	f.expired = append(f.expired, sessionID)
	return f.expiredErr
}

func (f *fakeTopups) MarkFailed(ctx context.Context, topupID snowflake.ID, paymentIntentID, reason string) error {
	f.failed = append(f.failed, failedCall{topupID, paymentIntentID, reason})
	return f.failedErr
}

func (f *fakeTopups) MarkRefunded(ctx context.Context, paymentIntentID string) (*topupdomain.Topup, error) {
	f.refunded = append(f.refunded, paymentIntentID)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return f.refundTopup, nil
}

func (f *fakeTopups) Get(ctx context.Context, orgID, topupID snowflake.ID) (*topupdomain.Topup, error) {
	return nil, topupdomain.ErrTopupNotFound
}

func (f *fakeTopups) ListByOrg(ctx context.Context, orgID snowflake.ID, limit int) ([]topupdomain.Topup, error) {
	return nil, nil
}

func (f *fakeTopups) RenderReceipt(ctx context.Context, orgID, topupID snowflake.ID) ([]byte, error) {
	return nil, topupdomain.ErrReceiptUnavailable
}

type fakeKV struct {
	entries map[string]bool
	down    bool
	sets    int
}

func newFakeKV() *fakeKV {
	return &fakeKV{entries: map[string]bool{}}
}

func (s *fakeKV) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.down {
		return false, idempotency.ErrUnavailable
	}
	s.sets++
	if s.entries[key] {
		return false, nil
	}
	s.entries[key] = true
	return true, nil
}

func (s *fakeKV) Delete(ctx context.Context, key string) error {
	if s.down {
		return idempotency.ErrUnavailable
	}
	delete(s.entries, key)
	return nil
}

type fakeNotifications struct {
	enqueued []notificationdomain.EnqueueRequest
}

func (f *fakeNotifications) Enqueue(ctx context.Context, req notificationdomain.EnqueueRequest) (*notificationdomain.Notification, error) {
	f.enqueued = append(f.enqueued, req)
	return &notificationdomain.Notification{}, nil
}

func (f *fakeNotifications) EnqueueTx(ctx context.Context, tx *gorm.DB, req notificationdomain.EnqueueRequest) (*notificationdomain.Notification, error) {
	f.enqueued = append(f.enqueued, req)
	return &notificationdomain.Notification{}, nil
}

func (f *fakeNotifications) DispatchPending(ctx context.Context, limit int) (int, error) {
	return 0, nil
}

func testBillingConfig() config.BillingConfig {
	cfg := config.DefaultBillingConfig()
	cfg.OpsEmail = "ops@example.test"
	return cfg
}

func newPaymentService(t *testing.T, db *gorm.DB, topups topupdomain.Service, kv idempotency.Store, notifs notificationdomain.Service) domain.Service {
	t.Helper()
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return paymentservice.New(paymentservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clock.NewSystemClock(),
		Billing:       config.NewStaticBillingConfigHolder(testBillingConfig()),
		Repo:          paymentrepo.Provide(),
		Topups:        topups,
		KV:            kv,
		Notifications: notifs,
	})
}

func completedEvent(eventID string, topupID snowflake.ID) *domain.Event {
	return &domain.Event{
		Provider:          domain.ProviderStripe,
		ProviderEventID:   eventID,
		Type:              domain.EventTypeCheckoutCompleted,
		CheckoutSessionID: "cs_" + eventID,
		PaymentIntentID:   "pi_" + eventID,
		OrgID:             4001,
		TopupID:           topupID,
		Amount:            5_000_000,
		Currency:          "HUF",
		OccurredAt:        time.Now().UTC(),
		RawPayload:        []byte(`{"id":"` + eventID + `"}`),
	}
}

func assertEventRow(t *testing.T, db *gorm.DB, providerEventID string, processed bool) {
	t.Helper()
	var row struct {
		ID          int64
		ProcessedAt *time.Time
	}
	err := db.Raw(
		`SELECT id, processed_at FROM payment_events WHERE provider_event_id = ?`,
		providerEventID,
	).Scan(&row).Error
	if err != nil {
		t.Fatalf("read event row: %v", err)
	}
	if row.ID == 0 {
		t.Fatalf("no payment_events row for %s", providerEventID)
	}
	if processed && row.ProcessedAt == nil {
		t.Fatalf("event %s not marked processed", providerEventID)
	}
	if !processed && row.ProcessedAt != nil {
		t.Fatalf("event %s unexpectedly marked processed", providerEventID)
	}
}

func TestProcessEventSettlesCompletedCheckout(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{}
	kv := newFakeKV()
	svc := newPaymentService(t, db, topups, kv, &fakeNotifications{})

	if err := svc.ProcessEvent(context.Background(), completedEvent("evt_1", 42)); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	if len(topups.completed) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(topups.completed))
	}
	if topups.completed[0].topupID != 42 || topups.completed[0].paymentIntentID != "pi_evt_1" {
		t.Fatalf("Complete called with %+v", topups.completed[0])
	}
	assertEventRow(t, db, "evt_1", true)
	if !kv.entries["processed:stripe:evt_1"] {
		t.Fatal("processed marker not set")
	}
}

func TestProcessEventDuplicateDelivery(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{}
	kv := newFakeKV()
	svc := newPaymentService(t, db, topups, kv, &fakeNotifications{})

	ctx := context.Background()
	if err := svc.ProcessEvent(ctx, completedEvent("evt_2", 42)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	err := svc.ProcessEvent(ctx, completedEvent("evt_2", 42))
	if !errors.Is(err, domain.ErrEventAlreadyProcessed) {
		t.Fatalf("second delivery err = %v, want ErrEventAlreadyProcessed", err)
	}

	// Even with a fresh marker store the event table still rejects it.
	err = newPaymentService(t, db, topups, newFakeKV(), &fakeNotifications{}).
		ProcessEvent(ctx, completedEvent("evt_2", 42))
	if !errors.Is(err, domain.ErrEventAlreadyProcessed) {
		t.Fatalf("post-expiry delivery err = %v, want ErrEventAlreadyProcessed", err)
	}
	if len(topups.completed) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(topups.completed))
	}
}

func TestProcessEventKVDownFallsBackToTable(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{}
	kv := newFakeKV()
	kv.down = true
	svc := newPaymentService(t, db, topups, kv, &fakeNotifications{})

	ctx := context.Background()
	if err := svc.ProcessEvent(ctx, completedEvent("evt_3", 42)); err != nil {
		t.Fatalf("ProcessEvent with kv down: %v", err)
	}
	err := svc.ProcessEvent(ctx, completedEvent("evt_3", 42))
	if !errors.Is(err, domain.ErrEventAlreadyProcessed) {
		t.Fatalf("duplicate err = %v, want ErrEventAlreadyProcessed", err)
	}
	if len(topups.completed) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(topups.completed))
	}
}

func TestProcessEventReleasesMarkerOnFailure(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{completeErr: errors.New("ledger offline")}
	kv := newFakeKV()
	svc := newPaymentService(t, db, topups, kv, &fakeNotifications{})

	ctx := context.Background()
	if err := svc.ProcessEvent(ctx, completedEvent("evt_4", 42)); err == nil {
		t.Fatal("expected processing failure")
	}
	if kv.entries["processed:stripe:evt_4"] {
		t.Fatal("marker not released after failure")
	}
	assertEventRow(t, db, "evt_4", false)

	// Redelivery finishes the job against the already stored row.
	topups.completeErr = nil
	if err := svc.ProcessEvent(ctx, completedEvent("evt_4", 42)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	assertEventRow(t, db, "evt_4", true)
	assertCount(t, db, `SELECT COUNT(1) FROM payment_events WHERE provider_event_id = 'evt_4'`, 1)
	if len(topups.completed) != 2 {
		t.Fatalf("Complete calls = %d, want 2", len(topups.completed))
	}
}

func TestProcessEventIgnoredTouchesNothing(t *testing.T) {
	db := setupTestDB(t)
	kv := newFakeKV()
	svc := newPaymentService(t, db, &fakeTopups{}, kv, &fakeNotifications{})

	event := &domain.Event{
		Provider:        domain.ProviderStripe,
		ProviderEventID: "evt_5",
		Type:            domain.EventTypeIgnored,
	}
	if err := svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	assertCount(t, db, `SELECT COUNT(1) FROM payment_events`, 0)
	if kv.sets != 0 {
		t.Fatalf("marker store touched %d times for ignored event", kv.sets)
	}
}

func TestProcessEventDispatchesLifecycle(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{}
	svc := newPaymentService(t, db, topups, newFakeKV(), &fakeNotifications{})

	ctx := context.Background()
	expired := &domain.Event{
		Provider:          domain.ProviderStripe,
		ProviderEventID:   "evt_6",
		Type:              domain.EventTypeCheckoutExpired,
		CheckoutSessionID: "cs_9",
		TopupID:           7,
	}
	if err := svc.ProcessEvent(ctx, expired); err != nil {
		t.Fatalf("expired: %v", err)
	}
	failed := &domain.Event{
		Provider:        domain.ProviderStripe,
		ProviderEventID: "evt_7",
		Type:            domain.EventTypePaymentFailed,
		PaymentIntentID: "pi_9",
		TopupID:         7,
		FailureReason:   "card_declined",
	}
	if err := svc.ProcessEvent(ctx, failed); err != nil {
		t.Fatalf("failed: %v", err)
	}

	if len(topups.expired) != 1 || topups.expired[0] != "cs_9" {
		t.Fatalf("MarkExpired calls = %v", topups.expired)
	}
	if len(topups.failed) != 1 {
		t.Fatalf("MarkFailed calls = %d, want 1", len(topups.failed))
	}
	call := topups.failed[0]
	if call.topupID != 7 || call.paymentIntentID != "pi_9" || call.reason != "card_declined" {
		t.Fatalf("MarkFailed called with %+v", call)
	}
	assertEventRow(t, db, "evt_6", true)
	assertEventRow(t, db, "evt_7", true)
}

func TestProcessEventRefundNotifiesOperations(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{
		refundTopup: &topupdomain.Topup{ID: 99, OrgID: 4001, AmountPaid: 5_000_000},
	}
	notifs := &fakeNotifications{}
	svc := newPaymentService(t, db, topups, newFakeKV(), notifs)

	event := &domain.Event{
		Provider:        domain.ProviderStripe,
		ProviderEventID: "evt_8",
		Type:            domain.EventTypeRefunded,
		PaymentIntentID: "pi_77",
		Amount:          5_000_000,
	}
	if err := svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	if len(topups.refunded) != 1 || topups.refunded[0] != "pi_77" {
		t.Fatalf("MarkRefunded calls = %v", topups.refunded)
	}
	if len(notifs.enqueued) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifs.enqueued))
	}
	req := notifs.enqueued[0]
	if req.Kind != notificationdomain.KindRefundReceived {
		t.Fatalf("kind = %s, want %s", req.Kind, notificationdomain.KindRefundReceived)
	}
	if len(req.Recipients) != 1 || req.Recipients[0] != "ops@example.test" {
		t.Fatalf("recipients = %v", req.Recipients)
	}
	if req.OrgID != 4001 {
		t.Fatalf("org id = %d, want 4001", req.OrgID)
	}
}

func TestProcessEventRefundForUnknownIntent(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{refundErr: topupdomain.ErrTopupNotFound}
	notifs := &fakeNotifications{}
	svc := newPaymentService(t, db, topups, newFakeKV(), notifs)

	event := &domain.Event{
		Provider:        domain.ProviderStripe,
		ProviderEventID: "evt_9",
		Type:            domain.EventTypeRefunded,
		PaymentIntentID: "pi_unknown",
	}
	if err := svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	assertEventRow(t, db, "evt_9", true)
	if len(notifs.enqueued) != 0 {
		t.Fatalf("notifications = %d, want 0", len(notifs.enqueued))
	}
}

func TestProcessEventClosedTopupStaysProcessed(t *testing.T) {
	db := setupTestDB(t)
	topups := &fakeTopups{completeErr: topupdomain.ErrInvalidTransition}
	kv := newFakeKV()
	svc := newPaymentService(t, db, topups, kv, &fakeNotifications{})

	if err := svc.ProcessEvent(context.Background(), completedEvent("evt_10", 42)); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	assertEventRow(t, db, "evt_10", true)
	if !kv.entries["processed:stripe:evt_10"] {
		t.Fatal("marker released for a terminally closed top-up")
	}
}

func TestProcessEventRejectsMalformed(t *testing.T) {
	db := setupTestDB(t)
	svc := newPaymentService(t, db, &fakeTopups{}, newFakeKV(), &fakeNotifications{})

	ctx := context.Background()
	if err := svc.ProcessEvent(ctx, nil); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("nil event err = %v, want ErrInvalidEvent", err)
	}
	err := svc.ProcessEvent(ctx, &domain.Event{Provider: "stripe", Type: domain.EventTypeCheckoutCompleted})
	if !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("missing event id err = %v, want ErrInvalidEvent", err)
	}
	assertCount(t, db, `SELECT COUNT(1) FROM payment_events`, 0)
}

func assertCount(t *testing.T, db *gorm.DB, query string, want int64, args ...any) {
	t.Helper()
	var got int64
	if err := db.Raw(query, args...).Scan(&got).Error; err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if got != want {
		t.Fatalf("count mismatch: got %d want %d (query %s)", got, want, query)
	}
}
