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
	"github.com/baulisto/billing/internal/events"
	ledgerdomain "github.com/baulisto/billing/internal/ledger/domain"
	ledgerservice "github.com/baulisto/billing/internal/ledger/service"
	listingdomain "github.com/baulisto/billing/internal/listing/domain"
	listingrepository "github.com/baulisto/billing/internal/listing/repository"
	"github.com/baulisto/billing/internal/promotion/domain"
	"github.com/baulisto/billing/internal/promotion/repository"
	"github.com/baulisto/billing/internal/promotion/service"
)

var testDBSeq int

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:promotion_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	schema := []string{
		`CREATE TABLE organization_billing (
			org_id INTEGER PRIMARY KEY,
			credit_balance INTEGER NOT NULL DEFAULT 0,
			total_credits_loaded INTEGER NOT NULL DEFAULT 0,
			total_credits_spent INTEGER NOT NULL DEFAULT 0,
			stripe_customer_id TEXT,
			billing_email TEXT,
			low_balance_alert_enabled INTEGER NOT NULL DEFAULT 1,
			low_balance_alert_threshold INTEGER NOT NULL DEFAULT 500000,
			last_low_balance_alert_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE credit_transactions (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			amount INTEGER NOT NULL,
			balance_before INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			description TEXT,
			performed_by TEXT,
			reference_type TEXT,
			reference_id TEXT,
			promotion_id INTEGER,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE outbox_events (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			payload TEXT,
			published_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE constructions (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			slug TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			promoted INTEGER NOT NULL DEFAULT 0,
			impressions INTEGER NOT NULL DEFAULT 0,
			clicks INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE promotion_packages (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			cost_in_credits INTEGER NOT NULL,
			duration_days INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE promotions (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			construction_id INTEGER NOT NULL,
			package_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			credits_spent INTEGER NOT NULL,
			credit_transaction_id INTEGER NOT NULL,
			start_date DATETIME NOT NULL,
			end_date DATETIME NOT NULL,
			auto_renew INTEGER NOT NULL DEFAULT 0,
			renewal_count INTEGER NOT NULL DEFAULT 0,
			previous_promotion_id INTEGER,
			renewed_by_promotion_id INTEGER,
			impressions_at_start INTEGER NOT NULL DEFAULT 0,
			clicks_at_start INTEGER NOT NULL DEFAULT 0,
			impressions_at_end INTEGER,
			clicks_at_end INTEGER,
			impressions_gained INTEGER,
			clicks_gained INTEGER,
			cancelled_at DATETIME,
			cancelled_by TEXT,
			cancellation_reason TEXT,
			credits_refunded INTEGER NOT NULL DEFAULT 0,
			refund_transaction_id INTEGER,
			expiration_alert_sent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_promotions_active ON promotions (construction_id) WHERE status = 'active'`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type harness struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	svc      domain.Service
	ledger   ledgerdomain.Service
	listings listingdomain.Repository
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(zap.NewNop(), node)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Outbox: outbox,
	})
	listings := listingrepository.Provide()
	svc := service.New(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Listings: listings,
		Ledger:   ledgerSvc,
		Outbox:   outbox,
	})
	return &harness{db: db, clk: clk, svc: svc, ledger: ledgerSvc, listings: listings}
}

// seedBilling opens a billing account with a ledgered starting balance, so
// VerifyBalance holds before the test mutates anything.
func (h *harness) seedBilling(t *testing.T, orgID, balance int64) {
	t.Helper()
	now := time.Now().UTC()
	err := h.db.Exec(
		`INSERT INTO organization_billing (org_id, credit_balance, billing_email, created_at, updated_at)
		 VALUES (?, ?, 'billing@example.test', ?, ?)`,
		orgID, balance, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed billing: %v", err)
	}
	if balance == 0 {
		return
	}
	err = h.db.Exec(
		`INSERT INTO credit_transactions (id, org_id, type, amount, balance_before, balance_after, description, created_at)
		 VALUES (?, ?, 'topup', ?, 0, ?, 'starting balance', ?)`,
		orgID, orgID, balance, balance, now,
	).Error
	if err != nil {
		t.Fatalf("seed opening transaction: %v", err)
	}
}

func (h *harness) seedPackage(t *testing.T, id, cost int64, durationDays int, active bool) {
	t.Helper()
	now := time.Now().UTC()
	err := h.db.Exec(
		`INSERT INTO promotion_packages (id, name, cost_in_credits, duration_days, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, fmt.Sprintf("Package %d", id), cost, durationDays, active, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed package: %v", err)
	}
}

func (h *harness) seedConstruction(t *testing.T, id, orgID int64, category listingdomain.Category, status listingdomain.Status) {
	t.Helper()
	now := time.Now().UTC()
	err := h.db.Exec(
		`INSERT INTO constructions (id, org_id, title, slug, category, status, promoted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, orgID, fmt.Sprintf("Listing %d", id), fmt.Sprintf("listing-%d", id),
		string(category), string(status), now, now,
	).Error
	if err != nil {
		t.Fatalf("seed construction: %v", err)
	}
}

func (h *harness) balance(t *testing.T, orgID int64) int64 {
	t.Helper()
	var balance int64
	if err := h.db.Raw(`SELECT credit_balance FROM organization_billing WHERE org_id = ?`, orgID).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

func (h *harness) promoted(t *testing.T, constructionID int64) bool {
	t.Helper()
	var promoted bool
	if err := h.db.Raw(`SELECT promoted FROM constructions WHERE id = ?`, constructionID).Scan(&promoted).Error; err != nil {
		t.Fatalf("read promoted flag: %v", err)
	}
	return promoted
}

func TestPurchaseActivatesPromotion(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.seedBilling(t, 500, 5_000_000)
	h.seedPackage(t, 1, 1_000_000, 30, true)
	h.seedConstruction(t, 9001, 500, listingdomain.CategoryPrivate, listingdomain.StatusPublished)

	promo, err := h.svc.Purchase(ctx, domain.PurchaseRequest{
		ConstructionID: 9001,
		PackageID:      1,
		OrgID:          500,
		UserID:         "user-1",
		AutoRenew:      true,
	})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if promo.Status != domain.StatusActive {
		t.Fatalf("status = %q, want active", promo.Status)
	}
	wantEnd := h.clk.Now().Add(30 * 24 * time.Hour)
	if !promo.EndDate.Equal(wantEnd) {
		t.Fatalf("end date = %v, want %v", promo.EndDate, wantEnd)
	}
	if !promo.AutoRenew {
		t.Fatal("auto renew not carried")
	}

	if got := h.balance(t, 500); got != 4_000_000 {
		t.Fatalf("balance = %d, want 4000000", got)
	}
	if !h.promoted(t, 9001) {
		t.Fatal("construction not marked promoted")
	}

	// The debit transaction carries the back-filled promotion id.
	var linked int64
	if err := h.db.Raw(`SELECT promotion_id FROM credit_transactions WHERE id = ?`, promo.CreditTransactionID).Scan(&linked).Error; err != nil {
		t.Fatalf("read link: %v", err)
	}
	if linked != promo.ID {
		t.Fatalf("linked promotion = %d, want %d", linked, promo.ID)
	}

	verify, err := h.ledger.VerifyBalance(ctx, 500)
	if err != nil || !verify.IsValid {
		t.Fatalf("verify = (%+v, %v)", verify, err)
	}

	var outboxCount int64
	if err := h.db.Raw(`SELECT COUNT(1) FROM outbox_events WHERE event_type = ?`, events.EventPromotionActivated).Scan(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 1 {
		t.Fatalf("activation events = %d, want 1", outboxCount)
	}
}

func TestPurchaseErrorLadder(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.seedBilling(t, 501, 5_000_000)
	h.seedPackage(t, 1, 1_000_000, 30, true)
	h.seedPackage(t, 2, 1_000_000, 30, false)
	h.seedConstruction(t, 9010, 501, listingdomain.CategoryPrivate, listingdomain.StatusPublished)
	h.seedConstruction(t, 9011, 501, listingdomain.CategoryBusiness, listingdomain.StatusPublished)
	h.seedConstruction(t, 9012, 501, listingdomain.CategoryPrivate, listingdomain.StatusDraft)
	h.seedConstruction(t, 9013, 777, listingdomain.CategoryPrivate, listingdomain.StatusPublished)

	cases := []struct {
		name string
		req  domain.PurchaseRequest
		want error
	}{
		{"missing package", domain.PurchaseRequest{ConstructionID: 9010, PackageID: 999, OrgID: 501}, domain.ErrPackageNotFound},
		{"inactive package", domain.PurchaseRequest{ConstructionID: 9010, PackageID: 2, OrgID: 501}, domain.ErrPackageInactive},
		{"missing construction", domain.PurchaseRequest{ConstructionID: 8888, PackageID: 1, OrgID: 501}, domain.ErrConstructionNotFound},
		{"foreign construction", domain.PurchaseRequest{ConstructionID: 9013, PackageID: 1, OrgID: 501}, domain.ErrOwnershipMismatch},
		{"business category", domain.PurchaseRequest{ConstructionID: 9011, PackageID: 1, OrgID: 501}, domain.ErrNotPromotable},
		{"draft status", domain.PurchaseRequest{ConstructionID: 9012, PackageID: 1, OrgID: 501}, domain.ErrNotPromotable},
	}
	for _, tc := range cases {
		if _, err := h.svc.Purchase(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	// No error path touched the balance.
	if got := h.balance(t, 501); got != 5_000_000 {
		t.Fatalf("balance = %d, want untouched 5000000", got)
	}

	// Second purchase on the same construction.
	if _, err := h.svc.Purchase(ctx, domain.PurchaseRequest{ConstructionID: 9010, PackageID: 1, OrgID: 501}); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	_, err := h.svc.Purchase(ctx, domain.PurchaseRequest{ConstructionID: 9010, PackageID: 1, OrgID: 501})
	if !errors.Is(err, domain.ErrAlreadyPromoted) {
		t.Fatalf("double purchase err = %v, want ErrAlreadyPromoted", err)
	}
}

func TestPurchaseInsufficientCredits(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.seedBilling(t, 502, 400_000)
	h.seedPackage(t, 1, 1_000_000, 30, true)
	h.seedConstruction(t, 9020, 502, listingdomain.CategoryPrivate, listingdomain.StatusPublished)

	_, err := h.svc.Purchase(ctx, domain.PurchaseRequest{ConstructionID: 9020, PackageID: 1, OrgID: 502})
	var insufficient *ledgerdomain.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}
	if insufficient.Required != 1_000_000 || insufficient.Available != 400_000 {
		t.Fatalf("error carries (%d, %d)", insufficient.Required, insufficient.Available)
	}

	var promoCount int64
	if err := h.db.Raw(`SELECT COUNT(1) FROM promotions`).Scan(&promoCount).Error; err != nil {
		t.Fatalf("count promotions: %v", err)
	}
	if promoCount != 0 {
		t.Fatalf("promotions = %d, want 0", promoCount)
	}
	if got := h.balance(t, 502); got != 400_000 {
		t.Fatalf("balance = %d, want 400000", got)
	}
	if h.promoted(t, 9020) {
		t.Fatal("construction must stay unpromoted")
	}
}

func TestCancelProratesRefund(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.seedBilling(t, 503, 5_000_000)
	h.seedPackage(t, 1, 3_000_000, 30, true)
	h.seedConstruction(t, 9030, 503, listingdomain.CategoryPrivate, listingdomain.StatusPublished)

	promo, err := h.svc.Purchase(ctx, domain.PurchaseRequest{ConstructionID: 9030, PackageID: 1, OrgID: 503, UserID: "user-2"})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if got := h.balance(t, 503); got != 2_000_000 {
		t.Fatalf("balance after purchase = %d", got)
	}

	// One hour into day 11: 11 days used, 19 remaining.
	h.clk.Advance(10*24*time.Hour + time.Hour)

	result, err := h.svc.Cancel(ctx, domain.CancelRequest{PromotionID: promo.ID, UserID: "user-2", Reason: "sold"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.Proration.DaysUsed != 11 || result.Proration.DaysRemaining != 19 {
		t.Fatalf("proration = %+v", result.Proration)
	}
	if result.Proration.Refund != 1_900_000 {
		t.Fatalf("refund = %d, want 1900000", result.Proration.Refund)
	}
	if result.Promotion.Status != domain.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", result.Promotion.Status)
	}
	if result.Promotion.CreditsRefunded != 1_900_000 {
		t.Fatalf("credits_refunded = %d", result.Promotion.CreditsRefunded)
	}
	if result.Promotion.RefundTransactionID == nil {
		t.Fatal("refund transaction not stamped")
	}
	if got := h.balance(t, 503); got != 3_900_000 {
		t.Fatalf("balance after refund = %d, want 3900000", got)
	}
	if h.promoted(t, 9030) {
		t.Fatal("construction still promoted after cancel")
	}

	verify, err := h.ledger.VerifyBalance(ctx, 503)
	if err != nil || !verify.IsValid {
		t.Fatalf("verify = (%+v, %v)", verify, err)
	}

	// Second cancel is rejected and refunds nothing more.
	if _, err := h.svc.Cancel(ctx, domain.CancelRequest{PromotionID: promo.ID}); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("second cancel err = %v, want ErrNotActive", err)
	}
	if got := h.balance(t, 503); got != 3_900_000 {
		t.Fatalf("balance after second cancel = %d", got)
	}
}

func TestCancelPastEndRefundsNothing(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.seedBilling(t, 504, 5_000_000)
	h.seedPackage(t, 1, 3_000_000, 7, true)
	h.seedConstruction(t, 9040, 504, listingdomain.CategoryPrivate, listingdomain.StatusPublished)

	promo, err := h.svc.Purchase(ctx, domain.PurchaseRequest{ConstructionID: 9040, PackageID: 1, OrgID: 504})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	h.clk.Advance(8 * 24 * time.Hour)
	result, err := h.svc.Cancel(ctx, domain.CancelRequest{PromotionID: promo.ID, Reason: "late"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.Proration.Refund != 0 {
		t.Fatalf("refund = %d, want 0", result.Proration.Refund)
	}
	if result.Promotion.RefundTransactionID != nil {
		t.Fatal("no refund transaction expected")
	}
	if got := h.balance(t, 504); got != 2_000_000 {
		t.Fatalf("balance = %d, want 2000000", got)
	}
}

func TestCancelMissingPromotion(t *testing.T) {
	h := setupHarness(t)
	_, err := h.svc.Cancel(context.Background(), domain.CancelRequest{PromotionID: 123456})
	if !errors.Is(err, domain.ErrPromotionNotFound) {
		t.Fatalf("err = %v, want ErrPromotionNotFound", err)
	}
}

func TestExpireClosesAnalytics(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.seedBilling(t, 505, 5_000_000)
	h.seedPackage(t, 1, 1_000_000, 7, true)
	h.seedConstruction(t, 9050, 505, listingdomain.CategoryPrivate, listingdomain.StatusPublished)

	promo, err := h.svc.Purchase(ctx, domain.PurchaseRequest{ConstructionID: 9050, PackageID: 1, OrgID: 505})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	// Traffic during the promotion window.
	for i := 0; i < 5; i++ {
		if err := h.listings.IncrementImpressions(ctx, h.db, 9050); err != nil {
			t.Fatalf("IncrementImpressions: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := h.listings.IncrementClicks(ctx, h.db, 9050); err != nil {
			t.Fatalf("IncrementClicks: %v", err)
		}
	}

	h.clk.Advance(8 * 24 * time.Hour)
	if err := h.svc.Expire(ctx, promo.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	fresh, err := h.svc.Get(ctx, 505, promo.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.Status != domain.StatusExpired {
		t.Fatalf("status = %q, want expired", fresh.Status)
	}
	if fresh.ImpressionsGained == nil || *fresh.ImpressionsGained != 5 {
		t.Fatalf("impressions gained = %v, want 5", fresh.ImpressionsGained)
	}
	if fresh.ClicksGained == nil || *fresh.ClicksGained != 2 {
		t.Fatalf("clicks gained = %v, want 2", fresh.ClicksGained)
	}
	if h.promoted(t, 9050) {
		t.Fatal("construction still promoted after expire")
	}

	// Terminal: expiring again is rejected.
	if err := h.svc.Expire(ctx, promo.ID); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("second expire err = %v, want ErrNotActive", err)
	}
}

func TestListPackagesCatalog(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	h.seedPackage(t, 501, 120_000, 30, true)
	h.seedPackage(t, 502, 40_000, 7, true)
	h.seedPackage(t, 503, 80_000, 14, false)

	active, err := h.svc.ListPackages(ctx, true)
	if err != nil {
		t.Fatalf("ListPackages(active): %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active packages = %d, want 2", len(active))
	}
	// Cheapest first.
	if active[0].ID != 502 || active[1].ID != 501 {
		t.Fatalf("active order = [%d %d], want [502 501]", active[0].ID, active[1].ID)
	}

	all, err := h.svc.ListPackages(ctx, false)
	if err != nil {
		t.Fatalf("ListPackages(all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all packages = %d, want 3", len(all))
	}
	if all[0].ID != 502 || all[1].ID != 503 || all[2].ID != 501 {
		t.Fatalf("all order = [%d %d %d], want [502 503 501]", all[0].ID, all[1].ID, all[2].ID)
	}
}
