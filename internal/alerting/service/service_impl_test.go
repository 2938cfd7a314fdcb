package service_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/alerting/service"
	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	notificationservice "github.com/baulisto/billing/internal/notification/service"
	"github.com/baulisto/billing/internal/providers/email"
)

var testDBSeq int

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:alerting_test_%d?mode=memory&cache=shared", testDBSeq)
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
		`CREATE TABLE notifications (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			channel TEXT NOT NULL DEFAULT 'email',
			recipients TEXT,
			subject TEXT NOT NULL,
			body_html TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			sent_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func seedBilling(t *testing.T, db *gorm.DB, orgID, threshold int64, enabled bool) {
	t.Helper()
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO organization_billing (
			org_id, billing_email, low_balance_alert_enabled, low_balance_alert_threshold,
			created_at, updated_at
		) VALUES (?, 'alerts@example.test', ?, ?, ?, ?)`,
		orgID, enabled, threshold, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed billing: %v", err)
	}
}

func newAlertingService(t *testing.T, db *gorm.DB, clk clock.Clock) *testHarness {
	t.Helper()
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	notifications := notificationservice.NewService(notificationservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Email: &email.NoOpProvider{},
	})
	svc := service.NewService(service.Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clk,
		Billing:       config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Notifications: notifications,
	})
	return &testHarness{db: db, svc: svc}
}

type testHarness struct {
	db  *gorm.DB
	svc interface {
		CheckLowBalance(ctx context.Context, orgID snowflake.ID, balance int64) error
	}
}

func (h *testHarness) alertCount(t *testing.T, orgID int64) int64 {
	t.Helper()
	var count int64
	if err := h.db.Raw(
		`SELECT COUNT(1) FROM notifications WHERE org_id = ? AND kind = 'low_balance'`,
		orgID,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	return count
}

func (h *testHarness) lastSubject(t *testing.T, orgID int64) string {
	t.Helper()
	var subject string
	if err := h.db.Raw(
		`SELECT subject FROM notifications WHERE org_id = ? ORDER BY id DESC LIMIT 1`,
		orgID,
	).Scan(&subject).Error; err != nil {
		t.Fatalf("read subject: %v", err)
	}
	return subject
}

func TestCheckLowBalanceEnqueuesAlert(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	h := newAlertingService(t, db, clk)
	seedBilling(t, db, 300, 500_000, true)

	if err := h.svc.CheckLowBalance(context.Background(), 300, 80_000); err != nil {
		t.Fatalf("CheckLowBalance: %v", err)
	}
	if got := h.alertCount(t, 300); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
	// 80_000 < critical_below (100_000)
	if subject := h.lastSubject(t, 300); !strings.Contains(subject, "critical") {
		t.Fatalf("subject %q missing critical severity", subject)
	}

	var stamped sql.NullTime
	if err := db.Raw(`SELECT last_low_balance_alert_at FROM organization_billing WHERE org_id = 300`).Scan(&stamped).Error; err != nil {
		t.Fatalf("read stamp: %v", err)
	}
	if !stamped.Valid {
		t.Fatal("alert timestamp not stamped")
	}
}

func TestCheckLowBalanceDedupesWithin24h(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	h := newAlertingService(t, db, clk)
	seedBilling(t, db, 301, 500_000, true)

	ctx := context.Background()
	if err := h.svc.CheckLowBalance(ctx, 301, 90_000); err != nil {
		t.Fatalf("first check: %v", err)
	}
	// Immediately after and 23h later: still inside the window.
	if err := h.svc.CheckLowBalance(ctx, 301, 70_000); err != nil {
		t.Fatalf("second check: %v", err)
	}
	clk.Advance(23 * time.Hour)
	if err := h.svc.CheckLowBalance(ctx, 301, 60_000); err != nil {
		t.Fatalf("third check: %v", err)
	}
	if got := h.alertCount(t, 301); got != 1 {
		t.Fatalf("alerts inside window = %d, want 1", got)
	}

	clk.Advance(2 * time.Hour)
	if err := h.svc.CheckLowBalance(ctx, 301, 60_000); err != nil {
		t.Fatalf("check after window: %v", err)
	}
	if got := h.alertCount(t, 301); got != 2 {
		t.Fatalf("alerts after window = %d, want 2", got)
	}
}

func TestCheckLowBalanceRespectsThresholdAndToggle(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	h := newAlertingService(t, db, clk)
	ctx := context.Background()

	// Balance at the threshold: no alert.
	seedBilling(t, db, 302, 500_000, true)
	if err := h.svc.CheckLowBalance(ctx, 302, 500_000); err != nil {
		t.Fatalf("CheckLowBalance: %v", err)
	}
	if got := h.alertCount(t, 302); got != 0 {
		t.Fatalf("alerts at threshold = %d, want 0", got)
	}

	// Alerts disabled: no alert even far below.
	seedBilling(t, db, 303, 500_000, false)
	if err := h.svc.CheckLowBalance(ctx, 303, 1); err != nil {
		t.Fatalf("CheckLowBalance: %v", err)
	}
	if got := h.alertCount(t, 303); got != 0 {
		t.Fatalf("alerts while disabled = %d, want 0", got)
	}
}

func TestSeverityFollowsConfigThresholds(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	h := newAlertingService(t, db, clk)
	ctx := context.Background()

	// Defaults: critical below 100_000, low below 500_000.
	cases := []struct {
		orgID    int64
		balance  int64
		severity string
	}{
		{310, 50_000, "critical"},
		{311, 200_000, "low"},
		// Above both severity thresholds but below the org's own alert
		// threshold: moderate.
		{312, 700_000, "moderate"},
	}
	for _, tc := range cases {
		seedBilling(t, db, tc.orgID, 1_000_000, true)
		if err := h.svc.CheckLowBalance(ctx, snowflake.ID(tc.orgID), tc.balance); err != nil {
			t.Fatalf("org %d: %v", tc.orgID, err)
		}
		if subject := h.lastSubject(t, tc.orgID); !strings.Contains(subject, tc.severity) {
			t.Fatalf("org %d: subject %q missing %q", tc.orgID, subject, tc.severity)
		}
	}
}
