package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/notification/domain"
	"github.com/baulisto/billing/internal/notification/service"
)

var testDBSeq int

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:notification_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	err = db.Exec(
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
	).Error
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

type fakeEmail struct {
	sends   int
	sendErr error
	lastTo  []string
	lastSub string
}

func (f *fakeEmail) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	f.sends++
	f.lastTo = to
	f.lastSub = subject
	return f.sendErr
}

func newNotificationService(t *testing.T, db *gorm.DB, mail *fakeEmail) domain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Email: mail,
	})
}

func notificationRow(t *testing.T, db *gorm.DB, id int64) (status string, attempts int) {
	t.Helper()
	var row struct {
		Status   string
		Attempts int
	}
	err := db.Raw(`SELECT status, attempts FROM notifications WHERE id = ?`, id).Scan(&row).Error
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	return row.Status, row.Attempts
}

func TestEnqueueValidation(t *testing.T) {
	db := setupTestDB(t)
	svc := newNotificationService(t, db, &fakeEmail{})

	_, err := svc.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:       "newsletter",
		Recipients: []string{"a@example.test"},
		Subject:    "x",
	})
	if !errors.Is(err, domain.ErrInvalidKind) {
		t.Fatalf("unknown kind: err = %v, want ErrInvalidKind", err)
	}

	_, err = svc.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:       domain.KindLowBalance,
		Recipients: []string{"  ", ""},
		Subject:    "x",
	})
	if !errors.Is(err, domain.ErrNoRecipients) {
		t.Fatalf("blank recipients: err = %v, want ErrNoRecipients", err)
	}

	_, err = svc.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:       domain.KindLowBalance,
		Recipients: []string{"a@example.test"},
		Subject:    "   ",
	})
	if !errors.Is(err, domain.ErrEmptySubject) {
		t.Fatalf("blank subject: err = %v, want ErrEmptySubject", err)
	}
}

func TestDispatchPendingSendsAndStamps(t *testing.T) {
	db := setupTestDB(t)
	mail := &fakeEmail{}
	svc := newNotificationService(t, db, mail)

	n, err := svc.Enqueue(context.Background(), domain.EnqueueRequest{
		OrgID:      42,
		Kind:       domain.KindLowBalance,
		Recipients: []string{"billing@example.test"},
		Subject:    "Guthaben niedrig",
		BodyHTML:   "<p>Bitte aufladen.</p>",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sent, err := svc.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if mail.sends != 1 || mail.lastSub != "Guthaben niedrig" {
		t.Fatalf("mail provider saw %d sends, last subject %q", mail.sends, mail.lastSub)
	}

	status, attempts := notificationRow(t, db, n.ID)
	if status != string(domain.StatusSent) {
		t.Fatalf("status = %q, want sent", status)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	// A second sweep finds nothing pending.
	sent, err = svc.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("second DispatchPending: %v", err)
	}
	if sent != 0 || mail.sends != 1 {
		t.Fatalf("sent row must not be redelivered (sent=%d, provider sends=%d)", sent, mail.sends)
	}
}

func TestDispatchFailureKeepsRowPending(t *testing.T) {
	db := setupTestDB(t)
	mail := &fakeEmail{sendErr: errors.New("smtp: connection refused")}
	svc := newNotificationService(t, db, mail)

	n, err := svc.Enqueue(context.Background(), domain.EnqueueRequest{
		OrgID:      42,
		Kind:       domain.KindRenewalFailure,
		Recipients: []string{"billing@example.test"},
		Subject:    "Verlängerung fehlgeschlagen",
		BodyHTML:   "<p>.</p>",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sent, dispatchErr := svc.DispatchPending(context.Background(), 10)
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	if dispatchErr == nil {
		t.Fatal("dispatch error must surface")
	}

	status, attempts := notificationRow(t, db, n.ID)
	if status != string(domain.StatusPending) {
		t.Fatalf("status = %q, want pending for retry", status)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDispatchParksRowAfterMaxAttempts(t *testing.T) {
	db := setupTestDB(t)
	mail := &fakeEmail{sendErr: errors.New("smtp: permanent failure")}
	svc := newNotificationService(t, db, mail)

	n, err := svc.Enqueue(context.Background(), domain.EnqueueRequest{
		OrgID:      42,
		Kind:       domain.KindTopupCompleted,
		Recipients: []string{"billing@example.test"},
		Subject:    "Aufladung abgeschlossen",
		BodyHTML:   "<p>.</p>",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := svc.DispatchPending(context.Background(), 10); err == nil {
			t.Fatalf("sweep %d: send must fail", i+1)
		}
	}

	status, attempts := notificationRow(t, db, n.ID)
	if status != string(domain.StatusFailed) {
		t.Fatalf("status = %q, want failed after %d attempts", status, attempts)
	}
	if attempts != 5 {
		t.Fatalf("attempts = %d, want 5", attempts)
	}

	// Parked rows are excluded from further sweeps.
	if _, err := svc.DispatchPending(context.Background(), 10); err != nil {
		t.Fatalf("sweep over failed row must be clean: %v", err)
	}
	if mail.sends != 5 {
		t.Fatalf("provider sends = %d, want 5", mail.sends)
	}
}
