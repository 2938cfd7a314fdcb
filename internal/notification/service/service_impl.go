package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/notification/domain"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
	"github.com/baulisto/billing/internal/providers/email"
)

// maxAttempts is how often dispatch retries before parking the row as failed.
const maxAttempts = 5

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Email   email.Provider
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	email   email.Provider
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &service{
		db:      p.DB,
		log:     p.Log.Named("notification.service"),
		genID:   p.GenID,
		email:   p.Email,
		metrics: p.Metrics,
	}
}

func (s *service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Notification, error) {
	return s.EnqueueTx(ctx, s.db, req)
}

func (s *service) EnqueueTx(ctx context.Context, tx *gorm.DB, req domain.EnqueueRequest) (*domain.Notification, error) {
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, domain.ErrNoRecipients
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, domain.ErrEmptySubject
	}

	now := time.Now().UTC()
	n := &domain.Notification{
		ID:         s.genID.Generate().Int64(),
		OrgID:      req.OrgID,
		Channel:    domain.ChannelEmail,
		Recipients: pq.StringArray(recipients),
		Subject:    subject,
		BodyHTML:   req.BodyHTML,
		Kind:       req.Kind,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, org_id, channel, recipients, subject, body_html, kind, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		n.ID,
		n.OrgID,
		string(n.Channel),
		n.Recipients,
		n.Subject,
		n.BodyHTML,
		string(n.Kind),
		string(n.Status),
		n.CreatedAt,
		n.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *service) DispatchPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	var pending []domain.Notification
	err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.StatusPending)).
		Order("created_at ASC").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	var dispatchErrs []error
	for _, n := range pending {
		if err := s.dispatchOne(ctx, &n); err != nil {
			dispatchErrs = append(dispatchErrs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(dispatchErrs...)
}

func (s *service) dispatchOne(ctx context.Context, n *domain.Notification) error {
	now := time.Now().UTC()
	if err := s.email.Send(ctx, n.Recipients, n.Subject, n.BodyHTML); err != nil {
		s.log.Warn("notification delivery failed",
			zap.Int64("notification_id", n.ID),
			zap.String("kind", string(n.Kind)),
			zap.Int("attempts", n.Attempts+1),
			zap.Error(err))
		s.recordFailure(ctx, n, now, err)
		return err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET status = ?, sent_at = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusSent),
		now,
		now,
		n.ID,
		string(domain.StatusPending),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Another dispatcher won the row.
		return nil
	}
	s.metrics.RecordNotificationSent(ctx, string(n.Kind))
	return nil
}

func (s *service) recordFailure(ctx context.Context, n *domain.Notification, now time.Time, sendErr error) {
	status := domain.StatusPending
	if n.Attempts+1 >= maxAttempts {
		status = domain.StatusFailed
	}
	errMsg := sendErr.Error()
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	err := s.db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET attempts = attempts + 1, last_error = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		errMsg,
		string(status),
		now,
		n.ID,
	).Error
	if err != nil {
		s.log.Error("failed to record notification failure",
			zap.Int64("notification_id", n.ID),
			zap.Error(err))
	}
}
