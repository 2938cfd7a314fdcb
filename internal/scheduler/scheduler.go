// Package scheduler runs the periodic billing sweeps: expiring and renewing
// promotions, sending expiration reminders, draining the notification and
// outbox queues, and reconciling the ledger. Jobs collect per-item errors
// instead of aborting, and every state change they trigger goes through a
// guarded transition, so overlapping runs are wasteful but never wrong.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/baulisto/billing/internal/audit/domain"
	"github.com/baulisto/billing/internal/clock"
	"github.com/baulisto/billing/internal/config"
	"github.com/baulisto/billing/internal/events"
	ledgerdomain "github.com/baulisto/billing/internal/ledger/domain"
	notificationdomain "github.com/baulisto/billing/internal/notification/domain"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
	orgdomain "github.com/baulisto/billing/internal/organization/domain"
	promotiondomain "github.com/baulisto/billing/internal/promotion/domain"
	renewaldomain "github.com/baulisto/billing/internal/renewal/domain"
)

const day = 24 * time.Hour

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Billing       *config.BillingConfigHolder
	PromotionRepo promotiondomain.Repository
	Promotions    promotiondomain.Service
	Renewals      renewaldomain.Service
	Ledger        ledgerdomain.Service
	Orgs          orgdomain.Service
	Notifications notificationdomain.Service

	Dispatcher *events.Dispatcher  `optional:"true"`
	Audit      auditdomain.Service `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
	Redis      *redis.Client       `optional:"true"`
	Config     Config              `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	billing       *config.BillingConfigHolder
	promoRepo     promotiondomain.Repository
	promotions    promotiondomain.Service
	renewals      renewaldomain.Service
	ledger        ledgerdomain.Service
	orgs          orgdomain.Service
	notifications notificationdomain.Service
	dispatcher    *events.Dispatcher
	audit         auditdomain.Service
	metrics       *obsmetrics.Metrics
	locker        *Locker
	nextDue       map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Billing == nil ||
		p.PromotionRepo == nil || p.Promotions == nil || p.Renewals == nil ||
		p.Ledger == nil || p.Orgs == nil || p.Notifications == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           cfg,
		genID:         p.GenID,
		clock:         p.Clock,
		billing:       p.Billing,
		promoRepo:     p.PromotionRepo,
		promotions:    p.Promotions,
		renewals:      p.Renewals,
		ledger:        p.Ledger,
		orgs:          p.Orgs,
		notifications: p.Notifications,
		dispatcher:    p.Dispatcher,
		audit:         p.Audit,
		metrics:       p.Metrics,
		locker:        NewLocker(p.Redis),
		nextDue:       map[string]time.Time{},
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()

	if s.locker != nil {
		key := "scheduler:lock:" + name
		token, ok, err := s.locker.TryLock(ctx, key, timeout+time.Minute)
		switch {
		case err != nil:
			// Redis being down must not stop the sweeps. Every transition
			// the jobs make is guarded, so an unlocked overlap is wasteful,
			// not wrong.
			s.log.Warn("job lock unavailable, running unlocked",
				zap.String("job", name),
				zap.Error(err))
		case !ok:
			schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			s.log.Debug("job lock held elsewhere", zap.String("job", name))
			return nil
		default:
			defer func() {
				releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer releaseCancel()
				if err := s.locker.Release(releaseCtx, key, token); err != nil {
					s.log.Warn("failed to release job lock",
						zap.String("job", name),
						zap.Error(err))
				}
			}()
		}
	}

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the sweep picks up where it left off on
	// the next run.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	now := s.clock.Now()
	var err error

	jobs := []struct {
		Name    string
		Every   time.Duration
		Enabled bool
		Run     func(context.Context) error
	}{
		{obsmetrics.JobAutoRenewal, 5 * time.Minute, s.isJobEnabled(obsmetrics.JobAutoRenewal), func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobAutoRenewal, s.cfg.BatchSize, 2*time.Minute, s.AutoRenewalJob)
		}},
		{obsmetrics.JobPromotionExpiration, time.Hour, s.isJobEnabled(obsmetrics.JobPromotionExpiration), func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobPromotionExpiration, s.cfg.BatchSize, 2*time.Minute, s.PromotionExpirationJob)
		}},
		{obsmetrics.JobExpirationAlerts, time.Hour, s.isJobEnabled(obsmetrics.JobExpirationAlerts), func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobExpirationAlerts, s.cfg.BatchSize, time.Minute, s.ExpirationAlertsJob)
		}},
		{obsmetrics.JobNotificationDispatch, time.Minute, s.isJobEnabled(obsmetrics.JobNotificationDispatch), func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobNotificationDispatch, s.cfg.DispatchBatchSize, time.Minute, s.NotificationDispatchJob)
		}},
		{obsmetrics.JobOutboxDispatch, time.Minute, s.dispatcher != nil && s.dispatcher.Enabled() && s.isJobEnabled(obsmetrics.JobOutboxDispatch), func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobOutboxDispatch, s.cfg.DispatchBatchSize, 30*time.Second, s.OutboxDispatchJob)
		}},
		{obsmetrics.JobLedgerReconciliation, 24 * time.Hour, s.isJobEnabled(obsmetrics.JobLedgerReconciliation), func(ctx context.Context) error {
			return s.runJob(ctx, obsmetrics.JobLedgerReconciliation, s.cfg.BatchSize, 10*time.Minute, s.LedgerReconciliationJob)
		}},
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if !s.jobDue(job.Name, job.Every, now) {
			continue
		}
		err = errors.Join(err, job.Run(parent))
	}

	return err
}

// jobDue reports whether the job's interval has elapsed and stamps the next
// due time. The first call in a process always runs everything, which is
// exactly what a RUN_ONCE sweeper invocation wants.
func (s *Scheduler) jobDue(name string, every time.Duration, now time.Time) bool {
	if due, ok := s.nextDue[name]; ok && now.Before(due) {
		return false
	}
	s.nextDue[name] = now.Add(every)
	return true
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// AutoRenewalJob renews active opted-in promotions whose window ends inside
// the configured lookahead, so a listing never goes dark waiting for the
// hourly expiration sweep.
func (s *Scheduler) AutoRenewalJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, obsmetrics.JobAutoRenewal, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	lookahead := time.Duration(s.billing.Get().RenewalLookaheadMinutes) * time.Minute
	before := s.clock.Now().Add(lookahead)
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		promos, err := s.promoRepo.FindDueForRenewal(ctx, s.db, before, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.renewal.sweep.failed", obsmetrics.JobAutoRenewal, 0, err)
			return err
		}
		if len(promos) == 0 {
			break
		}

		progressed := 0
		for _, promo := range promos {
			s.logPromotionClaimed(ctx, obsmetrics.JobAutoRenewal, promo)
			result, err := s.renewals.ProcessAutoRenewal(ctx, promo.ID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.renewal.failed", obsmetrics.JobAutoRenewal, snowflake.ID(promo.OrgID), err,
					zap.Int64("promotion_id", promo.ID),
				)
				continue
			}
			progressed++
			if result.Renewed || result.Reason == renewaldomain.ReasonInsufficientCredits {
				run.AddProcessed(1)
			}
		}
		obsmetrics.Scheduler().AddBatchProcessed(obsmetrics.JobAutoRenewal, "promotions", progressed)
		// Rows that failed are still due; stop and let the next sweep retry.
		if progressed == 0 {
			break
		}
	}

	return jobErr
}

// PromotionExpirationJob closes out active promotions past their end date.
// Opted-in promotions go through the renewal engine, which either opens the
// next window or expires them; the rest are expired directly.
func (s *Scheduler) PromotionExpirationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, obsmetrics.JobPromotionExpiration, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		promos, err := s.promoRepo.FindExpired(ctx, s.db, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.expiration.sweep.failed", obsmetrics.JobPromotionExpiration, 0, err)
			return err
		}
		if len(promos) == 0 {
			break
		}

		progressed := 0
		for _, promo := range promos {
			s.logPromotionClaimed(ctx, obsmetrics.JobPromotionExpiration, promo)
			if promo.AutoRenew {
				result, err := s.renewals.ProcessAutoRenewal(ctx, promo.ID)
				if err != nil {
					jobErr = errors.Join(jobErr, err)
					s.logSchedulerError(ctx, run, "scheduler.renewal.failed", obsmetrics.JobPromotionExpiration, snowflake.ID(promo.OrgID), err,
						zap.Int64("promotion_id", promo.ID),
					)
					continue
				}
				progressed++
				if result.Renewed || result.Reason == renewaldomain.ReasonInsufficientCredits {
					run.AddProcessed(1)
				}
				continue
			}
			if err := s.promotions.Expire(ctx, promo.ID); err != nil {
				if errors.Is(err, promotiondomain.ErrNotActive) || errors.Is(err, promotiondomain.ErrPromotionNotFound) {
					// An overlapping sweep closed it first.
					progressed++
					continue
				}
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.expiration.failed", obsmetrics.JobPromotionExpiration, snowflake.ID(promo.OrgID), err,
					zap.Int64("promotion_id", promo.ID),
				)
				continue
			}
			progressed++
			run.AddProcessed(1)
		}
		obsmetrics.Scheduler().AddBatchProcessed(obsmetrics.JobPromotionExpiration, "promotions", progressed)
		if progressed == 0 {
			break
		}
	}

	return jobErr
}

// ExpirationAlertsJob reminds organizations about promotions ending within
// the configured window. The alert flag flips in the same transaction as the
// notification insert, so each promotion is reminded at most once.
func (s *Scheduler) ExpirationAlertsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, obsmetrics.JobExpirationAlerts, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	windowEnd := now.Add(time.Duration(s.billing.Get().ExpirationAlertDays) * day)
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		promos, err := s.promoRepo.FindNeedingExpirationAlert(ctx, s.db, now, windowEnd, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.alert.sweep.failed", obsmetrics.JobExpirationAlerts, 0, err)
			return err
		}
		if len(promos) == 0 {
			break
		}

		progressed := 0
		for _, promo := range promos {
			alerted, err := s.sendExpirationAlert(ctx, promo, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.alert.failed", obsmetrics.JobExpirationAlerts, snowflake.ID(promo.OrgID), err,
					zap.Int64("promotion_id", promo.ID),
				)
				continue
			}
			progressed++
			if alerted {
				run.AddProcessed(1)
			}
		}
		obsmetrics.Scheduler().AddBatchProcessed(obsmetrics.JobExpirationAlerts, "promotions", progressed)
		if progressed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) sendExpirationAlert(ctx context.Context, promo promotiondomain.Promotion, now time.Time) (bool, error) {
	recipient := s.billingEmail(ctx, promo.OrgID)
	alerted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		flipped, err := s.promoRepo.MarkExpirationAlertSent(ctx, tx, promo.ID)
		if err != nil {
			return err
		}
		if !flipped {
			// An overlapping sweep already reminded this one.
			return nil
		}
		alerted = true
		if recipient == "" {
			// The flag still flips: a mail-less organization must not be
			// retried every sweep.
			s.logger(ctx).Debug("expiration reminder skipped, no billing email",
				zap.Int64("org_id", promo.OrgID),
				zap.Int64("promotion_id", promo.ID))
			return nil
		}

		daysLeft := int((promo.EndDate.Sub(now) + day - 1) / day)
		body := fmt.Sprintf(
			"<p>Your promotion ends on <strong>%s</strong> (%d days left).</p>",
			promo.EndDate.Format("2006-01-02"), daysLeft)
		if promo.AutoRenew {
			body += "<p>Auto-renewal is on; the window extends automatically while your balance covers the package cost.</p>"
		} else {
			body += "<p>Auto-renewal is off. Promote the listing again after it ends to keep it visible.</p>"
		}
		_, err = s.notifications.EnqueueTx(ctx, tx, notificationdomain.EnqueueRequest{
			OrgID:      promo.OrgID,
			Kind:       notificationdomain.KindPromotionExpiring,
			Recipients: []string{recipient},
			Subject:    fmt.Sprintf("Promotion ending in %d days", daysLeft),
			BodyHTML:   body,
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return alerted, nil
}

// billingEmail resolves the organization's notification recipient, falling
// back from the billing subrecord to the organization record.
func (s *Scheduler) billingEmail(ctx context.Context, orgID int64) string {
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

func (s *Scheduler) NotificationDispatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, obsmetrics.JobNotificationDispatch, s.cfg.DispatchBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	sent, err := s.notifications.DispatchPending(ctx, s.cfg.DispatchBatchSize)
	run.AddProcessed(sent)
	obsmetrics.Scheduler().AddBatchProcessed(obsmetrics.JobNotificationDispatch, "notifications", sent)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.notification.dispatch.failed", obsmetrics.JobNotificationDispatch, 0, err)
	}
	return err
}

func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, obsmetrics.JobOutboxDispatch, s.cfg.DispatchBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if s.dispatcher == nil {
		return nil
	}

	published, err := s.dispatcher.DispatchPending(ctx, s.cfg.DispatchBatchSize)
	run.AddProcessed(published)
	obsmetrics.Scheduler().AddBatchProcessed(obsmetrics.JobOutboxDispatch, "outbox_events", published)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.outbox.dispatch.failed", obsmetrics.JobOutboxDispatch, 0, err)
	}
	return err
}
