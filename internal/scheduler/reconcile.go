package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	ledgerdomain "github.com/baulisto/billing/internal/ledger/domain"
	notificationdomain "github.com/baulisto/billing/internal/notification/domain"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
)

// billingOrg is one row of the reconciliation scan.
type billingOrg struct {
	OrgID snowflake.ID
}

// LedgerReconciliationJob walks every billing account, recomputes its balance
// from the transaction log, then looks for debits that never got a promotion
// linked back. Findings are surfaced to ops, never auto-corrected; the only
// write it makes is back-filling a link whose promotion row does exist.
func (s *Scheduler) LedgerReconciliationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, obsmetrics.JobLedgerReconciliation, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	var jobErr error

	var lastID snowflake.ID
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		orgs, err := s.fetchBillingOrgs(ctx, lastID, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.reconciliation.scan.failed", obsmetrics.JobLedgerReconciliation, 0, err)
			return err
		}
		if len(orgs) == 0 {
			break
		}
		for _, org := range orgs {
			lastID = org.OrgID
			if err := s.verifyOrgBalance(ctx, run, org.OrgID); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			run.AddProcessed(1)
		}
		obsmetrics.Scheduler().AddBatchProcessed(obsmetrics.JobLedgerReconciliation, "organizations", len(orgs))
		if len(orgs) < s.cfg.BatchSize {
			break
		}
	}

	jobErr = errors.Join(jobErr, s.sweepOrphanedDebits(ctx, run))
	return jobErr
}

// fetchBillingOrgs pages the scan by keyset. No row locks: holding billing
// rows while recomputing sums would starve live purchases for the duration.
func (s *Scheduler) fetchBillingOrgs(ctx context.Context, afterID snowflake.ID, limit int) ([]billingOrg, error) {
	var orgs []billingOrg
	err := s.db.WithContext(ctx).Raw(
		`SELECT org_id
		 FROM organization_billing
		 WHERE org_id > ?
		 ORDER BY org_id ASC
		 LIMIT ?`,
		afterID,
		limit,
	).Scan(&orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

func (s *Scheduler) verifyOrgBalance(ctx context.Context, run *jobRun, orgID snowflake.ID) error {
	result, err := s.ledger.VerifyBalance(ctx, orgID)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconciliation.verify.failed", obsmetrics.JobLedgerReconciliation, orgID, err)
		return err
	}
	if result.IsValid {
		return nil
	}
	// The stored-balance read and the log sum are separate queries, so a
	// mutation committing between them looks like drift. Re-check before
	// raising an alarm.
	recheck, err := s.ledger.VerifyBalance(ctx, orgID)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconciliation.verify.failed", obsmetrics.JobLedgerReconciliation, orgID, err)
		return err
	}
	if recheck.IsValid {
		return nil
	}
	s.reportDrift(ctx, recheck)
	return nil
}

func (s *Scheduler) reportDrift(ctx context.Context, result ledgerdomain.VerifyBalanceResult) {
	s.logger(ctx).Error("ledger drift detected",
		zap.String("org_id", result.OrgID.String()),
		zap.Int64("stored_balance", result.StoredBalance),
		zap.Int64("calculated_balance", result.CalculatedBalance),
		zap.Int64("difference", result.Difference),
	)
	s.metrics.RecordReconciliationFinding(ctx, "drift")
	s.writeAuditLog(ctx, result.OrgID, "ledger.drift_detected", "organization_billing", result.OrgID.String(), map[string]any{
		"stored_balance":     result.StoredBalance,
		"calculated_balance": result.CalculatedBalance,
		"difference":         result.Difference,
	})
	s.notifyOps(ctx, result.OrgID.Int64(), notificationdomain.KindLedgerDrift,
		fmt.Sprintf("Ledger drift: organization %s", result.OrgID),
		fmt.Sprintf(
			"<p>Stored balance <strong>%d</strong> does not match the transaction log sum <strong>%d</strong> (difference %d).</p>"+
				"<p>Inspect credit_transactions for organization %s before making any manual adjustment.</p>",
			result.StoredBalance, result.CalculatedBalance, result.Difference, result.OrgID))
}

func (s *Scheduler) sweepOrphanedDebits(ctx context.Context, run *jobRun) error {
	cutoff := s.clock.Now().Add(-s.cfg.OrphanGracePeriod)
	orphans, err := s.ledger.FindOrphanedDebits(ctx, cutoff)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconciliation.orphans.failed", obsmetrics.JobLedgerReconciliation, 0, err)
		return err
	}
	var jobErr error
	for _, orphan := range orphans {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		healed, err := s.healOrphanedDebit(ctx, orphan)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.reconciliation.orphan.failed", obsmetrics.JobLedgerReconciliation, orphan.OrgID, err,
				zap.String("transaction_id", orphan.ID.String()),
			)
			continue
		}
		run.AddProcessed(1)
		if healed {
			continue
		}
		s.reportOrphanedDebit(ctx, orphan)
	}
	return jobErr
}

// healOrphanedDebit back-fills the link when the promotion the debit paid for
// does exist. That is the crash window between deduct and insert closing
// late, not money gone missing.
func (s *Scheduler) healOrphanedDebit(ctx context.Context, orphan ledgerdomain.CreditTransaction) (bool, error) {
	promo, err := s.promoRepo.FindByCreditTransactionID(ctx, s.db, orphan.ID.Int64())
	if err != nil {
		return false, err
	}
	if promo == nil {
		return false, nil
	}
	if err := s.ledger.LinkPromotion(ctx, orphan.ID, snowflake.ID(promo.ID)); err != nil {
		if errors.Is(err, ledgerdomain.ErrTransactionAlreadyLinked) {
			return true, nil
		}
		return false, err
	}
	s.logger(ctx).Info("reconciliation healed orphaned debit",
		zap.String("transaction_id", orphan.ID.String()),
		zap.Int64("promotion_id", promo.ID),
	)
	return true, nil
}

// reportOrphanedDebit raises an unhealed orphan to ops. It re-raises on every
// run until someone resolves the transaction; that nagging is deliberate.
func (s *Scheduler) reportOrphanedDebit(ctx context.Context, orphan ledgerdomain.CreditTransaction) {
	s.logger(ctx).Error("orphaned debit detected",
		zap.String("transaction_id", orphan.ID.String()),
		zap.String("org_id", orphan.OrgID.String()),
		zap.Int64("amount", orphan.Amount),
		zap.Time("created_at", orphan.CreatedAt),
	)
	s.metrics.RecordReconciliationFinding(ctx, "orphaned_debit")
	s.writeAuditLog(ctx, orphan.OrgID, "ledger.orphaned_debit", "credit_transaction", orphan.ID.String(), map[string]any{
		"amount":     orphan.Amount,
		"type":       string(orphan.Type),
		"created_at": orphan.CreatedAt,
	})
	s.notifyOps(ctx, orphan.OrgID.Int64(), notificationdomain.KindOrphanedDebit,
		fmt.Sprintf("Orphaned debit: transaction %s", orphan.ID),
		fmt.Sprintf(
			"<p>A debit of <strong>%d credits</strong> (%s) from %s has no promotion linked to it.</p>"+
				"<p>The charge stands. Review the transaction and refund manually if the promotion never materialized.</p>",
			-orphan.Amount, orphan.Type, orphan.CreatedAt.Format(time.RFC3339)))
}

func (s *Scheduler) notifyOps(ctx context.Context, orgID int64, kind notificationdomain.Kind, subject, body string) {
	opsEmail := strings.TrimSpace(s.billing.Get().OpsEmail)
	if opsEmail == "" {
		return
	}
	if _, err := s.notifications.Enqueue(ctx, notificationdomain.EnqueueRequest{
		OrgID:      orgID,
		Kind:       kind,
		Recipients: []string{opsEmail},
		Subject:    subject,
		BodyHTML:   body,
	}); err != nil {
		s.log.Warn("failed to enqueue ops notification",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (s *Scheduler) writeAuditLog(ctx context.Context, orgID snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AuditLog(ctx, &orgID, "system", nil, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.Error(err))
	}
}
