package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/baulisto/billing/internal/audit/domain"
	"github.com/baulisto/billing/internal/events"
	"github.com/baulisto/billing/internal/ledger/domain"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Outbox  *events.Outbox      `optional:"true"`
	Audit   auditdomain.Service `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	outbox  *events.Outbox
	audit   auditdomain.Service
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		outbox:  p.Outbox,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func (s *service) AddCredits(ctx context.Context, req domain.MutationRequest) (domain.MutationResult, error) {
	if err := validateMutation(req); err != nil {
		return domain.MutationResult{}, err
	}
	return s.applyMutation(ctx, req, req.Amount)
}

func (s *service) DeductCredits(ctx context.Context, req domain.MutationRequest) (domain.MutationResult, error) {
	if err := validateMutation(req); err != nil {
		return domain.MutationResult{}, err
	}
	return s.applyMutation(ctx, req, -req.Amount)
}

func validateMutation(req domain.MutationRequest) error {
	if req.OrgID == 0 {
		return domain.ErrBillingAccountMissing
	}
	if req.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if !req.Type.Valid() {
		return domain.ErrUnknownTransactionType
	}
	return nil
}

type billingRow struct {
	OrgID              snowflake.ID
	CreditBalance      int64
	TotalCreditsLoaded int64
	TotalCreditsSpent  int64
}

// lockBillingForUpdate takes the per-organization write lock. All balance
// mutations serialize on this row.
func lockBillingForUpdate(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*billingRow, error) {
	query := `SELECT org_id, credit_balance, total_credits_loaded, total_credits_spent
	 FROM organization_billing
	 WHERE org_id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var row billingRow
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(query, orgID).Scan(&row).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceOrganizationBilling, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	if row.OrgID == 0 {
		return nil, domain.ErrBillingAccountMissing
	}
	return &row, nil
}

// applyMutation performs read-balance, append-transaction, write-balance as a
// single transaction. signedAmount is positive for credits, negative for
// debits.
func (s *service) applyMutation(ctx context.Context, req domain.MutationRequest, signedAmount int64) (domain.MutationResult, error) {
	now := time.Now().UTC()
	txID := s.genID.Generate()

	var record domain.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		billing, err := lockBillingForUpdate(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}

		if signedAmount < 0 && billing.CreditBalance < req.Amount {
			return &domain.InsufficientCreditsError{
				Required:  req.Amount,
				Available: billing.CreditBalance,
			}
		}

		balanceBefore := billing.CreditBalance
		balanceAfter := balanceBefore + signedAmount

		record = domain.CreditTransaction{
			ID:            txID,
			OrgID:         req.OrgID,
			Type:          req.Type,
			Amount:        signedAmount,
			BalanceBefore: balanceBefore,
			BalanceAfter:  balanceAfter,
			Description:   strings.TrimSpace(req.Description),
			Metadata:      datatypes.JSONMap(req.Metadata),
			CreatedAt:     now,
		}
		if performedBy := strings.TrimSpace(req.PerformedBy); performedBy != "" {
			record.PerformedBy = &performedBy
		}
		if req.Reference != nil {
			refType := req.Reference.Type
			refID := req.Reference.ID
			record.ReferenceType = &refType
			record.ReferenceID = &refID
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_transactions (
				id, org_id, type, amount, balance_before, balance_after,
				description, performed_by, reference_type, reference_id,
				promotion_id, metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID,
			record.OrgID,
			string(record.Type),
			record.Amount,
			record.BalanceBefore,
			record.BalanceAfter,
			record.Description,
			record.PerformedBy,
			record.ReferenceType,
			record.ReferenceID,
			nil,
			record.Metadata,
			record.CreatedAt,
		).Error; err != nil {
			return err
		}

		loadedDelta := int64(0)
		spentDelta := int64(0)
		if signedAmount > 0 && req.Type == domain.TransactionTypeTopup {
			loadedDelta = signedAmount
		}
		if signedAmount < 0 {
			spentDelta = -signedAmount
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE organization_billing
			 SET credit_balance = ?,
			     total_credits_loaded = total_credits_loaded + ?,
			     total_credits_spent = total_credits_spent + ?,
			     updated_at = ?
			 WHERE org_id = ?`,
			balanceAfter,
			loadedDelta,
			spentDelta,
			now,
			req.OrgID,
		).Error; err != nil {
			return err
		}

		if s.outbox != nil {
			eventType := events.EventCreditsAdded
			if signedAmount < 0 {
				eventType = events.EventCreditsDeducted
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID: req.OrgID,
				Type:  eventType,
				Payload: map[string]any{
					"transaction_id": txID.String(),
					"type":           string(req.Type),
					"amount":         signedAmount,
					"balance_after":  balanceAfter,
				},
				DedupeKey: "credit_transaction:" + txID.String(),
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return domain.MutationResult{}, err
	}

	s.metrics.RecordCreditTransaction(ctx, string(req.Type))
	s.writeAuditLog(ctx, record)

	return domain.MutationResult{
		NewBalance:  record.BalanceAfter,
		Transaction: record,
	}, nil
}

func (s *service) writeAuditLog(ctx context.Context, record domain.CreditTransaction) {
	if s.audit == nil {
		return
	}
	action := "ledger.credits_added"
	if record.Amount < 0 {
		action = "ledger.credits_deducted"
	}
	txIDStr := record.ID.String()
	metadata := map[string]any{
		"type":           string(record.Type),
		"amount":         record.Amount,
		"balance_before": record.BalanceBefore,
		"balance_after":  record.BalanceAfter,
	}
	orgID := record.OrgID
	if err := s.audit.AuditLog(ctx, &orgID, "", record.PerformedBy, action, "credit_transaction", &txIDStr, metadata); err != nil {
		s.log.Warn("failed to write ledger audit log", zap.Error(err))
	}
}

func (s *service) VerifyBalance(ctx context.Context, orgID snowflake.ID) (domain.VerifyBalanceResult, error) {
	var stored struct {
		OrgID         snowflake.ID
		CreditBalance int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT org_id, credit_balance FROM organization_billing WHERE org_id = ?`,
		orgID,
	).Scan(&stored).Error
	if err != nil {
		return domain.VerifyBalanceResult{}, err
	}
	if stored.OrgID == 0 {
		return domain.VerifyBalanceResult{}, domain.ErrBillingAccountMissing
	}

	var calculated int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE org_id = ?`,
		orgID,
	).Scan(&calculated).Error
	if err != nil {
		return domain.VerifyBalanceResult{}, err
	}

	return domain.VerifyBalanceResult{
		OrgID:             orgID,
		IsValid:           stored.CreditBalance == calculated,
		StoredBalance:     stored.CreditBalance,
		CalculatedBalance: calculated,
		Difference:        stored.CreditBalance - calculated,
	}, nil
}

func (s *service) LinkPromotion(ctx context.Context, transactionID, promotionID snowflake.ID) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE credit_transactions
		 SET promotion_id = ?
		 WHERE id = ? AND promotion_id IS NULL`,
		promotionID,
		transactionID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM credit_transactions WHERE id = ?`,
			transactionID,
		).Scan(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrTransactionNotFound
		}
		return domain.ErrTransactionAlreadyLinked
	}
	return nil
}

func (s *service) FindOrphanedDebits(ctx context.Context, olderThan time.Time) ([]domain.CreditTransaction, error) {
	var orphans []domain.CreditTransaction
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, org_id, type, amount, balance_before, balance_after,
		        description, performed_by, reference_type, reference_id,
		        promotion_id, metadata, created_at
		 FROM credit_transactions
		 WHERE type IN (?, ?) AND amount < 0 AND promotion_id IS NULL AND created_at < ?
		 ORDER BY created_at ASC`,
		string(domain.TransactionTypePromotion),
		string(domain.TransactionTypeAutoRenewal),
		olderThan.UTC(),
	).Scan(&orphans).Error
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

func (s *service) FindByReference(ctx context.Context, orgID snowflake.ID, referenceType domain.ReferenceType, referenceID string) ([]domain.CreditTransaction, error) {
	var transactions []domain.CreditTransaction
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, org_id, type, amount, balance_before, balance_after,
		        description, performed_by, reference_type, reference_id,
		        promotion_id, metadata, created_at
		 FROM credit_transactions
		 WHERE org_id = ? AND reference_type = ? AND reference_id = ?
		 ORDER BY created_at ASC, id ASC`,
		orgID,
		string(referenceType),
		referenceID,
	).Scan(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (s *service) ListTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var transactions []domain.CreditTransaction
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, org_id, type, amount, balance_before, balance_after,
		        description, performed_by, reference_type, reference_id,
		        promotion_id, metadata, created_at
		 FROM credit_transactions
		 WHERE org_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		orgID,
		limit,
	).Scan(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}
