package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/organization/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) domain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("organization.service"),
		genID: p.GenID,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateOrganizationRequest) (domain.Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Organization{}, domain.ErrInvalidName
	}

	now := time.Now().UTC()
	orgID := s.genID.Generate()
	org := domain.Organization{
		ID:           orgID,
		Name:         name,
		Slug:         slug.Make(name),
		BillingEmail: strings.TrimSpace(req.BillingEmail),
		CountryCode:  strings.TrimSpace(req.CountryCode),
		Metadata:     datatypes.JSONMap(req.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if org.Metadata == nil {
		org.Metadata = datatypes.JSONMap{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Check the slug before inserting: a unique violation would abort
		// the whole transaction on postgres.
		var count int64
		if err := tx.Raw(`SELECT COUNT(1) FROM organizations WHERE slug = ?`, org.Slug).Scan(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			org.Slug = org.Slug + "-" + orgID.String()[:6]
		}
		if err := tx.Create(&org).Error; err != nil {
			return err
		}
		return s.insertBillingRow(ctx, tx, org, now)
	})
	if err != nil {
		return domain.Organization{}, err
	}
	return org, nil
}

func (s *service) insertBillingRow(ctx context.Context, tx *gorm.DB, org domain.Organization, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO organization_billing (
			org_id, credit_balance, total_credits_loaded, total_credits_spent,
			billing_email, low_balance_alert_enabled, low_balance_alert_threshold,
			created_at, updated_at
		) VALUES (?, 0, 0, 0, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id) DO NOTHING`,
		org.ID,
		org.BillingEmail,
		true,
		int64(500_000),
		now,
		now,
	).Error
}

func (s *service) GetByID(ctx context.Context, id snowflake.ID) (domain.Organization, error) {
	var org domain.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Organization{}, domain.ErrNotFound
		}
		return domain.Organization{}, err
	}
	return org, nil
}

func (s *service) GetBilling(ctx context.Context, orgID snowflake.ID) (domain.OrganizationBilling, error) {
	var billing domain.OrganizationBilling
	err := s.db.WithContext(ctx).First(&billing, "org_id = ?", orgID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.OrganizationBilling{}, domain.ErrBillingMissing
		}
		return domain.OrganizationBilling{}, err
	}
	return billing, nil
}

func (s *service) EnsureBilling(ctx context.Context, orgID snowflake.ID) (domain.OrganizationBilling, error) {
	org, err := s.GetByID(ctx, orgID)
	if err != nil {
		return domain.OrganizationBilling{}, err
	}
	now := time.Now().UTC()
	if err := s.insertBillingRow(ctx, s.db, org, now); err != nil {
		return domain.OrganizationBilling{}, err
	}
	return s.GetBilling(ctx, orgID)
}

func (s *service) SetStripeCustomerID(ctx context.Context, orgID snowflake.ID, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil
	}
	result := s.db.WithContext(ctx).Exec(
		`UPDATE organization_billing
		 SET stripe_customer_id = ?, updated_at = ?
		 WHERE org_id = ? AND stripe_customer_id IS NULL`,
		customerID,
		time.Now().UTC(),
		orgID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("stripe customer already assigned",
			zap.Int64("org_id", int64(orgID)))
	}
	return nil
}

func (s *service) SetLowBalanceAlertPolicy(ctx context.Context, orgID snowflake.ID, enabled bool, threshold int64) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE organization_billing
		 SET low_balance_alert_enabled = ?, low_balance_alert_threshold = ?, updated_at = ?
		 WHERE org_id = ?`,
		enabled,
		threshold,
		time.Now().UTC(),
		orgID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrBillingMissing
	}
	return nil
}
