// Package domain contains persistence models for the org service.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Organization represents a tenant on the listing platform.
type Organization struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name         string            `gorm:"type:text;not null" json:"name"`
	Slug         string            `gorm:"type:text;not null;uniqueIndex:ux_organizations_slug" json:"slug"`
	BillingEmail string            `gorm:"type:text;column:billing_email" json:"billing_email"`
	CountryCode  string            `gorm:"column:country_code" json:"country_code"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// OrganizationBilling is the mutable billing subrecord, one row per
// organization. CreditBalance must equal the signed sum of the org's
// credit_transactions rows; every mutation goes through the ledger service.
type OrganizationBilling struct {
	OrgID                    snowflake.ID `gorm:"primaryKey" json:"org_id"`
	CreditBalance            int64        `gorm:"not null;default:0" json:"credit_balance"`
	TotalCreditsLoaded       int64        `gorm:"not null;default:0" json:"total_credits_loaded"`
	TotalCreditsSpent        int64        `gorm:"not null;default:0" json:"total_credits_spent"`
	StripeCustomerID         *string      `gorm:"column:stripe_customer_id" json:"stripe_customer_id,omitempty"`
	BillingEmail             string       `gorm:"type:text;column:billing_email" json:"billing_email"`
	LowBalanceAlertEnabled   bool         `gorm:"not null;default:true" json:"low_balance_alert_enabled"`
	LowBalanceAlertThreshold int64        `gorm:"not null;default:500000" json:"low_balance_alert_threshold"`
	LastLowBalanceAlertAt    *time.Time   `gorm:"column:last_low_balance_alert_at" json:"last_low_balance_alert_at,omitempty"`
	CreatedAt                time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt                time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (OrganizationBilling) TableName() string { return "organization_billing" }

var (
	ErrNotFound       = errors.New("organization_not_found")
	ErrInvalidName    = errors.New("organization_name_required")
	ErrBillingMissing = errors.New("organization_billing_missing")
)

type CreateOrganizationRequest struct {
	Name         string
	BillingEmail string
	CountryCode  string
	Metadata     map[string]any
}

type Service interface {
	Create(ctx context.Context, req CreateOrganizationRequest) (Organization, error)
	GetByID(ctx context.Context, id snowflake.ID) (Organization, error)
	GetBilling(ctx context.Context, orgID snowflake.ID) (OrganizationBilling, error)
	// EnsureBilling creates the billing subrecord when missing. Idempotent.
	EnsureBilling(ctx context.Context, orgID snowflake.ID) (OrganizationBilling, error)
	SetStripeCustomerID(ctx context.Context, orgID snowflake.ID, customerID string) error
	SetLowBalanceAlertPolicy(ctx context.Context, orgID snowflake.ID, enabled bool, threshold int64) error
}
