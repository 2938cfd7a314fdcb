// Package seed bootstraps a demo organization with an open billing account
// for local development. Production startup never calls it.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	orgdomain "github.com/baulisto/billing/internal/organization/domain"
)

const (
	demoOrgName  = "Demo Bauträger GmbH"
	demoOrgSlug  = "demo-bautraeger"
	demoOrgEmail = "billing@demo.localhost"
)

// EnsureDemoOrg creates the demo organization and its billing account when
// they do not exist yet. The account opens with a zero balance; credits come
// in through a top-up like everywhere else, so the ledger invariant holds
// from the first row.
func EnsureDemoOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var org orgdomain.Organization
		err := tx.Where("slug = ?", demoOrgSlug).First(&org).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		org = orgdomain.Organization{
			ID:           node.Generate(),
			Name:         demoOrgName,
			Slug:         demoOrgSlug,
			BillingEmail: demoOrgEmail,
			CountryCode:  "DE",
			Metadata:     datatypes.JSONMap{"seeded": true},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(&org).Error; err != nil {
			return err
		}

		billing := orgdomain.OrganizationBilling{
			OrgID:                    org.ID,
			BillingEmail:             demoOrgEmail,
			LowBalanceAlertEnabled:   true,
			LowBalanceAlertThreshold: 500000,
			CreatedAt:                now,
			UpdatedAt:                now,
		}
		return tx.Create(&billing).Error
	})
}
