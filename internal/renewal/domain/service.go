// Package domain defines the auto-renewal engine. The sweeper hands it one
// promotion at a time; handled outcomes come back as results, not errors, so
// one skipped promotion never aborts a batch.
package domain

import "context"

type Reason string

const (
	ReasonRenewed             Reason = "renewed"
	ReasonNotFound            Reason = "promotion_not_found"
	ReasonAutoRenewDisabled   Reason = "auto_renew_disabled"
	ReasonNotActive           Reason = "promotion_not_active"
	ReasonInsufficientCredits Reason = "insufficient_credits"
)

// RenewalResult reports how one renewal attempt ended.
type RenewalResult struct {
	Renewed        bool   `json:"renewed"`
	Reason         Reason `json:"reason"`
	NewPromotionID int64  `json:"new_promotion_id,omitempty"`
}

type Service interface {
	// ProcessAutoRenewal rolls an active auto-renew promotion into a fresh
	// window funded by a new debit. Insufficient credits expire the old
	// promotion and switch auto-renew off so the next sweep skips it.
	ProcessAutoRenewal(ctx context.Context, promotionID int64) (RenewalResult, error)
}
