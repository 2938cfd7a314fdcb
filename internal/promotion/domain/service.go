package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPackageNotFound      = errors.New("package_not_found")
	ErrPackageInactive      = errors.New("package_inactive")
	ErrConstructionNotFound = errors.New("construction_not_found")
	ErrOwnershipMismatch    = errors.New("ownership_mismatch")
	ErrNotPromotable        = errors.New("not_promotable")
	ErrAlreadyPromoted      = errors.New("already_promoted")
	ErrPromotionNotFound    = errors.New("promotion_not_found")
	ErrNotActive            = errors.New("promotion_not_active")
	ErrInvalidTransition    = errors.New("invalid_transition")
)

type PurchaseRequest struct {
	ConstructionID int64  `json:"construction_id"`
	PackageID      int64  `json:"package_id"`
	OrgID          int64  `json:"organization_id"`
	UserID         string `json:"user_id"`
	AutoRenew      bool   `json:"auto_renew"`
}

type CancelRequest struct {
	PromotionID int64  `json:"promotion_id"`
	UserID      string `json:"user_id"`
	Reason      string `json:"reason"`
}

// Proration is the whole-day refund computation for an early cancellation.
type Proration struct {
	TotalDays     int64 `json:"total_days"`
	DaysUsed      int64 `json:"days_used"`
	DaysRemaining int64 `json:"days_remaining"`
	Refund        int64 `json:"refund"`
}

type CancelResult struct {
	Promotion *Promotion `json:"promotion"`
	Proration Proration  `json:"proration"`
}

type Service interface {
	// Purchase charges the package cost and activates a promotion window for
	// the construction. The debit lands before the promotion row; the
	// reconciliation job covers the crash window between the two.
	Purchase(ctx context.Context, req PurchaseRequest) (*Promotion, error)
	// Cancel ends an active promotion early, refunding unused whole days.
	Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error)
	// Expire closes out an active promotion past its end date. Used by the
	// sweeper for non-renewing promotions.
	Expire(ctx context.Context, promotionID int64) error
	Get(ctx context.Context, orgID, promotionID int64) (*Promotion, error)
	ListByOrg(ctx context.Context, orgID int64, status Status) ([]Promotion, error)
	ListPackages(ctx context.Context, activeOnly bool) ([]PromotionPackage, error)
	// ComputeProration exposes the refund math for previews.
	ComputeProration(start, end, now time.Time, creditsSpent int64) Proration
}
