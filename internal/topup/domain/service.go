package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidTopupAmount   = errors.New("invalid_topup_amount")
	ErrTopupNotFound        = errors.New("topup_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrReceiptUnavailable   = errors.New("receipt_unavailable")
	ErrCheckoutNotAvailable = errors.New("checkout_not_available")
)

type CreateCheckoutRequest struct {
	OrgID      snowflake.ID `json:"organization_id"`
	UserID     string       `json:"user_id"`
	Amount     int64        `json:"amount"`
	SuccessURL string       `json:"success_url"`
	CancelURL  string       `json:"cancel_url"`
}

type CreateCheckoutResponse struct {
	CheckoutURL     string       `json:"checkout_url"`
	SessionID       string       `json:"session_id"`
	TopupID         snowflake.ID `json:"topup_id"`
	Amount          int64        `json:"amount"`
	BonusCredits    int64        `json:"bonus_credits"`
	BonusPercentage int64        `json:"bonus_percentage"`
	CreditsToAdd    int64        `json:"credits_to_add"`
}

type Service interface {
	// CreateCheckout validates the amount, computes the bonus tier, records a
	// pending top-up and returns the hosted checkout URL. The ledger is not
	// touched until the provider confirms payment.
	CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (CreateCheckoutResponse, error)

	// Complete settles a paid checkout: credits land on the ledger, the
	// ledger link is stamped and the buyer is notified. Idempotent under
	// webhook redelivery.
	Complete(ctx context.Context, topupID snowflake.ID, paymentIntentID string) error
	// MarkExpired closes a checkout session the buyer abandoned.
	MarkExpired(ctx context.Context, sessionID string) error
	// MarkFailed records a declined payment attempt. The top-up is addressed
	// by id because a pending row has no payment intent stored yet; the
	// intent id is stamped here.
	MarkFailed(ctx context.Context, topupID snowflake.ID, paymentIntentID, reason string) error
	// MarkRefunded records a provider-side refund. Credits are not clawed
	// back automatically; operations handles the ledger follow-up.
	MarkRefunded(ctx context.Context, paymentIntentID string) (*Topup, error)

	Get(ctx context.Context, orgID, topupID snowflake.ID) (*Topup, error)
	ListByOrg(ctx context.Context, orgID snowflake.ID, limit int) ([]Topup, error)

	// RenderReceipt renders the PDF receipt for a completed top-up.
	RenderReceipt(ctx context.Context, orgID, topupID snowflake.ID) ([]byte, error)
}
