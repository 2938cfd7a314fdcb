// Package pdf renders billing documents. Top-up receipts are the only
// document this service produces today.
package pdf

import (
	"context"

	topupdomain "github.com/baulisto/billing/internal/topup/domain"
)

type Provider interface {
	GenerateTopupReceipt(ctx context.Context, data topupdomain.ReceiptData) ([]byte, error)
}

func NewProvider() Provider {
	return &MarotoProvider{}
}

// NoOpProvider disables receipt rendering. The HTTP layer reports receipts
// as unavailable while this is wired.
type NoOpProvider struct{}

func (p *NoOpProvider) GenerateTopupReceipt(ctx context.Context, data topupdomain.ReceiptData) ([]byte, error) {
	return nil, topupdomain.ErrReceiptUnavailable
}
