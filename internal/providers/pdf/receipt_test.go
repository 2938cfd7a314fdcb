package pdf

import (
	"bytes"
	"context"
	"testing"
	"time"

	topupdomain "github.com/baulisto/billing/internal/topup/domain"
)

func TestGenerateTopupReceipt(t *testing.T) {
	provider := &MarotoProvider{}
	data := topupdomain.ReceiptData{
		TopupID:          1234567890,
		OrganizationName: "Acme Bau Kft",
		BillingEmail:     "billing@acme.test",
		AmountPaid:       5_000_000,
		Currency:         "HUF",
		CreditsReceived:  6_000_000,
		BonusCredits:     1_000_000,
		BonusPercentage:  20,
		PaymentReference: "pi_1",
		CompletedAt:      time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	out, err := provider.GenerateTopupReceipt(context.Background(), data)
	if err != nil {
		t.Fatalf("GenerateTopupReceipt: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Fatalf("output does not look like a PDF, starts with %q", out[:min(8, len(out))])
	}

	// Without a bonus the renderer must still produce a document.
	data.BonusCredits = 0
	data.BonusPercentage = 0
	data.CreditsReceived = data.AmountPaid
	out, err = provider.GenerateTopupReceipt(context.Background(), data)
	if err != nil {
		t.Fatalf("GenerateTopupReceipt without bonus: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("empty document")
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1 000"},
		{5000000, "5 000 000"},
		{100000000, "100 000 000"},
		{-1234567, "-1 234 567"},
	}
	for _, tc := range cases {
		if got := formatAmount(tc.in); got != tc.want {
			t.Fatalf("formatAmount(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
