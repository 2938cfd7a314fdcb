package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/baulisto/billing/internal/config"
)

func TestComputeBonusTiers(t *testing.T) {
	tiers := config.DefaultBillingConfig().BonusTiers

	cases := []struct {
		name    string
		amount  int64
		bonus   int64
		percent int64
	}{
		{"below lowest tier", 999_999, 0, 0},
		{"lowest tier boundary", 1_000_000, 100_000, 10},
		{"just under middle tier", 4_999_999, 499_999, 10},
		{"middle tier boundary", 5_000_000, 1_000_000, 20},
		{"top tier boundary", 10_000_000, 2_500_000, 25},
		{"above top tier", 40_000_000, 10_000_000, 25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bonus, percent := computeBonus(tc.amount, tiers)
			assert.Equal(t, tc.bonus, bonus)
			assert.Equal(t, tc.percent, percent)
		})
	}
}

func TestComputeBonusNoTiers(t *testing.T) {
	bonus, percent := computeBonus(50_000_000, nil)
	assert.Equal(t, int64(0), bonus)
	assert.Equal(t, int64(0), percent)
}
