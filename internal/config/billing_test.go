package config

import (
	"testing"
)

func validConfig() BillingConfig {
	return DefaultBillingConfig()
}

func TestDefaultBillingConfigIsValid(t *testing.T) {
	if err := validateBillingConfig(DefaultBillingConfig()); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestValidateBillingConfigRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*BillingConfig)
	}{
		{"zero min topup", func(c *BillingConfig) { c.MinTopupAmount = 0 }},
		{"max below min", func(c *BillingConfig) { c.MaxTopupAmount = c.MinTopupAmount }},
		{"tier with zero floor", func(c *BillingConfig) { c.BonusTiers[2].MinAmount = 0 }},
		{"tier over 100 percent", func(c *BillingConfig) { c.BonusTiers[0].Percentage = 101 }},
		{"negative tier percent", func(c *BillingConfig) { c.BonusTiers[1].Percentage = -1 }},
		{"tiers not descending", func(c *BillingConfig) {
			c.BonusTiers[1].MinAmount = c.BonusTiers[0].MinAmount
		}},
		{"low balance inverted", func(c *BillingConfig) {
			c.LowBalance.CriticalBelow = c.LowBalance.LowBelow + 1
		}},
		{"negative critical threshold", func(c *BillingConfig) { c.LowBalance.CriticalBelow = -1 }},
		{"zero expiration alert days", func(c *BillingConfig) { c.ExpirationAlertDays = 0 }},
		{"zero renewal lookahead", func(c *BillingConfig) { c.RenewalLookaheadMinutes = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := validateBillingConfig(cfg); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestStaticHolderPinsConfig(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.OpsEmail = "ops@example.test"
	holder := NewStaticBillingConfigHolder(cfg)

	got := holder.Get()
	if got.OpsEmail != "ops@example.test" {
		t.Fatalf("ops email = %q", got.OpsEmail)
	}
	if got.MinTopupAmount != cfg.MinTopupAmount {
		t.Fatalf("min topup = %d, want %d", got.MinTopupAmount, cfg.MinTopupAmount)
	}
}
