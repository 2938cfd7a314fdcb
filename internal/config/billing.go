package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BonusTier grants a percentage of extra credits when a top-up amount
// meets or exceeds MinAmount. Tiers are evaluated highest first.
type BonusTier struct {
	MinAmount  int64 `mapstructure:"minAmount"`
	Percentage int64 `mapstructure:"percentage"`
}

// LowBalanceThresholds maps a balance to an alert severity. Balances below
// CriticalBelow are critical, below LowBelow are low, anything else under the
// organization's own threshold is moderate.
type LowBalanceThresholds struct {
	CriticalBelow int64 `mapstructure:"criticalBelow"`
	LowBelow      int64 `mapstructure:"lowBelow"`
}

// BillingConfig is the hot-reloadable billing policy: top-up bounds, bonus
// tiers, alert severity thresholds and sweep windows.
type BillingConfig struct {
	MinTopupAmount          int64                `mapstructure:"minTopupAmount"`
	MaxTopupAmount          int64                `mapstructure:"maxTopupAmount"`
	BonusTiers              []BonusTier          `mapstructure:"bonusTiers"`
	LowBalance              LowBalanceThresholds `mapstructure:"lowBalance"`
	ExpirationAlertDays     int                  `mapstructure:"expirationAlertDays"`
	RenewalLookaheadMinutes int                  `mapstructure:"renewalLookaheadMinutes"`
	// OpsEmail receives operational notices (refunds, ledger drift). Empty
	// disables them.
	OpsEmail string `mapstructure:"opsEmail"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		MinTopupAmount: 100_000,
		MaxTopupAmount: 100_000_000,
		BonusTiers: []BonusTier{
			{MinAmount: 10_000_000, Percentage: 25},
			{MinAmount: 5_000_000, Percentage: 20},
			{MinAmount: 1_000_000, Percentage: 10},
		},
		LowBalance: LowBalanceThresholds{
			CriticalBelow: 100_000,
			LowBelow:      500_000,
		},
		ExpirationAlertDays:     3,
		RenewalLookaheadMinutes: 60,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/baulisto/config") // Volume-mounted config
	v.AddConfigPath("/etc/baulisto")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("BAULISTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.minTopupAmount", defaults.MinTopupAmount)
		v.SetDefault("billing.maxTopupAmount", defaults.MaxTopupAmount)
		v.SetDefault("billing.bonusTiers", defaults.BonusTiers)
		v.SetDefault("billing.lowBalance", defaults.LowBalance)
		v.SetDefault("billing.expirationAlertDays", defaults.ExpirationAlertDays)
		v.SetDefault("billing.renewalLookaheadMinutes", defaults.RenewalLookaheadMinutes)
		v.SetDefault("billing.opsEmail", defaults.OpsEmail)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder returns a holder pinned to cfg, without file
// watching. Used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.MinTopupAmount <= 0 {
		return errors.New("billing.minTopupAmount must be positive")
	}
	if cfg.MaxTopupAmount <= cfg.MinTopupAmount {
		return errors.New("billing.maxTopupAmount must exceed minTopupAmount")
	}
	for i, tier := range cfg.BonusTiers {
		if tier.MinAmount <= 0 {
			return fmt.Errorf("billing.bonusTiers[%d].minAmount must be positive", i)
		}
		if tier.Percentage < 0 || tier.Percentage > 100 {
			return fmt.Errorf("billing.bonusTiers[%d].percentage out of range", i)
		}
		if i > 0 && tier.MinAmount >= cfg.BonusTiers[i-1].MinAmount {
			return errors.New("billing.bonusTiers must be sorted by minAmount descending")
		}
	}
	if cfg.LowBalance.CriticalBelow < 0 || cfg.LowBalance.LowBelow < cfg.LowBalance.CriticalBelow {
		return errors.New("billing.lowBalance thresholds must satisfy criticalBelow <= lowBelow")
	}
	if cfg.ExpirationAlertDays <= 0 {
		return errors.New("billing.expirationAlertDays must be positive")
	}
	if cfg.RenewalLookaheadMinutes <= 0 {
		return errors.New("billing.renewalLookaheadMinutes must be positive")
	}
	return nil
}
