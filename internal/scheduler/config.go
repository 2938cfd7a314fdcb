package scheduler

import (
	"time"

	"github.com/baulisto/billing/internal/config"
)

// Config controls scheduler cadence and batch sizes. The per-job intervals
// are fixed; RunInterval is the tick at which due jobs are checked.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	DispatchBatchSize int
	// OrphanGracePeriod is how old an unlinked debit must be before the
	// reconciliation job reports it. Covers the deduct-before-insert window
	// of in-flight purchases.
	OrphanGracePeriod time.Duration
	// EnabledJobs empty means all jobs run (monolith mode).
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		DispatchBatchSize: 100,
		OrphanGracePeriod: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = defaults.DispatchBatchSize
	}
	if c.OrphanGracePeriod <= 0 {
		c.OrphanGracePeriod = defaults.OrphanGracePeriod
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	out := Config{
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}
	if cfg.Scheduler.RunInterval > 0 {
		out.RunInterval = time.Duration(cfg.Scheduler.RunInterval) * time.Second
	}
	return out.withDefaults()
}
