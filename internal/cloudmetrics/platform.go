package cloudmetrics

import (
	"context"
	"errors"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/config"
)

// CloudMetrics owns the accounting registry: point-in-time platform totals
// refreshed from the database before every push. It is nil when no pusher is
// configured; callers must treat it as optional.
type CloudMetrics struct {
	registry *prometheus.Registry
	pusher   Pusher
	log      *zap.Logger

	organizations        prometheus.Gauge
	activePromotions     prometheus.Gauge
	creditsInCirculation prometheus.Gauge
	pendingNotifications prometheus.Gauge
	unpublishedEvents    prometheus.Gauge
	memoryBytes          prometheus.Gauge
}

func New(pusher Pusher, cfg config.Config, log *zap.Logger) *CloudMetrics {
	if pusher == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	constLabels := prometheus.Labels{
		"service":     cfg.AppName,
		"version":     cfg.AppVersion,
		"environment": cfg.Environment,
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	c := &CloudMetrics{
		registry:             prometheus.NewRegistry(),
		pusher:               pusher,
		log:                  log.Named("cloudmetrics"),
		organizations:        gauge("baulisto_platform_organizations", "Organizations registered on the platform."),
		activePromotions:     gauge("baulisto_platform_active_promotions", "Promotions currently in an active window."),
		creditsInCirculation: gauge("baulisto_platform_credits_in_circulation", "Sum of all organization credit balances."),
		pendingNotifications: gauge("baulisto_platform_pending_notifications", "Notifications waiting for the dispatch job."),
		unpublishedEvents:    gauge("baulisto_platform_unpublished_events", "Outbox events not yet published."),
		memoryBytes:          gauge("baulisto_platform_memory_bytes", "Process memory obtained from the OS."),
	}
	c.registry.MustRegister(
		c.organizations,
		c.activePromotions,
		c.creditsInCirculation,
		c.pendingNotifications,
		c.unpublishedEvents,
		c.memoryBytes,
	)
	return c
}

// Collect refreshes the gauges. Each count that fails keeps its previous
// value; the push still goes out with whatever refreshed.
func (c *CloudMetrics) Collect(ctx context.Context, db *gorm.DB) error {
	if c == nil || db == nil {
		return nil
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.memoryBytes.Set(float64(m.Sys))

	var err error
	err = errors.Join(err, c.setFromQuery(ctx, db, c.organizations,
		`SELECT COUNT(1) FROM organizations`))
	err = errors.Join(err, c.setFromQuery(ctx, db, c.activePromotions,
		`SELECT COUNT(1) FROM promotions WHERE status = 'active'`))
	err = errors.Join(err, c.setFromQuery(ctx, db, c.creditsInCirculation,
		`SELECT COALESCE(SUM(credit_balance), 0) FROM organization_billing`))
	err = errors.Join(err, c.setFromQuery(ctx, db, c.pendingNotifications,
		`SELECT COUNT(1) FROM notifications WHERE status = 'pending'`))
	err = errors.Join(err, c.setFromQuery(ctx, db, c.unpublishedEvents,
		`SELECT COUNT(1) FROM outbox_events WHERE published_at IS NULL`))
	return err
}

func (c *CloudMetrics) setFromQuery(ctx context.Context, db *gorm.DB, gauge prometheus.Gauge, query string) error {
	var value int64
	if err := db.WithContext(ctx).Raw(query).Scan(&value).Error; err != nil {
		return err
	}
	gauge.Set(float64(value))
	return nil
}

// Push ships the registry through the configured pusher.
func (c *CloudMetrics) Push(ctx context.Context) error {
	if c == nil || c.pusher == nil {
		return nil
	}
	return c.pusher.Push(ctx, c.registry)
}
