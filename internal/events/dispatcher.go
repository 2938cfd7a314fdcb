package events

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
)

// Dispatcher drains unpublished outbox rows to the broker. When no broker is
// configured the rows stay pending and the dispatch job is a no-op.
type Dispatcher struct {
	db   *gorm.DB
	log  *zap.Logger
	conn *nats.Conn
}

func NewDispatcher(db *gorm.DB, log *zap.Logger, conn *nats.Conn) *Dispatcher {
	return &Dispatcher{
		db:   db,
		log:  log.Named("events.dispatcher"),
		conn: conn,
	}
}

func (d *Dispatcher) Enabled() bool {
	return d.conn != nil
}

// DispatchPending publishes up to limit unpublished events, oldest first. The
// batch is claimed with SKIP LOCKED so concurrent dispatchers partition the
// backlog instead of double-publishing. Each published event is stamped inside
// the claim transaction; a publish failure stops the batch but keeps the
// stamps of what already went out, so ordering per key holds on retry.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	if d.conn == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 100
	}

	published := 0
	var publishErr error
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := d.claimPending(ctx, tx, limit)
		if err != nil {
			return err
		}

		for _, evt := range pending {
			if err := d.conn.Publish(evt.EventType, evt.Payload); err != nil {
				d.log.Warn("failed to publish outbox event",
					zap.Int64("event_id", int64(evt.ID)),
					zap.String("event_type", evt.EventType),
					zap.Error(err))
				publishErr = err
				break
			}
			if err := tx.WithContext(ctx).Exec(
				`UPDATE outbox_events SET published_at = ? WHERE id = ? AND published_at IS NULL`,
				time.Now().UTC(),
				evt.ID,
			).Error; err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return published, err
	}
	return published, publishErr
}

func (d *Dispatcher) claimPending(ctx context.Context, tx *gorm.DB, limit int) ([]OutboxEvent, error) {
	query := `SELECT id, org_id, event_type, dedupe_key, payload, published_at, created_at
	 FROM outbox_events
	 WHERE published_at IS NULL
	 ORDER BY id ASC
	 LIMIT ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var pending []OutboxEvent
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(query, limit).Scan(&pending).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceOutboxEvents, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return pending, nil
}
