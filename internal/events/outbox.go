package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrMissingEventType = errors.New("missing_event_type")

// Outbox writes integration events inside the caller's transaction.
type Outbox struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func NewOutbox(log *zap.Logger, genID *snowflake.Node) *Outbox {
	return &Outbox{
		log:   log.Named("events.outbox"),
		genID: genID,
	}
}

// PublishTx inserts the event using tx. Duplicate dedupe keys are dropped
// silently so retried transactions do not double-publish.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if evt.Type == "" {
		return ErrMissingEventType
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}

	dedupeKey := evt.DedupeKey
	if dedupeKey == "" {
		dedupeKey = evt.Type + ":" + o.genID.Generate().String()
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, org_id, event_type, dedupe_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		evt.OrgID,
		evt.Type,
		dedupeKey,
		payload,
		time.Now().UTC(),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		o.log.Debug("outbox event already recorded", zap.String("dedupe_key", dedupeKey))
	}
	return nil
}
