// Package domain defines webhook ingestion for payment providers. Events
// arrive signed, get verified and parsed into a provider-neutral Event, and
// are processed exactly once per (provider, provider_event_id).
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const ProviderStripe = "stripe"

const (
	EventTypeCheckoutCompleted = "checkout_completed"
	EventTypeCheckoutExpired   = "checkout_expired"
	EventTypePaymentFailed     = "payment_failed"
	EventTypeRefunded          = "refunded"

	// EventTypeIgnored marks provider events this service does not act on.
	// They acknowledge with 200 so the provider stops redelivering.
	EventTypeIgnored = "ignored"
)

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// Event is the canonical webhook event parsed by provider adapters. OrgID and
// TopupID come from the checkout session metadata this service wrote when the
// session was created; they are zero on events that do not carry metadata.
type Event struct {
	Provider          string
	ProviderEventID   string
	Type              string
	CheckoutSessionID string
	PaymentIntentID   string
	OrgID             snowflake.ID
	TopupID           snowflake.ID
	Amount            int64
	Currency          string
	FailureReason     string
	OccurredAt        time.Time
	RawPayload        []byte
}

// EventRecord is the durable dedupe ledger for received webhooks, unique on
// (provider, provider_event_id). It backs up the Redis processed-marker.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

// Adapter verifies and parses one provider's webhooks.
type Adapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

type Repository interface {
	// InsertEvent stores the event record unless one already exists for the
	// same (provider, provider_event_id). Reports whether the row was inserted.
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

type Service interface {
	// ProcessEvent applies a verified, parsed event exactly once. Duplicate
	// deliveries return ErrEventAlreadyProcessed.
	ProcessEvent(ctx context.Context, event *Event) error
}
