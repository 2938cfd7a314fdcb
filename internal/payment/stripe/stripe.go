// Package stripe implements the Stripe webhook adapter and the outbound API
// client used by the top-up checkout flow.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/baulisto/billing/internal/payment/domain"
)

// DefaultTolerance bounds the age of a webhook signature timestamp. Stale
// signatures are rejected to blunt replay of captured deliveries.
const DefaultTolerance = 5 * time.Minute

// metadataTypeTopup tags checkout sessions created by this service. Sessions
// without it belong to other products sharing the Stripe account and are
// ignored.
const metadataTypeTopup = "credit_topup"

const (
	metadataKeyType    = "type"
	metadataKeyOrgID   = "organization_id"
	metadataKeyTopupID = "topup_history_id"
)

type Config struct {
	WebhookSecret string
	Tolerance     time.Duration
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func NewAdapter(cfg Config) (*Adapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("stripe adapter: webhook secret is required")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
		now:           time.Now,
	}, nil
}

var _ domain.Adapter = (*Adapter)(nil)

func (a *Adapter) Provider() string {
	return domain.ProviderStripe
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	issuedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	skew := a.now().UTC().Sub(time.Unix(issuedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.tolerance {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return parseCheckoutSession(event, payload, domain.EventTypeCheckoutCompleted)
	case "checkout.session.expired":
		return parseCheckoutSession(event, payload, domain.EventTypeCheckoutExpired)
	case "payment_intent.payment_failed":
		return parsePaymentIntentFailed(event, payload)
	case "charge.refunded":
		return parseChargeRefunded(event, payload)
	default:
		return ignoredEvent(event, payload), nil
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string         `json:"id"`
	PaymentIntent string         `json:"payment_intent"`
	AmountTotal   int64          `json:"amount_total"`
	Currency      string         `json:"currency"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

type stripePaymentIntent struct {
	ID               string         `json:"id"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	Created          int64          `json:"created"`
	Metadata         map[string]any `json:"metadata"`
	LastPaymentError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

func parseCheckoutSession(event stripeEvent, payload []byte, eventType string) (*domain.Event, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	if readMetadataValue(session.Metadata, metadataKeyType) != metadataTypeTopup {
		return ignoredEvent(event, payload), nil
	}

	orgID, topupID, err := parseMetadataIDs(session.Metadata)
	if err != nil {
		return nil, err
	}

	return &domain.Event{
		Provider:          domain.ProviderStripe,
		ProviderEventID:   event.ID,
		Type:              eventType,
		CheckoutSessionID: session.ID,
		PaymentIntentID:   strings.TrimSpace(session.PaymentIntent),
		OrgID:             orgID,
		TopupID:           topupID,
		Amount:            session.AmountTotal,
		Currency:          strings.ToUpper(strings.TrimSpace(session.Currency)),
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func parsePaymentIntentFailed(event stripeEvent, payload []byte) (*domain.Event, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	if readMetadataValue(intent.Metadata, metadataKeyType) != metadataTypeTopup {
		return ignoredEvent(event, payload), nil
	}

	orgID, topupID, err := parseMetadataIDs(intent.Metadata)
	if err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(intent.LastPaymentError.Message)
	if reason == "" {
		reason = strings.TrimSpace(intent.LastPaymentError.Code)
	}
	if reason == "" {
		reason = "payment_failed"
	}

	return &domain.Event{
		Provider:        domain.ProviderStripe,
		ProviderEventID: event.ID,
		Type:            domain.EventTypePaymentFailed,
		PaymentIntentID: intent.ID,
		OrgID:           orgID,
		TopupID:         topupID,
		Amount:          intent.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(intent.Currency)),
		FailureReason:   reason,
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

// parseChargeRefunded correlates by payment intent alone. Refunds issued from
// the Stripe dashboard carry no session metadata, so the processor resolves
// the top-up from stripe_payment_intent_id and skips intents it never saw.
func parseChargeRefunded(event stripeEvent, payload []byte) (*domain.Event, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	paymentIntentID := strings.TrimSpace(charge.PaymentIntent)
	if paymentIntentID == "" {
		return ignoredEvent(event, payload), nil
	}

	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}

	return &domain.Event{
		Provider:        domain.ProviderStripe,
		ProviderEventID: event.ID,
		Type:            domain.EventTypeRefunded,
		PaymentIntentID: paymentIntentID,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:      timestamp(charge.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func ignoredEvent(event stripeEvent, payload []byte) *domain.Event {
	return &domain.Event{
		Provider:        domain.ProviderStripe,
		ProviderEventID: event.ID,
		Type:            domain.EventTypeIgnored,
		OccurredAt:      timestamp(0, event.Created),
		RawPayload:      payload,
	}
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func parseMetadataIDs(metadata map[string]any) (snowflake.ID, snowflake.ID, error) {
	orgRaw := readMetadataValue(metadata, metadataKeyOrgID)
	if orgRaw == "" {
		return 0, 0, domain.ErrInvalidEvent
	}
	orgID, err := snowflake.ParseString(orgRaw)
	if err != nil {
		return 0, 0, domain.ErrInvalidEvent
	}

	topupRaw := readMetadataValue(metadata, metadataKeyTopupID)
	if topupRaw == "" {
		return 0, 0, domain.ErrInvalidEvent
	}
	topupID, err := snowflake.ParseString(topupRaw)
	if err != nil {
		return 0, 0, domain.ErrInvalidEvent
	}

	return orgID, topupID, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
