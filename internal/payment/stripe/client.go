package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const defaultBaseURL = "https://api.stripe.com"

var (
	errMissingAPIKey   = errors.New("stripe_api_key_missing")
	errInvalidResponse = errors.New("stripe_response_invalid")
)

// API is the slice of the Stripe REST surface the top-up checkout flow uses.
type API interface {
	EnsureCustomer(ctx context.Context, req EnsureCustomerRequest) (Customer, error)
	CreateCheckoutSession(ctx context.Context, req CreateCheckoutSessionRequest) (CheckoutSession, error)
}

type ClientConfig struct {
	APIKey string
	// BaseURL overrides the Stripe API host, used by tests and by the
	// stripe-mock container in CI.
	BaseURL string
}

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 12 * time.Second},
	}
}

var _ API = (*Client)(nil)

type EnsureCustomerRequest struct {
	OrgID snowflake.ID
	Name  string
	Email string
}

type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// EnsureCustomer creates the Stripe customer for an organization. The
// idempotency key is derived from the org id, so concurrent first top-ups
// collapse to a single customer on the Stripe side.
func (c *Client) EnsureCustomer(ctx context.Context, req EnsureCustomerRequest) (Customer, error) {
	if req.OrgID == 0 {
		return Customer{}, errors.New("organization id is required")
	}

	values := url.Values{}
	if name := strings.TrimSpace(req.Name); name != "" {
		values.Set("name", name)
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		values.Set("email", email)
	}
	values.Set("metadata[organization_id]", req.OrgID.String())

	var customer Customer
	if err := c.doRequest(ctx, http.MethodPost, "/v1/customers", values, "customer:"+req.OrgID.String(), &customer); err != nil {
		return Customer{}, err
	}
	if customer.ID == "" {
		return Customer{}, errInvalidResponse
	}
	return customer, nil
}

type CreateCheckoutSessionRequest struct {
	CustomerID     string
	Amount         int64
	Currency       string
	ProductName    string
	SuccessURL     string
	CancelURL      string
	ExpiresAt      time.Time
	Metadata       map[string]string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentIntent string `json:"payment_intent"`
	ExpiresAt     int64  `json:"expires_at"`
}

// CreateCheckoutSession creates a hosted checkout page. Metadata is attached
// to both the session and its payment intent so every later webhook carries
// the top-up correlation ids.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CreateCheckoutSessionRequest) (CheckoutSession, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return CheckoutSession{}, errors.New("customer id is required")
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, errors.New("amount must be positive")
	}

	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("customer", req.CustomerID)
	values.Set("success_url", req.SuccessURL)
	values.Set("cancel_url", req.CancelURL)
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(strings.TrimSpace(req.Currency)))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	values.Set("line_items[0][price_data][product_data][name]", req.ProductName)
	if !req.ExpiresAt.IsZero() {
		values.Set("expires_at", strconv.FormatInt(req.ExpiresAt.Unix(), 10))
	}
	for key, value := range req.Metadata {
		values.Set("metadata["+key+"]", value)
		values.Set("payment_intent_data[metadata]["+key+"]", value)
	}

	var session CheckoutSession
	if err := c.doRequest(ctx, http.MethodPost, "/v1/checkout/sessions", values, req.IdempotencyKey, &session); err != nil {
		return CheckoutSession{}, err
	}
	if session.ID == "" {
		return CheckoutSession{}, errInvalidResponse
	}
	return session, nil
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doRequest(
	ctx context.Context,
	method string,
	path string,
	values url.Values,
	idempotencyKey string,
	out any,
) error {
	if c.apiKey == "" {
		return errMissingAPIKey
	}

	var bodyReader *strings.Reader
	if values != nil {
		bodyReader = strings.NewReader(values.Encode())
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return errors.New("stripe_request_failed")
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			message = "stripe_request_failed"
		}
		return errors.New(message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
