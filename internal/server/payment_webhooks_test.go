package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	paymentdomain "github.com/baulisto/billing/internal/payment/domain"
)

type fakeStripeAdapter struct {
	verifyErr error
	parseErr  error
	event     *paymentdomain.Event
}

func (f *fakeStripeAdapter) Provider() string {
	return paymentdomain.ProviderStripe
}

func (f *fakeStripeAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	_ = ctx
	_ = payload
	_ = headers
	return f.verifyErr
}

func (f *fakeStripeAdapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	_ = ctx
	_ = payload
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.event, nil
}

type fakePaymentService struct {
	processCalls int
	processErr   error
	lastEvent    *paymentdomain.Event
}

func (f *fakePaymentService) ProcessEvent(ctx context.Context, event *paymentdomain.Event) error {
	_ = ctx
	f.processCalls++
	f.lastEvent = event
	return f.processErr
}

func newWebhookTestServer(adapter paymentdomain.Adapter, payments paymentdomain.Service) (*Server, *gin.Engine) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	srv := &Server{
		engine:        router,
		log:           zap.NewNop(),
		stripeAdapter: adapter,
		payments:      payments,
	}
	srv.registerWebhookRoutes()
	return srv, router
}

func postWebhook(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestStripeWebhookAccepted(t *testing.T) {
	event := &paymentdomain.Event{
		Provider:        paymentdomain.ProviderStripe,
		ProviderEventID: "evt_1",
		Type:            paymentdomain.EventTypeCheckoutCompleted,
	}
	payments := &fakePaymentService{}
	_, router := newWebhookTestServer(&fakeStripeAdapter{event: event}, payments)

	resp := postWebhook(router, `{"id":"evt_1"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"received":true`) {
		t.Fatalf("expected received acknowledgement, got %s", resp.Body.String())
	}
	if payments.processCalls != 1 {
		t.Fatalf("expected one ProcessEvent call, got %d", payments.processCalls)
	}
	if payments.lastEvent == nil || payments.lastEvent.ProviderEventID != "evt_1" {
		t.Fatalf("expected parsed event to reach the service, got %+v", payments.lastEvent)
	}
}

func TestStripeWebhookDuplicateDeliveryAcknowledged(t *testing.T) {
	payments := &fakePaymentService{processErr: paymentdomain.ErrEventAlreadyProcessed}
	_, router := newWebhookTestServer(&fakeStripeAdapter{event: &paymentdomain.Event{}}, payments)

	resp := postWebhook(router, `{"id":"evt_dup"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected duplicate delivery to answer 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"received":true`) {
		t.Fatalf("expected received acknowledgement, got %s", resp.Body.String())
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	payments := &fakePaymentService{}
	_, router := newWebhookTestServer(&fakeStripeAdapter{verifyErr: paymentdomain.ErrInvalidSignature}, payments)

	resp := postWebhook(router, `{"id":"evt_forged"}`)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if payments.processCalls != 0 {
		t.Fatal("expected unverified payload never to reach the service")
	}
}

func TestStripeWebhookRejectsMalformedPayload(t *testing.T) {
	payments := &fakePaymentService{}
	_, router := newWebhookTestServer(&fakeStripeAdapter{parseErr: paymentdomain.ErrInvalidPayload}, payments)

	resp := postWebhook(router, `not-json`)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if payments.processCalls != 0 {
		t.Fatal("expected unparseable payload never to reach the service")
	}
}

func TestStripeWebhookProcessingFailureTriggersRetry(t *testing.T) {
	payments := &fakePaymentService{processErr: errors.New("ledger write failed")}
	_, router := newWebhookTestServer(&fakeStripeAdapter{event: &paymentdomain.Event{}}, payments)

	resp := postWebhook(router, `{"id":"evt_2"}`)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 so the provider redelivers, got %d", resp.Code)
	}
}

func TestStripeWebhookRouteAbsentWithoutAdapter(t *testing.T) {
	_, router := newWebhookTestServer(nil, &fakePaymentService{})

	resp := postWebhook(router, `{"id":"evt_3"}`)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected no webhook route without an adapter, got %d", resp.Code)
	}
}
