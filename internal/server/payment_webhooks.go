package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	paymentdomain "github.com/baulisto/billing/internal/payment/domain"
)

// maxWebhookBodyBytes caps the webhook payload read. Stripe events are a few
// KB; anything larger is hostile.
const maxWebhookBodyBytes = 1 << 20

// HandleStripeWebhook verifies the signed payload, parses it and hands the
// event to the payment service. Duplicate deliveries acknowledge with 200 so
// the provider stops retrying; processing failures return 5xx so it retries.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	if err := s.stripeAdapter.Verify(ctx, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.stripeAdapter.Parse(ctx, payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.payments.ProcessEvent(ctx, event); err != nil {
		if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
