package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recon/internal/processor"
	subscriptiondomain "github.com/smallbiznis/recon/internal/subscription/domain"
	"go.uber.org/zap"
)

const maxWebhookBytes = 1 << 20

// HandleStripeWebhook verifies a processor webhook and feeds payment outcomes
// into dunning. Non-2xx answers make the processor redeliver.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	if s.webhooks == nil {
		AbortWithError(c, processor.ErrNotConfigured)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.webhooks.Verify(payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.webhooks.Parse(payload)
	if err != nil {
		if errors.Is(err, processor.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	log := s.log.With(
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("subscription_ref", event.SubscriptionRef),
	)
	err = s.dunning.HandlePaymentEvent(ctx, *event)
	switch {
	case err == nil:
		log.Info("payment event applied")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, processor.ErrEventIgnored),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		log.Warn("payment event ignored", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		s.tracker.Capture(ctx, err, map[string]string{
			"component":  "webhook",
			"event_type": string(event.Type),
		})
		AbortWithError(c, err)
	}
}
