package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
	"github.com/orinchat/billing/internal/webhook"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandleBillingWebhook ingests one provider event. The response status
// drives the provider's retry behavior: 2xx stops redelivery, 4xx rejects a
// payload that was never trusted, 5xx asks for another attempt.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.reconciler.ProcessEvent(c.Request.Context(), payload, c.GetHeader("Signature"))
	if err != nil {
		eventType := peekEventType(payload)
		switch {
		case errors.Is(err, webhook.ErrEventIgnored):
			// Unknown event types are acknowledged so the provider's
			// retry backoff does not escalate on events that will never
			// be handled.
			s.recordWebhookOutcome(c, eventType, "ignored")
			c.JSON(http.StatusOK, gin.H{"received": true})
		case errors.Is(err, subscriptiondomain.ErrEventAlreadyProcessed):
			s.recordWebhookOutcome(c, eventType, "duplicate")
			c.JSON(http.StatusOK, gin.H{"received": true})
		case errors.Is(err, subscriptiondomain.ErrMissingCorrelation):
			// Unrecoverable: a retry cannot repair missing correlation
			// data, so acknowledge instead of failing.
			s.recordWebhookOutcome(c, eventType, "unrecoverable")
			c.JSON(http.StatusOK, gin.H{"received": true})
		case errors.Is(err, webhook.ErrInvalidSignature),
			errors.Is(err, webhook.ErrInvalidPayload),
			errors.Is(err, webhook.ErrInvalidEvent):
			s.recordWebhookOutcome(c, eventType, "rejected")
			AbortWithError(c, err)
		default:
			s.recordWebhookOutcome(c, eventType, "error")
			s.log.Error("webhook processing failed",
				zap.String("event_type", eventType),
				zap.Error(err),
			)
			AbortWithError(c, err)
		}
		return
	}

	s.recordWebhookOutcome(c, peekEventType(payload), "processed")
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) recordWebhookOutcome(c *gin.Context, eventType, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	s.obsMetrics.RecordWebhookEvent(c.Request.Context(), eventType, outcome)
}

// peekEventType extracts the event type for labels without trusting the
// payload beyond that single field.
func peekEventType(payload []byte) string {
	env, err := webhook.ParseEnvelope(payload)
	if err != nil {
		return ""
	}
	return env.Type
}
