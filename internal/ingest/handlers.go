package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxPayloadBytes caps webhook bodies. Providers send small JSON; anything
// bigger is not a payment event.
const maxPayloadBytes = 256 * 1024

// Handlers exposes the webhook ingestion endpoint.
type Handlers struct {
	processor *Processor
	sigHeader string
	logger    *slog.Logger
}

// NewHandlers creates webhook handlers. sigHeader names the HTTP header
// carrying the provider signature (e.g. "Stripe-Signature").
func NewHandlers(processor *Processor, sigHeader string, logger *slog.Logger) *Handlers {
	return &Handlers{processor: processor, sigHeader: sigHeader, logger: logger}
}

// RegisterRoutes mounts the provider-facing webhook route. It sits outside
// caller auth: the signature is the authentication.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/payment-provider", h.receive)
}

func (h *Handlers) receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unreadable_body",
			"message": "could not read request body",
		})
		return
	}
	if len(payload) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "webhook body exceeds the size limit",
		})
		return
	}

	result, err := h.processor.Process(c.Request.Context(), payload, c.GetHeader(h.sigHeader))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
	case errors.Is(err, ErrReplayDetected):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "replay_detected",
			"message": "event timestamp is outside the accepted window",
		})
	case errors.Is(err, ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_payload",
			"message": err.Error(),
		})
	default:
		h.logger.Error("webhook processing failed", "error", err)
		// A 5xx tells the provider to retry; the idempotency record makes
		// that retry safe.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "event could not be processed, retry later",
		})
	}
}
