package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/craftvine/engine/internal/ledger"
)

// Raw webhook bodies above this size are rejected before verification.
const maxBodyBytes = 64 << 10

// Handler terminates the HostFi webhook endpoint.
type Handler struct {
	verifier  *Verifier
	processor *Processor
	logger    *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(verifier *Verifier, processor *Processor, logger *slog.Logger) *Handler {
	return &Handler{verifier: verifier, processor: processor, logger: logger}
}

// RegisterRoutes sets up the provider-facing route.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks", h.Receive)
}

// Receive handles POST /webhooks.
//
// Responses follow the provider retry contract: 200 acknowledges (including
// duplicates), 401 means bad signature, 422 means the payload can never be
// processed so the provider must stop retrying, and 500 asks for a retry.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_payload",
			"message": "Body unreadable or too large",
		})
		return
	}

	if !h.verifier.Verify(body, c.GetHeader("X-Signature")) {
		h.logger.Warn("webhook signature rejected", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	payload, err := ParsePayload(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "schema_invalid",
			"message": "Payload failed schema validation",
		})
		return
	}

	res, err := h.processor.Process(c.Request.Context(), payload)
	if err != nil {
		// Permanent errors are acknowledged with 422 so HostFi stops
		// retrying a delivery that can never succeed.
		if errors.Is(err, ErrUnknownCustomID) ||
			errors.Is(err, ledger.ErrWalletNotFound) ||
			errors.Is(err, ledger.ErrTransactionNotFound) ||
			errors.Is(err, ledger.ErrNotPending) {
			h.logger.Warn("webhook correlation rejected",
				"event", payload.ID, "type", payload.Event, "error", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "unknown_correlation",
				"message": "Event does not correlate to a known wallet, booking, or withdrawal",
			})
			return
		}

		h.logger.Error("webhook processing failed",
			"event", payload.ID, "type", payload.Event, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Temporary failure, retry the delivery",
		})
		return
	}

	if res.Duplicate {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	h.logger.Info("webhook applied",
		"event", payload.ID, "type", payload.Event, "tx", res.TransactionID)
	c.JSON(http.StatusOK, gin.H{"received": true})
}
