package milestone

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/craftvine/engine/internal/money"
	"github.com/craftvine/engine/internal/syncutil"
	"github.com/craftvine/engine/internal/validation"
)

// Handler provides HTTP endpoints for milestones.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a milestone handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up milestone routes. Creation and listing hang
// off the booking; actions address the milestone directly.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/milestones", h.Create)
	r.GET("/bookings/:id/milestones", h.ListByBooking)
	r.POST("/milestones/:id/submit", h.Submit)
	r.POST("/milestones/:id/approve", h.Approve)
	r.POST("/milestones/:id/reject", h.Reject)
	r.POST("/milestones/:id/pay", h.Pay)
}

// Create handles POST /bookings/:id/milestones
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if verrs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.Required("amount", req.Amount),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"fields":  verrs,
		})
		return
	}

	m, err := h.service.Create(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err, "Failed to create milestone")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"milestone": m})
}

// ListByBooking handles GET /bookings/:id/milestones
func (h *Handler) ListByBooking(c *gin.Context) {
	milestones, err := h.service.ListByBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "milestone_error",
			"message": "Failed to list milestones",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"milestones": milestones,
		"count":      len(milestones),
	})
}

// SubmitRequest carries deliverable URLs for submitted work.
type SubmitRequest struct {
	Deliverables []string `json:"deliverables"`
}

// Submit handles POST /milestones/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	// Empty bodies are fine; deliverables are optional.
	var req SubmitRequest
	_ = c.ShouldBindJSON(&req)

	m, err := h.service.Submit(c.Request.Context(), c.Param("id"), req.Deliverables)
	if err != nil {
		h.writeError(c, err, "Failed to submit milestone")
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// FeedbackRequest carries reviewer feedback for approve and reject.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// Approve handles POST /milestones/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req FeedbackRequest
	_ = c.ShouldBindJSON(&req)

	m, err := h.service.Approve(c.Request.Context(), c.Param("id"), req.Feedback)
	if err != nil {
		h.writeError(c, err, "Failed to approve milestone")
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// Reject handles POST /milestones/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req FeedbackRequest
	_ = c.ShouldBindJSON(&req)

	m, err := h.service.Reject(c.Request.Context(), c.Param("id"), req.Feedback)
	if err != nil {
		h.writeError(c, err, "Failed to reject milestone")
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// Pay handles POST /milestones/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	m, err := h.service.Pay(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "Failed to pay milestone")
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "milestone_not_found",
			"message": "Milestone or booking not found",
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Milestone status does not allow this operation",
		})
	case errors.Is(err, ErrExceedsEscrow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "exceeds_escrow",
			"message": "Milestone amounts would exceed the booking's escrowed total",
		})
	case errors.Is(err, ErrBookingUnpaid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "booking_unpaid",
			"message": "Booking escrow deposit has not been reconciled",
		})
	case errors.Is(err, money.ErrPrecision), errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive value within currency precision",
		})
	case errors.Is(err, syncutil.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "busy",
			"message": "Booking is busy, retry shortly",
		})
	default:
		h.logger.Error("milestone operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "milestone_error",
			"message": fallback,
		})
	}
}
