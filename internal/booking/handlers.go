package booking

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/craftvine/engine/internal/money"
	"github.com/craftvine/engine/internal/syncutil"
	"github.com/craftvine/engine/internal/validation"
)

// Handler provides HTTP endpoints for the booking lifecycle.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a booking handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.Create)
	r.GET("/bookings", h.List)
	r.GET("/bookings/:id", h.Get)
	r.POST("/bookings/:id/accept", h.action(ActionAccept))
	r.POST("/bookings/:id/complete", h.action(ActionComplete))
	r.POST("/bookings/:id/release-funds", h.action(ActionRelease))
	r.POST("/bookings/:id/cancel", h.action(ActionCancel))
}

// Create handles POST /bookings
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
		validation.Required("clientWalletId", req.ClientWalletID),
		validation.Required("creatorWalletId", req.CreatorWalletID),
		validation.Required("amount", req.Amount),
		validation.MaxLength("title", req.Title, 200),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"fields":  verrs,
		})
		return
	}

	b, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Client or creator wallet not found",
			})
		case errors.Is(err, ErrSameWallet),
			errors.Is(err, money.ErrCurrencyMixed),
			errors.Is(err, money.ErrInvalidAmount),
			errors.Is(err, money.ErrPrecision):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_booking",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "booking_error",
				"message": "Failed to create booking",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// Get handles GET /bookings/:id
func (h *Handler) Get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "booking_not_found",
				"message": "Booking not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "booking_error",
			"message": "Failed to retrieve booking",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// List handles GET /bookings?walletId=...
func (h *Handler) List(c *gin.Context) {
	walletID := c.Query("walletId")
	if walletID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_wallet",
			"message": "walletId query parameter is required",
		})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	bookings, err := h.service.ListByWallet(c.Request.Context(), walletID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "booking_error",
			"message": "Failed to list bookings",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings": bookings,
		"count":    len(bookings),
	})
}

// action builds a handler for one lifecycle action endpoint.
func (h *Handler) action(a Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		var (
			b   *Booking
			err error
		)
		switch a {
		case ActionAccept:
			b, err = h.service.Accept(c.Request.Context(), id)
		case ActionComplete:
			b, err = h.service.Complete(c.Request.Context(), id)
		case ActionRelease:
			b, err = h.service.Release(c.Request.Context(), id)
		case ActionCancel:
			b, err = h.service.Cancel(c.Request.Context(), id)
		}

		if err != nil {
			switch {
			case errors.Is(err, ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "booking_not_found",
					"message": "Booking not found",
				})
			case errors.Is(err, ErrAlreadyReleased):
				c.JSON(http.StatusConflict, gin.H{
					"error":   "already_released",
					"message": "Booking funds have already been released",
				})
			case errors.Is(err, ErrInvalidTransition):
				c.JSON(http.StatusConflict, gin.H{
					"error":   "invalid_transition",
					"message": "Action not allowed in the booking's current state",
				})
			case errors.Is(err, syncutil.ErrLockTimeout):
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error":   "busy",
					"message": "Booking is busy, retry shortly",
				})
			default:
				h.logger.Error("booking action failed", "booking", id, "action", a, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "booking_error",
					"message": "Failed to apply booking action",
				})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"booking": b})
	}
}
