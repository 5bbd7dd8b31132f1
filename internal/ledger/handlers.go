package ledger

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

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	reconciler      *Reconciler
	defaultCurrency string
	logger          *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(reconciler *Reconciler, defaultCurrency string, logger *slog.Logger) *Handler {
	return &Handler{reconciler: reconciler, defaultCurrency: defaultCurrency, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/:id", h.GetWallet)
	r.GET("/wallets/:id/transactions", h.GetTransactions)
	r.POST("/wallets/:id/withdraw", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/custodial-address", h.SetCustodialAddress)
}

// CreateWalletRequest creates a wallet for a marketplace user.
type CreateWalletRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Currency string `json:"currency"`
}

// CreateWallet handles POST /wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = h.defaultCurrency
	}
	if verrs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.MaxLength("userId", req.UserID, 64),
		validation.ValidCurrency("currency", currency),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"fields":  verrs,
		})
		return
	}

	w, err := h.reconciler.CreateWallet(c.Request.Context(), req.UserID, currency)
	if err != nil {
		if errors.Is(err, ErrWalletExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "wallet_exists",
				"message": "User already has a wallet",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to create wallet",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetWallet handles GET /wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.reconciler.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetTransactions handles GET /wallets/:id/transactions
func (h *Handler) GetTransactions(c *gin.Context) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.reconciler.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// WithdrawRequest asks for a payout of available balance.
type WithdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// RequestWithdrawal handles POST /wallets/:id/withdraw
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, err := h.reconciler.RequestWithdrawal(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Wallet not found",
			})
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_balance",
				"message": "Insufficient balance for withdrawal",
			})
		case errors.Is(err, money.ErrPrecision), errors.Is(err, money.ErrInvalidAmount), errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive value within currency precision",
			})
		case errors.Is(err, syncutil.ErrLockTimeout):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "busy",
				"message": "Wallet is busy, retry shortly",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "withdrawal_error",
				"message": "Failed to request withdrawal",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":      "pending",
		"message":     "Withdrawal request received",
		"transaction": tx,
	})
}

// SetAddressRequest assigns the provider custodial address.
type SetAddressRequest struct {
	Address string `json:"address" binding:"required"`
}

// SetCustodialAddress handles POST /admin/wallets/:id/custodial-address
func (h *Handler) SetCustodialAddress(c *gin.Context) {
	var req SetAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.reconciler.SetCustodialAddress(c.Request.Context(), c.Param("id"), req.Address)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to set custodial address",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "provisioned",
		"message": "Custodial address assigned",
	})
}
