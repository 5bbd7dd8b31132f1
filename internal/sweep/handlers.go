package sweep

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// Handler exposes sweep findings to operators.
type Handler struct {
	sweeper *Sweeper
}

// NewHandler creates a sweep handler.
func NewHandler(sweeper *Sweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

// RegisterAdminRoutes sets up operator-only sweep routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orphaned-holds", h.ListOrphans)
}

// ListOrphans handles GET /admin/orphaned-holds
func (h *Handler) ListOrphans(c *gin.Context) {
	orphans := h.sweeper.Orphans()
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].FlaggedAt.After(orphans[j].FlaggedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"orphanedHolds": orphans,
		"count":         len(orphans),
	})
}
