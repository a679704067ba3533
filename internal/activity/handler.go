package activity

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/response"
)

type lister interface {
	List(ctx context.Context, f Filter) ([]models.ActivityLog, int64, error)
}

// Handler serves the admin activity log.
type Handler struct {
	repo   lister
	logger *zap.Logger
}

// NewHandler creates an activity handler.
func NewHandler(repo lister, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /admin/activity?page&limit&action&entity_type&entity_id.
func (h *Handler) List(c *gin.Context) {
	page, limit := response.PageParams(c)
	f := Filter{
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      limit,
		Offset:     response.Offset(page, limit),
	}
	list, total, err := h.repo.List(c.Request.Context(), f)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.List(c, list, response.NewPage(page, limit, total))
}
