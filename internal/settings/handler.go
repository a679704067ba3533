package settings

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/response"
)

// Store is the persistence behind the settings endpoints.
type Store interface {
	Get(ctx context.Context) (*models.SiteSettings, error)
	UpdateSiteName(ctx context.Context, name string) (*models.SiteSettings, error)
}

// Handler serves site settings.
type Handler struct {
	store    Store
	activity activity.Recorder
	logger   *zap.Logger
}

// NewHandler creates a settings handler.
func NewHandler(store Store, rec activity.Recorder, logger *zap.Logger) *Handler {
	return &Handler{store: store, activity: rec, logger: logger}
}

// Get handles GET /settings (public: the UI needs the site name before login).
func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context())
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, s)
}

// UpdateRequest is the body for PATCH /admin/settings.
type UpdateRequest struct {
	SiteName string `json:"site_name" binding:"required,min=1,max=100"`
}

// Update handles PATCH /admin/settings.
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	s, err := h.store.UpdateSiteName(c.Request.Context(), req.SiteName)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.activity.Record(c.Request.Context(), activity.FromRequest(c, activity.ActionSettingsUpdated, "settings", "site",
		map[string]any{"site_name": req.SiteName}))
	response.OK(c, s)
}
