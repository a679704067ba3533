package users

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/response"
)

// Store is the persistence the admin user endpoints need.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	List(ctx context.Context, f Filter) ([]models.UserPublic, int64, error)
	CountByRole(ctx context.Context, role models.Role) (int64, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) (*models.User, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Handler serves /admin/users.
type Handler struct {
	store    Store
	activity activity.Recorder
	logger   *zap.Logger
}

// NewHandler creates a users handler.
func NewHandler(store Store, rec activity.Recorder, logger *zap.Logger) *Handler {
	return &Handler{store: store, activity: rec, logger: logger}
}

// List handles GET /admin/users?page&limit&search&role.
func (h *Handler) List(c *gin.Context) {
	page, limit := response.PageParams(c)
	role := models.Role(c.Query("role"))
	if role != "" && !role.Valid() {
		response.BadRequest(c, "invalid role")
		return
	}
	list, total, err := h.store.List(c.Request.Context(), Filter{
		Search: c.Query("search"),
		Role:   role,
		Limit:  limit,
		Offset: response.Offset(page, limit),
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.List(c, list, response.NewPage(page, limit, total))
}

// RoleRequest is the body for PATCH /admin/users/:id/role.
type RoleRequest struct {
	Role models.Role `json:"role" binding:"required,oneof=ADMIN ORGANIZER REVIEWER SPEAKER USER"`
}

// UpdateRole handles PATCH /admin/users/:id/role.
func (h *Handler) UpdateRole(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	ctx := c.Request.Context()
	target, err := h.store.GetByID(ctx, id)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if target.Role == models.RoleAdmin && req.Role != models.RoleAdmin {
		if err := h.ensureAnotherAdmin(ctx, "cannot demote the last admin"); err != nil {
			response.Error(c, h.logger, err)
			return
		}
	}
	updated, err := h.store.UpdateRole(ctx, id, req.Role)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.activity.Record(ctx, activity.FromRequest(c, activity.ActionUserRoleChanged, "user", id.String(),
		map[string]any{"from": target.Role, "to": req.Role}))
	response.OK(c, updated.ToPublic())
}

// Delete handles DELETE /admin/users/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	if me, ok := middleware.CurrentUser(c); ok && me.UserID == id {
		response.BadRequest(c, "cannot delete your own account")
		return
	}
	ctx := c.Request.Context()
	target, err := h.store.GetByID(ctx, id)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if target.Role == models.RoleAdmin {
		if err := h.ensureAnotherAdmin(ctx, "cannot delete the last admin"); err != nil {
			response.Error(c, h.logger, err)
			return
		}
	}
	if err := h.store.Delete(ctx, id); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.activity.Record(ctx, activity.FromRequest(c, activity.ActionUserDeleted, "user", id.String(),
		map[string]any{"email": target.Email}))
	response.NoContent(c)
}

func (h *Handler) ensureAnotherAdmin(ctx context.Context, msg string) error {
	n, err := h.store.CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return err
	}
	if n <= 1 {
		return apperror.Conflict(msg)
	}
	return nil
}
