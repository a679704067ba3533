package auth

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/response"
	"github.com/cfpforge/backend/pkg/utils"
)

// UserStore is the user persistence auth needs.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, email, passwordHash, name string, role models.Role) (*models.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, name, bio, phone *string) (*models.User, error)
}

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
	Name     string `json:"name" binding:"required,min=1,max=100"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// UpdateMeRequest is the body for PATCH /auth/me. Omitted fields are unchanged.
type UpdateMeRequest struct {
	Name  *string `json:"name" binding:"omitempty,min=1,max=100"`
	Bio   *string `json:"bio" binding:"omitempty,max=2000"`
	Phone *string `json:"phone" binding:"omitempty,max=32"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	users    UserStore
	jwt      *JWTService
	hooks    hooks.Emitter
	activity activity.Recorder
	logger   *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users UserStore, jwt *JWTService, emitter hooks.Emitter, rec activity.Recorder, logger *zap.Logger) *Handler {
	return &Handler{users: users, jwt: jwt, hooks: emitter, activity: rec, logger: logger}
}

// Register handles POST /auth/register. New accounts get the USER role.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	ctx := c.Request.Context()
	user, err := h.users.Create(ctx, req.Email, hash, req.Name, models.RoleUser)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email, string(user.Role))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}

	h.activity.Record(ctx, activity.Entry{
		ActorID: &user.ID, Action: activity.ActionUserRegistered, EntityType: "user",
		EntityID: user.ID.String(), IP: c.ClientIP(),
	})
	h.hooks.Emit(ctx, hooks.UserRegistered, user.ToPublic())
	response.Created(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}

	user, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			response.Unauthorized(c, "invalid email or password")
			return
		}
		response.Error(c, h.logger, err)
		return
	}

	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email, string(user.Role))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	me, _ := middleware.CurrentUser(c)
	user, err := h.users.GetByID(c.Request.Context(), me.UserID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, user.ToProfile())
}

// UpdateMe handles PATCH /auth/me.
func (h *Handler) UpdateMe(c *gin.Context) {
	var req UpdateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	me, _ := middleware.CurrentUser(c)
	user, err := h.users.UpdateProfile(c.Request.Context(), me.UserID, req.Name, req.Bio, req.Phone)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, user.ToProfile())
}
