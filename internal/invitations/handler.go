package invitations

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/events"
	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/internal/users"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/response"
	"github.com/cfpforge/backend/pkg/utils"
)

const (
	// DefaultExpiry is how long an invitation stays valid when the request does not say.
	DefaultExpiry = 7 * 24 * time.Hour
	tokenBytes    = 32
)

// Store is the invitation persistence the handler needs.
type Store interface {
	Create(ctx context.Context, inv *models.Invitation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invitation, error)
	GetByTokenHash(ctx context.Context, hash string) (*models.Invitation, error)
	List(ctx context.Context, invitedBy *uuid.UUID, limit, offset int) ([]models.Invitation, int64, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	Accept(ctx context.Context, p AcceptParams) (*models.User, *models.Invitation, error)
}

// EmailChecker reports whether an email is already registered.
type EmailChecker interface {
	EmailExists(ctx context.Context, email string) (bool, error)
}

// TokenIssuer signs session tokens for newly accepted accounts.
type TokenIssuer interface {
	Generate(userID uuid.UUID, email, role string) (string, error)
}

// Handler serves /invitations.
type Handler struct {
	store     Store
	emails    EmailChecker
	access    *events.Access
	tokens    TokenIssuer
	hooks     hooks.Emitter
	activity  activity.Recorder
	logger    *zap.Logger
	publicURL string
	now       func() time.Time
}

// NewHandler creates an invitations handler. publicURL prefixes the invite links returned on create.
func NewHandler(store Store, emails EmailChecker, members events.MemberLookup, tokens TokenIssuer,
	emitter hooks.Emitter, rec activity.Recorder, publicURL string, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		emails:    emails,
		access:    events.NewAccess(members),
		tokens:    tokens,
		hooks:     emitter,
		activity:  rec,
		logger:    logger,
		publicURL: publicURL,
		now:       time.Now,
	}
}

// CreateRequest is the body for POST /invitations.
type CreateRequest struct {
	Email         string      `json:"email" binding:"required,email"`
	Role          models.Role `json:"role" binding:"required,oneof=ADMIN ORGANIZER REVIEWER SPEAKER USER"`
	EventID       *uuid.UUID  `json:"event_id"`
	ExpiresInDays int         `json:"expires_in_days" binding:"omitempty,min=1,max=30"`
}

// CreateResponse includes the plaintext token. It is never retrievable again.
type CreateResponse struct {
	Invitation *models.Invitation `json:"invitation"`
	Token      string             `json:"token"`
	URL        string             `json:"url"`
}

// AcceptRequest is the body for POST /invitations/:token/accept.
type AcceptRequest struct {
	Name     string `json:"name" binding:"required,min=1,max=100"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// AcceptResponse mirrors the register response.
type AcceptResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// organizerInvitable lists the roles an organizer may hand out.
var organizerInvitable = map[models.Role]bool{
	models.RoleReviewer: true,
	models.RoleSpeaker:  true,
	models.RoleUser:     true,
}

// Create handles POST /invitations (admin or organizer).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	me, _ := middleware.CurrentUser(c)
	ctx := c.Request.Context()
	if me.Role != models.RoleAdmin && !organizerInvitable[req.Role] {
		response.Forbidden(c, "organizers may only invite reviewers, speakers and users")
		return
	}
	if req.EventID != nil {
		if err := h.access.RequireManage(ctx, me, *req.EventID); err != nil {
			response.Error(c, h.logger, err)
			return
		}
	}
	email := users.NormalizeEmail(req.Email)
	exists, err := h.emails.EmailExists(ctx, email)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if exists {
		response.Conflict(c, "an account with this email already exists")
		return
	}

	token, err := utils.GenerateToken(tokenBytes)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	expiry := DefaultExpiry
	if req.ExpiresInDays > 0 {
		expiry = time.Duration(req.ExpiresInDays) * 24 * time.Hour
	}
	inv := &models.Invitation{
		Email:     email,
		Role:      req.Role,
		EventID:   req.EventID,
		TokenHash: utils.HashToken(token),
		InvitedBy: &me.UserID,
		ExpiresAt: h.now().UTC().Add(expiry),
	}
	if err := h.store.Create(ctx, inv); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.activity.Record(ctx, activity.FromRequest(c, activity.ActionInvitationCreated, "invitation", inv.ID.String(),
		map[string]any{"email": inv.Email, "role": inv.Role}))
	response.Created(c, CreateResponse{Invitation: inv, Token: token, URL: h.publicURL + "/invite/" + token})
}

// List handles GET /invitations. Organizers see only their own.
func (h *Handler) List(c *gin.Context) {
	me, _ := middleware.CurrentUser(c)
	var invitedBy *uuid.UUID
	if me.Role != models.RoleAdmin {
		invitedBy = &me.UserID
	}
	page, limit := response.PageParams(c)
	list, total, err := h.store.List(c.Request.Context(), invitedBy, limit, response.Offset(page, limit))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.List(c, list, response.NewPage(page, limit, total))
}

// Revoke handles DELETE /invitations/:id (admin or the inviter).
func (h *Handler) Revoke(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid invitation id")
		return
	}
	ctx := c.Request.Context()
	inv, err := h.store.GetByID(ctx, id)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	me, _ := middleware.CurrentUser(c)
	if me.Role != models.RoleAdmin && (inv.InvitedBy == nil || *inv.InvitedBy != me.UserID) {
		response.Forbidden(c, "cannot revoke another user's invitation")
		return
	}
	if err := h.store.Revoke(ctx, id); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.activity.Record(ctx, activity.FromRequest(c, activity.ActionInvitationRevoked, "invitation", id.String(), nil))
	response.NoContent(c)
}

// Lookup handles GET /invitations/:token so the accept page can show who is invited.
func (h *Handler) Lookup(c *gin.Context) {
	inv, err := h.store.GetByTokenHash(c.Request.Context(), utils.HashToken(c.Param("token")))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if inv.RevokedAt != nil {
		response.NotFound(c, "invitation not found")
		return
	}
	response.OK(c, gin.H{
		"email":      inv.Email,
		"role":       inv.Role,
		"event_id":   inv.EventID,
		"expires_at": inv.ExpiresAt,
		"accepted":   inv.AcceptedAt != nil,
		"expired":    inv.Expired(h.now()),
	})
}

// Accept handles POST /invitations/:token/accept.
func (h *Handler) Accept(c *gin.Context) {
	var req AcceptRequest
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
	user, inv, err := h.store.Accept(ctx, AcceptParams{
		TokenHash:    utils.HashToken(c.Param("token")),
		Name:         req.Name,
		PasswordHash: hash,
		Now:          h.now().UTC(),
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	token, err := h.tokens.Generate(user.ID, user.Email, string(user.Role))
	if err != nil {
		response.Error(c, h.logger, apperror.New(http.StatusInternalServerError, "failed to issue token", err))
		return
	}
	h.hooks.Emit(ctx, hooks.UserRegistered, user.ToPublic())
	h.activity.Record(ctx, activity.Entry{
		ActorID:    &user.ID,
		Action:     activity.ActionInvitationAccepted,
		EntityType: "invitation",
		EntityID:   inv.ID.String(),
		IP:         c.ClientIP(),
	})
	response.Created(c, AcceptResponse{Token: token, User: user.ToPublic()})
}
