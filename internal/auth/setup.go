package auth

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/internal/settings"
	"github.com/cfpforge/backend/internal/users"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/database"
	"github.com/cfpforge/backend/pkg/response"
	"github.com/cfpforge/backend/pkg/utils"
)

// SetupParams is the first administrator and site name.
type SetupParams struct {
	Email        string
	PasswordHash string
	Name         string
	SiteName     string
}

// SetupStore runs the one-time setup.
type SetupStore interface {
	Completed(ctx context.Context) (bool, error)
	CompleteSetup(ctx context.Context, p SetupParams) (*models.User, error)
}

// SetupRepository performs setup in a serializable transaction so two concurrent
// requests cannot both create a first admin.
type SetupRepository struct {
	pool     *pgxpool.Pool
	users    *users.Repository
	settings *settings.Repository
}

// NewSetupRepository creates a SetupRepository.
func NewSetupRepository(pool *pgxpool.Pool, u *users.Repository, s *settings.Repository) *SetupRepository {
	return &SetupRepository{pool: pool, users: u, settings: s}
}

func (r *SetupRepository) Completed(ctx context.Context) (bool, error) {
	s, err := r.settings.Get(ctx)
	if err != nil {
		return false, err
	}
	return s.SetupCompletedAt != nil, nil
}

func (r *SetupRepository) CompleteSetup(ctx context.Context, p SetupParams) (*models.User, error) {
	var admin *models.User
	err := database.Serializable(ctx, r.pool, func(tx pgx.Tx) error {
		st := r.settings.WithTx(tx)
		ut := r.users.WithTx(tx)

		s, err := st.Get(ctx)
		if err != nil {
			return err
		}
		if s.SetupCompletedAt != nil {
			return apperror.Conflict("setup already completed")
		}
		n, err := ut.CountByRole(ctx, models.RoleAdmin)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.Conflict("setup already completed")
		}
		admin, err = ut.Create(ctx, p.Email, p.PasswordHash, p.Name, models.RoleAdmin)
		if err != nil {
			return err
		}
		return st.MarkSetupComplete(ctx, p.SiteName, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// SetupRequest is the body for POST /setup.
type SetupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
	Name     string `json:"name" binding:"required,min=1,max=100"`
	SiteName string `json:"site_name" binding:"omitempty,max=100"`
}

// SetupHandler serves the first-run endpoints.
type SetupHandler struct {
	store    SetupStore
	jwt      *JWTService
	hooks    hooks.Emitter
	activity activity.Recorder
	logger   *zap.Logger
}

// NewSetupHandler creates a setup handler.
func NewSetupHandler(store SetupStore, jwt *JWTService, emitter hooks.Emitter, rec activity.Recorder, logger *zap.Logger) *SetupHandler {
	return &SetupHandler{store: store, jwt: jwt, hooks: emitter, activity: rec, logger: logger}
}

// Status handles GET /setup/status.
func (h *SetupHandler) Status(c *gin.Context) {
	done, err := h.store.Completed(c.Request.Context())
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"completed": done})
}

// Setup handles POST /setup: creates the first admin. A second call returns 409.
func (h *SetupHandler) Setup(c *gin.Context) {
	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	ctx := c.Request.Context()
	done, err := h.store.Completed(ctx)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if done {
		response.Conflict(c, "setup already completed")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	siteName := req.SiteName
	if siteName == "" {
		siteName = settings.DefaultSiteName
	}
	admin, err := h.store.CompleteSetup(ctx, SetupParams{
		Email: req.Email, PasswordHash: hash, Name: req.Name, SiteName: siteName,
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	token, err := h.jwt.Generate(admin.ID, admin.Email, string(admin.Role))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}

	h.logger.Info("setup completed", zap.String("admin_id", admin.ID.String()))
	h.activity.Record(ctx, activity.Entry{
		ActorID: &admin.ID, Action: activity.ActionSetupCompleted, EntityType: "settings",
		EntityID: "site", IP: c.ClientIP(), Metadata: map[string]any{"site_name": siteName},
	})
	h.hooks.Emit(ctx, hooks.UserRegistered, admin.ToPublic())
	response.Created(c, TokenResponse{Token: token, User: admin.ToPublic()})
}
