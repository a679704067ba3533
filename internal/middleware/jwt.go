package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
)

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Role   models.Role
}

// Authenticator turns a bearer token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// JWT returns a middleware that validates the bearer token and sets user claims in context.
func JWT(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		id, err := authn.Authenticate(c.Request.Context(), parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		SetIdentity(c, id)
		c.Next()
	}
}

// SetIdentity stores id in the gin context for CurrentUser.
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(ContextUserID, id.UserID)
	c.Set(ContextUserRole, id.Role)
	c.Set(ContextUserEmail, id.Email)
}

// CurrentUser returns the identity set by JWT. ok is false on unauthenticated routes.
func CurrentUser(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(uuid.UUID)
	if !ok {
		return Identity{}, false
	}
	role, _ := c.Get(ContextUserRole)
	email, _ := c.Get(ContextUserEmail)
	r, _ := role.(models.Role)
	e, _ := email.(string)
	return Identity{UserID: id, Email: e, Role: r}, true
}
