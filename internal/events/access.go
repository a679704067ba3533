package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
)

// MemberLookup resolves a user's role on an event team.
type MemberLookup interface {
	MemberRole(ctx context.Context, eventID, userID uuid.UUID) (models.MemberRole, error)
}

// Access answers per-event authorization questions. Admins pass every check.
type Access struct {
	members MemberLookup
}

// NewAccess creates an Access checker.
func NewAccess(members MemberLookup) *Access {
	return &Access{members: members}
}

// CanManage reports whether the caller organizes the event.
func (a *Access) CanManage(ctx context.Context, id middleware.Identity, eventID uuid.UUID) (bool, error) {
	if id.Role == models.RoleAdmin {
		return true, nil
	}
	role, err := a.members.MemberRole(ctx, eventID, id.UserID)
	if err != nil {
		return false, err
	}
	return role == models.MemberOrganizer, nil
}

// CanReview reports whether the caller is on the event team in any role.
func (a *Access) CanReview(ctx context.Context, id middleware.Identity, eventID uuid.UUID) (bool, error) {
	if id.Role == models.RoleAdmin {
		return true, nil
	}
	role, err := a.members.MemberRole(ctx, eventID, id.UserID)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

// RequireManage returns a 403 error unless the caller organizes the event.
func (a *Access) RequireManage(ctx context.Context, id middleware.Identity, eventID uuid.UUID) error {
	ok, err := a.CanManage(ctx, id, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.Forbidden("not an organizer of this event")
	}
	return nil
}

// RequireReview returns a 403 error unless the caller is on the event team.
func (a *Access) RequireReview(ctx context.Context, id middleware.Identity, eventID uuid.UUID) error {
	ok, err := a.CanReview(ctx, id, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.Forbidden("not a member of this event team")
	}
	return nil
}
