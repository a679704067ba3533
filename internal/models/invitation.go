package models

import (
	"time"

	"github.com/google/uuid"
)

// Invitation lets an admin or organizer bring a user in with a preset role.
// Only the sha256 of the token is stored.
type Invitation struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	Role       Role       `json:"role"`
	EventID    *uuid.UUID `json:"event_id,omitempty"`
	TokenHash  string     `json:"-"`
	InvitedBy  *uuid.UUID `json:"invited_by,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the invitation can no longer be accepted at now.
func (i *Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Pending reports whether the invitation is neither accepted nor revoked.
func (i *Invitation) Pending() bool {
	return i.AcceptedAt == nil && i.RevokedAt == nil
}
