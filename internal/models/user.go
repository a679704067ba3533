package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents user role in the platform.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleOrganizer Role = "ORGANIZER"
	RoleReviewer  Role = "REVIEWER"
	RoleSpeaker   Role = "SPEAKER"
	RoleUser      Role = "USER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOrganizer, RoleReviewer, RoleSpeaker, RoleUser:
		return true
	}
	return false
}

// User represents a platform user. Phone holds the decrypted value of phone_enc.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Bio          string    `json:"bio"`
	Phone        string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserPublic is User without sensitive fields for API responses.
type UserPublic struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Bio       string    `json:"bio"`
	CreatedAt time.Time `json:"created_at"`
}

// UserProfile is what the owner sees on /auth/me, including decrypted PII.
type UserProfile struct {
	UserPublic
	Phone string `json:"phone"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		Bio:       u.Bio,
		CreatedAt: u.CreatedAt,
	}
}

// ToProfile converts User to the owner's view.
func (u *User) ToProfile() UserProfile {
	return UserProfile{UserPublic: u.ToPublic(), Phone: u.Phone}
}

// SiteSettings is the single site configuration row.
type SiteSettings struct {
	SiteName         string     `json:"site_name"`
	SetupCompletedAt *time.Time `json:"setup_completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
