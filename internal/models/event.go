package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is a conference or meetup with a call for papers.
type Event struct {
	ID                  uuid.UUID  `json:"id"`
	Slug                string     `json:"slug"`
	Name                string     `json:"name"`
	Description         string     `json:"description"`
	Location            string     `json:"location"`
	StartsAt            *time.Time `json:"starts_at,omitempty"`
	EndsAt              *time.Time `json:"ends_at,omitempty"`
	CFPOpensAt          *time.Time `json:"cfp_opens_at,omitempty"`
	CFPClosesAt         *time.Time `json:"cfp_closes_at,omitempty"`
	Published           bool       `json:"published"`
	CreatedBy           *uuid.UUID `json:"created_by,omitempty"`
	FederationListingID *string    `json:"federation_listing_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CFPOpen reports whether submissions are accepted at now.
// A missing open time means "open since publish"; a missing close time means "no deadline".
func (e *Event) CFPOpen(now time.Time) bool {
	if !e.Published {
		return false
	}
	if e.CFPOpensAt != nil && now.Before(*e.CFPOpensAt) {
		return false
	}
	if e.CFPClosesAt != nil && !now.Before(*e.CFPClosesAt) {
		return false
	}
	return true
}

// MemberRole is a per-event team role.
type MemberRole string

const (
	MemberOrganizer MemberRole = "ORGANIZER"
	MemberReviewer  MemberRole = "REVIEWER"
)

// EventMember links a user to an event team.
type EventMember struct {
	ID         uuid.UUID  `json:"id"`
	EventID    uuid.UUID  `json:"event_id"`
	UserID     uuid.UUID  `json:"user_id"`
	MemberRole MemberRole `json:"member_role"`
	UserName   string     `json:"user_name,omitempty"`
	UserEmail  string     `json:"user_email,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Track groups submissions by topic.
type Track struct {
	ID          uuid.UUID `json:"id"`
	EventID     uuid.UUID `json:"event_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Format is a session type such as "talk" or "workshop".
type Format struct {
	ID              uuid.UUID `json:"id"`
	EventID         uuid.UUID `json:"event_id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
	CreatedAt       time.Time `json:"created_at"`
}

// EventStats aggregates submission and review counts for an event dashboard.
type EventStats struct {
	EventID          uuid.UUID        `json:"event_id"`
	TotalSubmissions int64            `json:"total_submissions"`
	ByStatus         map[string]int64 `json:"by_status"`
	ByTrack          map[string]int64 `json:"by_track"`
	TotalReviews     int64            `json:"total_reviews"`
	AverageScore     float64          `json:"average_score"`
	UnreviewedCount  int64            `json:"unreviewed_count"`
	DistinctSpeakers int64            `json:"distinct_speakers"`
	TeamMembers      int64            `json:"team_members"`
}
