package events

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
)

// AddMember adds a user to the event team, or changes their team role.
func (r *Repository) AddMember(ctx context.Context, eventID, userID uuid.UUID, role models.MemberRole) (*models.EventMember, error) {
	const q = `INSERT INTO event_members (event_id, user_id, member_role) VALUES ($1, $2, $3)
		ON CONFLICT (event_id, user_id) DO UPDATE SET member_role = EXCLUDED.member_role
		RETURNING id, event_id, user_id, member_role, created_at`
	var m models.EventMember
	err := r.db.QueryRow(ctx, q, eventID, userID, role).Scan(&m.ID, &m.EventID, &m.UserID, &m.MemberRole, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RemoveMember removes a user from the event team.
func (r *Repository) RemoveMember(ctx context.Context, eventID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM event_members WHERE event_id = $1 AND user_id = $2`, eventID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("member not found")
	}
	return nil
}

// ListMembers returns the team with user names.
func (r *Repository) ListMembers(ctx context.Context, eventID uuid.UUID) ([]models.EventMember, error) {
	rows, err := r.db.Query(ctx, `SELECT m.id, m.event_id, m.user_id, m.member_role, u.name, u.email, m.created_at
		FROM event_members m JOIN users u ON u.id = m.user_id
		WHERE m.event_id = $1 ORDER BY m.member_role, u.name`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.EventMember{}
	for rows.Next() {
		var m models.EventMember
		if err := rows.Scan(&m.ID, &m.EventID, &m.UserID, &m.MemberRole, &m.UserName, &m.UserEmail, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// MemberRole returns the user's team role, or "" if they are not on the team.
func (r *Repository) MemberRole(ctx context.Context, eventID, userID uuid.UUID) (models.MemberRole, error) {
	var role models.MemberRole
	err := r.db.QueryRow(ctx, `SELECT member_role FROM event_members WHERE event_id = $1 AND user_id = $2`, eventID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return role, nil
}

// OrganizerIDs returns the user ids of the event's organizers.
func (r *Repository) OrganizerIDs(ctx context.Context, eventID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM event_members WHERE event_id = $1 AND member_role = 'ORGANIZER'`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
