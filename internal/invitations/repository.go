package invitations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cfpforge/backend/internal/events"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/internal/users"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/database"
)

const invitationColumns = `id, email, role, event_id, token_hash, invited_by, expires_at, accepted_at, revoked_at, created_at`

// Repository handles invitation persistence.
type Repository struct {
	db     database.DBTX
	pool   database.TxBeginner
	users  *users.Repository
	events *events.Repository
}

// NewRepository creates an invitation repository. pool runs the accept transaction.
func NewRepository(pool *pgxpool.Pool, u *users.Repository, e *events.Repository) *Repository {
	return &Repository{db: pool, pool: pool, users: u, events: e}
}

func (r *Repository) withTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx, pool: r.pool, users: r.users.WithTx(tx), events: r.events.WithTx(tx)}
}

func scanInvitation(row pgx.Row) (*models.Invitation, error) {
	var inv models.Invitation
	err := row.Scan(&inv.ID, &inv.Email, &inv.Role, &inv.EventID, &inv.TokenHash, &inv.InvitedBy,
		&inv.ExpiresAt, &inv.AcceptedAt, &inv.RevokedAt, &inv.CreatedAt)
	if err != nil {
		return nil, database.NoRows(err, "invitation")
	}
	return &inv, nil
}

// Create inserts a pending invitation.
func (r *Repository) Create(ctx context.Context, inv *models.Invitation) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO invitations (email, role, event_id, token_hash, invited_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		inv.Email, inv.Role, inv.EventID, inv.TokenHash, inv.InvitedBy, inv.ExpiresAt,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

// GetByID returns an invitation by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invitation, error) {
	return scanInvitation(r.db.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id))
}

// GetByTokenHash returns an invitation by the sha256 of its token.
func (r *Repository) GetByTokenHash(ctx context.Context, hash string) (*models.Invitation, error) {
	return scanInvitation(r.db.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE token_hash = $1`, hash))
}

// List returns invitations newest first. A non-nil invitedBy restricts to one inviter.
func (r *Repository) List(ctx context.Context, invitedBy *uuid.UUID, limit, offset int) ([]models.Invitation, int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM invitations WHERE $1::uuid IS NULL OR invited_by = $1`, invitedBy,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invitations: %w", err)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+invitationColumns+` FROM invitations
		 WHERE $1::uuid IS NULL OR invited_by = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, invitedBy, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()
	out := []models.Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *inv)
	}
	return out, total, rows.Err()
}

// Revoke marks a pending invitation revoked. Accepted or already revoked invitations are a conflict.
func (r *Repository) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE invitations SET revoked_at = NOW() WHERE id = $1 AND accepted_at IS NULL AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke invitation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return apperror.Conflict("invitation is no longer pending")
	}
	return nil
}

// AcceptParams carries the new account details.
type AcceptParams struct {
	TokenHash    string
	Name         string
	PasswordHash string
	Now          time.Time
}

// Accept creates the invited account in a serializable transaction so a token cannot be redeemed twice
// and an email cannot be registered concurrently.
func (r *Repository) Accept(ctx context.Context, p AcceptParams) (*models.User, *models.Invitation, error) {
	var user *models.User
	var inv *models.Invitation
	err := database.Serializable(ctx, r.pool, func(tx pgx.Tx) error {
		rt := r.withTx(tx)
		var err error
		inv, err = rt.GetByTokenHash(ctx, p.TokenHash)
		if err != nil {
			return err
		}
		if err := checkAcceptable(inv, p.Now); err != nil {
			return err
		}
		exists, err := rt.users.EmailExists(ctx, inv.Email)
		if err != nil {
			return err
		}
		if exists {
			return apperror.Conflict("an account with this email already exists")
		}
		user, err = rt.users.Create(ctx, inv.Email, p.PasswordHash, p.Name, inv.Role)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE invitations SET accepted_at = $2 WHERE id = $1`, inv.ID, p.Now); err != nil {
			return fmt.Errorf("mark invitation accepted: %w", err)
		}
		if role, ok := teamRole(inv); ok {
			if _, err := rt.events.AddMember(ctx, *inv.EventID, user.ID, role); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, inv, nil
}

// checkAcceptable maps invitation state to the accept outcome.
func checkAcceptable(inv *models.Invitation, now time.Time) error {
	switch {
	case inv.RevokedAt != nil:
		return apperror.NotFound("invitation not found")
	case inv.AcceptedAt != nil:
		return apperror.Conflict("invitation already accepted")
	case inv.Expired(now):
		return apperror.BadRequest("invitation has expired")
	}
	return nil
}

// teamRole is the event team role an accepted invitation grants, if any.
func teamRole(inv *models.Invitation) (models.MemberRole, bool) {
	if inv.EventID == nil {
		return "", false
	}
	switch inv.Role {
	case models.RoleOrganizer:
		return models.MemberOrganizer, true
	case models.RoleReviewer:
		return models.MemberReviewer, true
	}
	return "", false
}
