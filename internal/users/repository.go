package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/crypto"
	"github.com/cfpforge/backend/pkg/database"
)

// Filter narrows the admin user listing.
type Filter struct {
	Search string
	Role   models.Role
	Limit  int
	Offset int
}

// Repository handles user persistence. The phone column is encrypted with cipher.
type Repository struct {
	db     database.DBTX
	cipher crypto.Service
}

// NewRepository creates a users repository.
func NewRepository(db database.DBTX, cipher crypto.Service) *Repository {
	return &Repository{db: db, cipher: cipher}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx, cipher: r.cipher}
}

const userColumns = `id, email, password_hash, name, role, bio, phone_enc, created_at, updated_at`

func (r *Repository) scan(row pgx.Row) (*models.User, error) {
	var u models.User
	var phoneEnc string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.Bio, &phoneEnc, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, database.NoRows(err, "user")
	}
	phone, err := r.cipher.Decrypt(phoneEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt phone: %w", err)
	}
	u.Phone = phone
	return &u, nil
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByEmail returns a user by email (case-insensitive).
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email)))
}

// EmailExists reports whether an account uses email.
func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, NormalizeEmail(email)).Scan(&exists)
	return exists, err
}

// Create inserts a new user. A duplicate email maps to 409.
func (r *Repository) Create(ctx context.Context, email, passwordHash, name string, role models.Role) (*models.User, error) {
	const q = `INSERT INTO users (email, password_hash, name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns
	u, err := r.scan(r.db.QueryRow(ctx, q, NormalizeEmail(email), passwordHash, name, role))
	if database.IsUniqueViolation(err) {
		return nil, apperror.Conflict("email already registered")
	}
	return u, err
}

// UpdateProfile sets the owner-editable fields. nil leaves a field unchanged.
func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, name, bio, phone *string) (*models.User, error) {
	var phoneEnc *string
	if phone != nil {
		enc, err := r.cipher.Encrypt(*phone)
		if err != nil {
			return nil, fmt.Errorf("encrypt phone: %w", err)
		}
		phoneEnc = &enc
	}
	const q = `UPDATE users SET
		name = COALESCE($2, name),
		bio = COALESCE($3, bio),
		phone_enc = COALESCE($4, phone_enc),
		updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	return r.scan(r.db.QueryRow(ctx, q, id, name, bio, phoneEnc))
}

// List returns users matching f ordered by name, with the total match count.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.UserPublic, int64, error) {
	var where []string
	var args []any
	if f.Search != "" {
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		where = append(where, fmt.Sprintf("(LOWER(name) LIKE $%d OR email LIKE $%d)", len(args), len(args)))
	}
	if f.Role != "" {
		args = append(args, f.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, f.Limit, f.Offset)
	q := fmt.Sprintf(`SELECT id, email, name, role, bio, created_at FROM users%s
		ORDER BY name, email LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []models.UserPublic{}
	for rows.Next() {
		var u models.UserPublic
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Bio, &u.CreatedAt); err != nil {
			return nil, 0, err
		}
		list = append(list, u)
	}
	return list, total, rows.Err()
}

// CountByRole returns how many users hold role.
func (r *Repository) CountByRole(ctx context.Context, role models.Role) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, role).Scan(&n)
	return n, err
}

// UpdateRole changes a user's role. Demoting the only admin matches no row and reports a conflict.
func (r *Repository) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) (*models.User, error) {
	const q = `UPDATE users SET role = $2, updated_at = NOW()
		WHERE id = $1
		AND ($2 = 'ADMIN' OR role <> 'ADMIN' OR (SELECT COUNT(*) FROM users WHERE role = 'ADMIN') > 1)
		RETURNING ` + userColumns
	u, err := r.scan(r.db.QueryRow(ctx, q, id, role))
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.Conflict("cannot demote the last admin")
	}
	return u, err
}

// Delete removes a user, refusing to remove the only admin.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1
		AND (role <> 'ADMIN' OR (SELECT COUNT(*) FROM users WHERE role = 'ADMIN') > 1)`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.Conflict("cannot delete the last admin")
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
