package settings

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/database"
)

// DefaultSiteName is used until an admin names the site.
const DefaultSiteName = "CFP"

// Repository handles the single site_settings row.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a settings repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

// Get returns the settings, or defaults when setup has not run.
func (r *Repository) Get(ctx context.Context) (*models.SiteSettings, error) {
	var s models.SiteSettings
	err := r.db.QueryRow(ctx, `SELECT site_name, setup_completed_at, updated_at FROM site_settings WHERE id = 1`).
		Scan(&s.SiteName, &s.SetupCompletedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.SiteSettings{SiteName: DefaultSiteName}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkSetupComplete creates or updates the row with the site name and completion time.
func (r *Repository) MarkSetupComplete(ctx context.Context, siteName string, at time.Time) error {
	_, err := r.db.Exec(ctx, `INSERT INTO site_settings (id, site_name, setup_completed_at, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET site_name = EXCLUDED.site_name,
			setup_completed_at = EXCLUDED.setup_completed_at, updated_at = NOW()`, siteName, at)
	return err
}

// UpdateSiteName changes the display name.
func (r *Repository) UpdateSiteName(ctx context.Context, name string) (*models.SiteSettings, error) {
	var s models.SiteSettings
	err := r.db.QueryRow(ctx, `INSERT INTO site_settings (id, site_name) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET site_name = EXCLUDED.site_name, updated_at = NOW()
		RETURNING site_name, setup_completed_at, updated_at`, name).
		Scan(&s.SiteName, &s.SetupCompletedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
