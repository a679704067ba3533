package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/database"
)

const pluginColumns = `id, name, version, display_name, description, author, runtime, entry, api_version, manifest,
	status, config, source, archive_sha256, archive_key, signed, last_error, installed_at, enabled_at, updated_at`

// Repository persists plugin rows.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a plugin repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

func scanPlugin(row pgx.Row) (*models.Plugin, error) {
	var p models.Plugin
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.DisplayName, &p.Description, &p.Author, &p.Runtime, &p.Entry,
		&p.APIVersion, &p.Manifest, &p.Status, &p.Config, &p.Source, &p.ArchiveSHA256, &p.ArchiveKey, &p.Signed,
		&p.LastError, &p.InstalledAt, &p.EnabledAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPlugins(rows pgx.Rows) ([]models.Plugin, error) {
	defer rows.Close()
	var out []models.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetByName returns a plugin that is not uninstalled.
func (r *Repository) GetByName(ctx context.Context, name string) (*models.Plugin, error) {
	return scanPlugin(r.db.QueryRow(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE name = $1 AND status <> 'uninstalled'`, name))
}

// List returns installed plugins ordered by name.
func (r *Repository) List(ctx context.Context) ([]models.Plugin, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE status <> 'uninstalled' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	return collectPlugins(rows)
}

// ListByStatus returns plugins in one status.
func (r *Repository) ListByStatus(ctx context.Context, status models.PluginStatus) ([]models.Plugin, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE status = $1 ORDER BY name`, status)
	if err != nil {
		return nil, fmt.Errorf("list plugins by status: %w", err)
	}
	return collectPlugins(rows)
}

// Create inserts an installed plugin. An uninstalled row with the same name is reused;
// a live one yields ErrAlreadyExists.
func (r *Repository) Create(ctx context.Context, p *models.Plugin) error {
	cfg := p.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO plugins (name, version, display_name, description, author, runtime, entry, api_version,
			manifest, status, config, source, archive_sha256, archive_key, signed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'installed', $10, $11, $12, $13, $14)
		 ON CONFLICT (name) DO UPDATE SET
			version = EXCLUDED.version, display_name = EXCLUDED.display_name,
			description = EXCLUDED.description, author = EXCLUDED.author, runtime = EXCLUDED.runtime,
			entry = EXCLUDED.entry, api_version = EXCLUDED.api_version, manifest = EXCLUDED.manifest,
			status = 'installed', config = EXCLUDED.config, source = EXCLUDED.source,
			archive_sha256 = EXCLUDED.archive_sha256, archive_key = EXCLUDED.archive_key,
			signed = EXCLUDED.signed, last_error = '', installed_at = NOW(), enabled_at = NULL, updated_at = NOW()
		 WHERE plugins.status = 'uninstalled'
		 RETURNING `+pluginColumns,
		p.Name, p.Version, p.DisplayName, p.Description, p.Author, p.Runtime, p.Entry, p.APIVersion,
		p.Manifest, cfg, p.Source, p.ArchiveSHA256, p.ArchiveKey, p.Signed,
	)
	created, err := scanPlugin(row)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p.Name)
	}
	if err != nil {
		return fmt.Errorf("create plugin: %w", err)
	}
	*p = *created
	return nil
}

// UpdateStatus moves a plugin to status. enabled_at is set when enabling and cleared otherwise.
func (r *Repository) UpdateStatus(ctx context.Context, name string, status models.PluginStatus, at time.Time) error {
	var enabledAt *time.Time
	if status == models.PluginEnabled {
		enabledAt = &at
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE plugins SET status = $2, enabled_at = $3, last_error = CASE WHEN $2 = 'enabled' THEN '' ELSE last_error END,
			updated_at = $4
		 WHERE name = $1 AND status <> 'uninstalled'`,
		name, status, enabledAt, at)
	if err != nil {
		return fmt.Errorf("update plugin status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVersion records a new package for an existing plugin.
func (r *Repository) UpdateVersion(ctx context.Context, p *models.Plugin) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE plugins SET version = $2, display_name = $3, description = $4, author = $5, runtime = $6,
			entry = $7, api_version = $8, manifest = $9, config = $10, source = $11, archive_sha256 = $12,
			archive_key = $13, signed = $14, last_error = '', updated_at = NOW()
		 WHERE name = $1 AND status <> 'uninstalled'`,
		p.Name, p.Version, p.DisplayName, p.Description, p.Author, p.Runtime, p.Entry, p.APIVersion,
		p.Manifest, p.Config, p.Source, p.ArchiveSHA256, p.ArchiveKey, p.Signed)
	if err != nil {
		return fmt.Errorf("update plugin version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConfig stores the (already encrypted) config document.
func (r *Repository) UpdateConfig(ctx context.Context, name string, cfg json.RawMessage) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE plugins SET config = $2, updated_at = NOW() WHERE name = $1 AND status <> 'uninstalled'`, name, cfg)
	if err != nil {
		return fmt.Errorf("update plugin config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastError records (or clears, with "") the last load failure.
func (r *Repository) SetLastError(ctx context.Context, name, msg string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE plugins SET last_error = $2, updated_at = NOW() WHERE name = $1 AND status <> 'uninstalled'`, name, msg)
	if err != nil {
		return fmt.Errorf("set plugin error: %w", err)
	}
	return nil
}
