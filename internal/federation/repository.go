package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/crypto"
	"github.com/cfpforge/backend/pkg/database"
)

// Repository stores the single federation settings row. Credentials are encrypted at rest.
type Repository struct {
	db    database.DBTX
	crypt crypto.Service
}

// NewRepository creates a settings repository.
func NewRepository(db database.DBTX, crypt crypto.Service) *Repository {
	if crypt == nil {
		crypt = crypto.NoopService{}
	}
	return &Repository{db: db, crypt: crypt}
}

// Get returns the settings, or disabled defaults when none were saved.
func (r *Repository) Get(ctx context.Context) (*models.FederationSettings, error) {
	var (
		s              models.FederationSettings
		keyEnc, secEnc string
	)
	err := r.db.QueryRow(ctx,
		`SELECT enabled, directory_url, api_key_enc, webhook_secret_enc, last_sync_at, last_error, updated_at
		 FROM federation_settings WHERE id = 1`,
	).Scan(&s.Enabled, &s.DirectoryURL, &keyEnc, &secEnc, &s.LastSyncAt, &s.LastError, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.FederationSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get federation settings: %w", err)
	}
	if s.APIKey, err = r.crypt.Decrypt(keyEnc); err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	if s.WebhookSecret, err = r.crypt.Decrypt(secEnc); err != nil {
		return nil, fmt.Errorf("decrypt webhook secret: %w", err)
	}
	return &s, nil
}

// Save writes s, encrypting the credentials.
func (r *Repository) Save(ctx context.Context, s *models.FederationSettings) error {
	keyEnc, err := r.crypt.Encrypt(s.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	secEnc, err := r.crypt.Encrypt(s.WebhookSecret)
	if err != nil {
		return fmt.Errorf("encrypt webhook secret: %w", err)
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO federation_settings (id, enabled, directory_url, api_key_enc, webhook_secret_enc, updated_at)
		 VALUES (1, $1, $2, $3, $4, NOW())
		 ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled, directory_url = EXCLUDED.directory_url,
			api_key_enc = EXCLUDED.api_key_enc, webhook_secret_enc = EXCLUDED.webhook_secret_enc, updated_at = NOW()
		 RETURNING updated_at`,
		s.Enabled, s.DirectoryURL, keyEnc, secEnc,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save federation settings: %w", err)
	}
	return nil
}

// RecordDelivery stores the outcome of the latest delivery attempt. An empty msg means success.
func (r *Repository) RecordDelivery(ctx context.Context, at time.Time, msg string) error {
	var err error
	if msg == "" {
		_, err = r.db.Exec(ctx, `UPDATE federation_settings SET last_sync_at = $1, last_error = '' WHERE id = 1`, at)
	} else {
		_, err = r.db.Exec(ctx, `UPDATE federation_settings SET last_error = $1 WHERE id = 1`, msg)
	}
	if err != nil {
		return fmt.Errorf("record federation delivery: %w", err)
	}
	return nil
}
