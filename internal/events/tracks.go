package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/database"
)

// CreateTrack adds a track. Duplicate names in one event map to 409.
func (r *Repository) CreateTrack(ctx context.Context, t *models.Track) error {
	err := r.db.QueryRow(ctx, `INSERT INTO tracks (event_id, name, description) VALUES ($1, $2, $3)
		RETURNING id, created_at`, t.EventID, t.Name, t.Description).Scan(&t.ID, &t.CreatedAt)
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("track name already exists for this event")
	}
	return err
}

// GetTrack returns a track by ID.
func (r *Repository) GetTrack(ctx context.Context, id uuid.UUID) (*models.Track, error) {
	var t models.Track
	err := r.db.QueryRow(ctx, `SELECT id, event_id, name, description, created_at FROM tracks WHERE id = $1`, id).
		Scan(&t.ID, &t.EventID, &t.Name, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, database.NoRows(err, "track")
	}
	return &t, nil
}

// ListTracks returns an event's tracks by name.
func (r *Repository) ListTracks(ctx context.Context, eventID uuid.UUID) ([]models.Track, error) {
	rows, err := r.db.Query(ctx, `SELECT id, event_id, name, description, created_at FROM tracks
		WHERE event_id = $1 ORDER BY name`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Track{}
	for rows.Next() {
		var t models.Track
		if err := rows.Scan(&t.ID, &t.EventID, &t.Name, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// UpdateTrack renames a track within its event.
func (r *Repository) UpdateTrack(ctx context.Context, t *models.Track) error {
	err := r.db.QueryRow(ctx, `UPDATE tracks SET name = $3, description = $4
		WHERE id = $1 AND event_id = $2 RETURNING created_at`, t.ID, t.EventID, t.Name, t.Description).Scan(&t.CreatedAt)
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("track name already exists for this event")
	}
	return database.NoRows(err, "track")
}

// DeleteTrack removes a track; submissions keep a null track.
func (r *Repository) DeleteTrack(ctx context.Context, eventID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tracks WHERE id = $1 AND event_id = $2`, id, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("track not found")
	}
	return nil
}

// CreateFormat adds a session format.
func (r *Repository) CreateFormat(ctx context.Context, f *models.Format) error {
	err := r.db.QueryRow(ctx, `INSERT INTO formats (event_id, name, duration_minutes) VALUES ($1, $2, $3)
		RETURNING id, created_at`, f.EventID, f.Name, f.DurationMinutes).Scan(&f.ID, &f.CreatedAt)
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("format name already exists for this event")
	}
	return err
}

// GetFormat returns a format by ID.
func (r *Repository) GetFormat(ctx context.Context, id uuid.UUID) (*models.Format, error) {
	var f models.Format
	err := r.db.QueryRow(ctx, `SELECT id, event_id, name, duration_minutes, created_at FROM formats WHERE id = $1`, id).
		Scan(&f.ID, &f.EventID, &f.Name, &f.DurationMinutes, &f.CreatedAt)
	if err != nil {
		return nil, database.NoRows(err, "format")
	}
	return &f, nil
}

// ListFormats returns an event's formats by duration.
func (r *Repository) ListFormats(ctx context.Context, eventID uuid.UUID) ([]models.Format, error) {
	rows, err := r.db.Query(ctx, `SELECT id, event_id, name, duration_minutes, created_at FROM formats
		WHERE event_id = $1 ORDER BY duration_minutes, name`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Format{}
	for rows.Next() {
		var f models.Format
		if err := rows.Scan(&f.ID, &f.EventID, &f.Name, &f.DurationMinutes, &f.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return list, rows.Err()
}

// UpdateFormat changes a format within its event.
func (r *Repository) UpdateFormat(ctx context.Context, f *models.Format) error {
	err := r.db.QueryRow(ctx, `UPDATE formats SET name = $3, duration_minutes = $4
		WHERE id = $1 AND event_id = $2 RETURNING created_at`, f.ID, f.EventID, f.Name, f.DurationMinutes).Scan(&f.CreatedAt)
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("format name already exists for this event")
	}
	return database.NoRows(err, "format")
}

// DeleteFormat removes a format; submissions keep a null format.
func (r *Repository) DeleteFormat(ctx context.Context, eventID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM formats WHERE id = $1 AND event_id = $2`, id, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("format not found")
	}
	return nil
}
