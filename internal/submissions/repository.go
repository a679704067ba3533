package submissions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/database"
)

// Repository handles submission persistence.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a submissions repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

const selectSubmission = `SELECT s.id, s.event_id, s.speaker_id, s.track_id, s.format_id, s.title, s.abstract, s.outline,
	s.status, COALESCE(u.name, ''), s.created_at, s.updated_at
	FROM submissions s LEFT JOIN users u ON u.id = s.speaker_id`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var s models.Submission
	err := row.Scan(&s.ID, &s.EventID, &s.SpeakerID, &s.TrackID, &s.FormatID, &s.Title, &s.Abstract, &s.Outline,
		&s.Status, &s.SpeakerName, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, database.NoRows(err, "submission")
	}
	return &s, nil
}

func collect(rows pgx.Rows) ([]models.Submission, error) {
	defer rows.Close()
	list := []models.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// Create inserts a submission with status SUBMITTED.
func (r *Repository) Create(ctx context.Context, s *models.Submission) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO submissions (event_id, speaker_id, track_id, format_id, title, abstract, outline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, status, created_at, updated_at`,
		s.EventID, s.SpeakerID, s.TrackID, s.FormatID, s.Title, s.Abstract, s.Outline,
	).Scan(&s.ID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// GetByID returns a submission with the speaker's name.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	return scanSubmission(r.db.QueryRow(ctx, selectSubmission+` WHERE s.id = $1`, id))
}

// ListBySpeaker returns a speaker's submissions, newest first.
func (r *Repository) ListBySpeaker(ctx context.Context, speakerID uuid.UUID, limit, offset int) ([]models.Submission, int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM submissions WHERE speaker_id = $1`, speakerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}
	rows, err := r.db.Query(ctx, selectSubmission+` WHERE s.speaker_id = $1 ORDER BY s.created_at DESC LIMIT $2 OFFSET $3`,
		speakerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	list, err := collect(rows)
	return list, total, err
}

// Filter narrows an event's submission list.
type Filter struct {
	EventID uuid.UUID
	Status  models.SubmissionStatus
	TrackID *uuid.UUID
	Search  string
	Limit   int
	Offset  int
}

// ListForEvent returns an event's submissions matching f, newest first.
func (r *Repository) ListForEvent(ctx context.Context, f Filter) ([]models.Submission, int64, error) {
	args := []any{f.EventID}
	where := []string{"s.event_id = $1"}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("s.status = $%d", len(args)))
	}
	if f.TrackID != nil {
		args = append(args, *f.TrackID)
		where = append(where, fmt.Sprintf("s.track_id = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		where = append(where, fmt.Sprintf("LOWER(s.title) LIKE $%d", len(args)))
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM submissions s`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}
	args = append(args, f.Limit, f.Offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(`%s%s ORDER BY s.created_at DESC LIMIT $%d OFFSET $%d`,
		selectSubmission, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	list, err := collect(rows)
	return list, total, err
}

// Update rewrites the editable fields. Only SUBMITTED rows change; anything else is a conflict.
func (r *Repository) Update(ctx context.Context, s *models.Submission) error {
	err := r.db.QueryRow(ctx,
		`UPDATE submissions SET title = $2, abstract = $3, outline = $4, track_id = $5, format_id = $6, updated_at = NOW()
		 WHERE id = $1 AND status = 'SUBMITTED'
		 RETURNING updated_at`,
		s.ID, s.Title, s.Abstract, s.Outline, s.TrackID, s.FormatID,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.Conflict("submission can no longer be edited")
		}
		return fmt.Errorf("update submission: %w", err)
	}
	return nil
}

// SetStatus changes the status and returns the previous one.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status models.SubmissionStatus) (models.SubmissionStatus, error) {
	var prev models.SubmissionStatus
	err := r.db.QueryRow(ctx,
		`UPDATE submissions s SET status = $2, updated_at = NOW()
		 FROM (SELECT status FROM submissions WHERE id = $1 FOR UPDATE) old
		 WHERE s.id = $1
		 RETURNING old.status`, id, status,
	).Scan(&prev)
	if err != nil {
		return "", database.NoRows(err, "submission")
	}
	return prev, nil
}
