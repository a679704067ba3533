package events

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/database"
)

// Repository handles events, event_members, tracks and formats persistence.
type Repository struct {
	db database.DBTX
}

// NewRepository creates an events repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

const eventColumns = `id, slug, name, description, location, starts_at, ends_at, cfp_opens_at, cfp_closes_at,
	published, created_by, federation_listing_id, created_at, updated_at`

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	err := row.Scan(&e.ID, &e.Slug, &e.Name, &e.Description, &e.Location, &e.StartsAt, &e.EndsAt,
		&e.CFPOpensAt, &e.CFPClosesAt, &e.Published, &e.CreatedBy, &e.FederationListingID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, database.NoRows(err, "event")
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]models.Event, error) {
	defer rows.Close()
	list := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// Create inserts an event. A taken slug maps to 409.
func (r *Repository) Create(ctx context.Context, e *models.Event) error {
	const q = `INSERT INTO events (slug, name, description, location, starts_at, ends_at, cfp_opens_at, cfp_closes_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + eventColumns
	created, err := scanEvent(r.db.QueryRow(ctx, q, e.Slug, e.Name, e.Description, e.Location,
		e.StartsAt, e.EndsAt, e.CFPOpensAt, e.CFPClosesAt, e.CreatedBy))
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("slug already in use")
	}
	if err != nil {
		return err
	}
	*e = *created
	return nil
}

// GetByID returns an event by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
}

// GetBySlug returns an event by slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.Event, error) {
	return scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE slug = $1`, slug))
}

// ListPublished returns published events, soonest first.
func (r *Repository) ListPublished(ctx context.Context, limit, offset int) ([]models.Event, int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE published`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE published
		ORDER BY starts_at NULLS LAST, name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	list, err := collectEvents(rows)
	return list, total, err
}

// ListForMember returns events the user belongs to; all events when all is true.
func (r *Repository) ListForMember(ctx context.Context, userID uuid.UUID, all bool, limit, offset int) ([]models.Event, int64, error) {
	const where = ` WHERE $1 OR id IN (SELECT event_id FROM event_members WHERE user_id = $2)`
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM events`+where, all, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+eventColumns+` FROM events`+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, all, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	list, err := collectEvents(rows)
	return list, total, err
}

// Update writes the editable fields of e.
func (r *Repository) Update(ctx context.Context, e *models.Event) error {
	const q = `UPDATE events SET slug = $2, name = $3, description = $4, location = $5,
		starts_at = $6, ends_at = $7, cfp_opens_at = $8, cfp_closes_at = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + eventColumns
	updated, err := scanEvent(r.db.QueryRow(ctx, q, e.ID, e.Slug, e.Name, e.Description, e.Location,
		e.StartsAt, e.EndsAt, e.CFPOpensAt, e.CFPClosesAt))
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("slug already in use")
	}
	if err != nil {
		return err
	}
	*e = *updated
	return nil
}

// SetPublished flips the published flag.
func (r *Repository) SetPublished(ctx context.Context, id uuid.UUID, published bool) (*models.Event, error) {
	return scanEvent(r.db.QueryRow(ctx, `UPDATE events SET published = $2, updated_at = NOW()
		WHERE id = $1 RETURNING `+eventColumns, id, published))
}

// SetFederationListing records or clears the directory listing id.
func (r *Repository) SetFederationListing(ctx context.Context, id uuid.UUID, listingID *string) error {
	tag, err := r.db.Exec(ctx, `UPDATE events SET federation_listing_id = $2, updated_at = NOW() WHERE id = $1`, id, listingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("event not found")
	}
	return nil
}

// Delete removes an event and, by cascade, its submissions.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("event not found")
	}
	return nil
}

// Stats aggregates submission and review counts.
func (r *Repository) Stats(ctx context.Context, id uuid.UUID) (*models.EventStats, error) {
	s := &models.EventStats{EventID: id, ByStatus: map[string]int64{}, ByTrack: map[string]int64{}}

	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM submissions WHERE event_id = $1 GROUP BY status`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ByStatus[status] = n
		s.TotalSubmissions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Query(ctx, `SELECT COALESCE(t.name, 'none'), COUNT(*) FROM submissions s
		LEFT JOIN tracks t ON t.id = s.track_id WHERE s.event_id = $1 GROUP BY 1`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ByTrack[name] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const q = `SELECT
		(SELECT COUNT(*) FROM reviews rv JOIN submissions s ON s.id = rv.submission_id WHERE s.event_id = $1),
		(SELECT COALESCE(AVG(rv.score), 0) FROM reviews rv JOIN submissions s ON s.id = rv.submission_id WHERE s.event_id = $1),
		(SELECT COUNT(*) FROM submissions s WHERE s.event_id = $1 AND s.status <> 'WITHDRAWN'
			AND NOT EXISTS (SELECT 1 FROM reviews rv WHERE rv.submission_id = s.id)),
		(SELECT COUNT(DISTINCT speaker_id) FROM submissions WHERE event_id = $1),
		(SELECT COUNT(*) FROM event_members WHERE event_id = $1)`
	err = r.db.QueryRow(ctx, q, id).Scan(&s.TotalReviews, &s.AverageScore, &s.UnreviewedCount, &s.DistinctSpeakers, &s.TeamMembers)
	if err != nil {
		return nil, err
	}
	return s, nil
}
