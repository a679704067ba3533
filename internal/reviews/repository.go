package reviews

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/database"
)

// Repository handles review persistence.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a reviews repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// Upsert writes the reviewer's review of a submission, replacing an earlier one.
func (r *Repository) Upsert(ctx context.Context, rv *models.Review) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO reviews (submission_id, reviewer_id, score, comment, recommendation)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (submission_id, reviewer_id) DO UPDATE
		 SET score = EXCLUDED.score, comment = EXCLUDED.comment,
		     recommendation = EXCLUDED.recommendation, updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		rv.SubmissionID, rv.ReviewerID, rv.Score, rv.Comment, rv.Recommendation,
	).Scan(&rv.ID, &rv.CreatedAt, &rv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}
	return nil
}

// ListForSubmission returns every review of a submission with reviewer names, oldest first.
func (r *Repository) ListForSubmission(ctx context.Context, submissionID uuid.UUID) ([]models.Review, error) {
	rows, err := r.db.Query(ctx,
		`SELECT rv.id, rv.submission_id, rv.reviewer_id, COALESCE(u.name, ''), rv.score, rv.comment,
		        rv.recommendation, rv.created_at, rv.updated_at
		 FROM reviews rv LEFT JOIN users u ON u.id = rv.reviewer_id
		 WHERE rv.submission_id = $1
		 ORDER BY rv.created_at`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()
	list := []models.Review{}
	for rows.Next() {
		var rv models.Review
		if err := rows.Scan(&rv.ID, &rv.SubmissionID, &rv.ReviewerID, &rv.ReviewerName, &rv.Score, &rv.Comment,
			&rv.Recommendation, &rv.CreatedAt, &rv.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, rv)
	}
	return list, rows.Err()
}

// HasReviewed reports whether reviewerID has reviewed submissionID.
func (r *Repository) HasReviewed(ctx context.Context, submissionID, reviewerID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM reviews WHERE submission_id = $1 AND reviewer_id = $2)`,
		submissionID, reviewerID).Scan(&ok)
	return ok, err
}
