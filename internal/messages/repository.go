package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/database"
)

// Repository handles message persistence.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a messages repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// Create inserts a message.
func (r *Repository) Create(ctx context.Context, m *models.Message) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO messages (submission_id, sender_id, body) VALUES ($1, $2, $3) RETURNING id, created_at`,
		m.SubmissionID, m.SenderID, m.Body,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// List returns a submission's thread, oldest first.
func (r *Repository) List(ctx context.Context, submissionID uuid.UUID) ([]models.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT m.id, m.submission_id, m.sender_id, COALESCE(u.name, ''), m.body, m.read_at, m.created_at
		 FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		 WHERE m.submission_id = $1
		 ORDER BY m.created_at`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	list := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SubmissionID, &m.SenderID, &m.SenderName, &m.Body, &m.ReadAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// MarkRead marks every unread message in the thread not sent by readerID as read. Returns how many changed.
func (r *Repository) MarkRead(ctx context.Context, submissionID, readerID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET read_at = $3 WHERE submission_id = $1 AND sender_id <> $2 AND read_at IS NULL`,
		submissionID, readerID, at)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return tag.RowsAffected(), nil
}
