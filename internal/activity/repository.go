package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/database"
)

// Filter narrows an activity log listing.
type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}

// Repository handles activity_logs persistence.
type Repository struct {
	db database.DBTX
}

// NewRepository creates an activity log repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// Insert stores one entry.
func (r *Repository) Insert(ctx context.Context, e *models.ActivityLog) error {
	meta := e.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	const q = `INSERT INTO activity_logs (actor_id, action, entity_type, entity_id, metadata, ip)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	return r.db.QueryRow(ctx, q, e.ActorID, e.Action, e.EntityType, e.EntityID, meta, e.IP).Scan(&e.ID, &e.CreatedAt)
}

// List returns entries matching f, newest first, with the total match count.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.ActivityLog, int64, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM activity_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	q := fmt.Sprintf(`SELECT id, actor_id, action, entity_type, entity_id, metadata, ip, created_at
		FROM activity_logs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []models.ActivityLog{}
	for rows.Next() {
		var e models.ActivityLog
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &e.Metadata, &e.IP, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		list = append(list, e)
	}
	return list, total, rows.Err()
}
