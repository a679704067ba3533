package activity

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
)

// Action names written to the activity log.
const (
	ActionSetupCompleted     = "setup.completed"
	ActionUserRegistered     = "user.registered"
	ActionUserRoleChanged    = "user.role_changed"
	ActionUserDeleted        = "user.deleted"
	ActionInvitationCreated  = "invitation.created"
	ActionInvitationRevoked  = "invitation.revoked"
	ActionInvitationAccepted = "invitation.accepted"
	ActionEventPublished     = "event.published"
	ActionEventUnpublished   = "event.unpublished"
	ActionEventDeleted       = "event.deleted"
	ActionSubmissionStatus   = "submission.status_changed"
	ActionPluginInstalled    = "plugin.installed"
	ActionPluginUpdated      = "plugin.updated"
	ActionPluginEnabled      = "plugin.enabled"
	ActionPluginDisabled     = "plugin.disabled"
	ActionPluginUninstalled  = "plugin.uninstalled"
	ActionPluginConfigured   = "plugin.configured"
	ActionFederationUpdated  = "federation.updated"
	ActionSettingsUpdated    = "settings.updated"
)

// Entry is one thing to record.
type Entry struct {
	ActorID    *uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
	IP         string
}

// Recorder writes activity entries. Failures are logged and never returned to the caller.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

type inserter interface {
	Insert(ctx context.Context, e *models.ActivityLog) error
}

// Log is the Recorder backed by the activity_logs table.
type Log struct {
	repo   inserter
	logger *zap.Logger
}

// NewLog creates a Recorder.
func NewLog(repo inserter, logger *zap.Logger) *Log {
	return &Log{repo: repo, logger: logger}
}

func (l *Log) Record(ctx context.Context, e Entry) {
	meta := json.RawMessage(`{}`)
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err == nil {
			meta = b
		}
	}
	row := &models.ActivityLog{
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Metadata:   meta,
		IP:         e.IP,
	}
	if err := l.repo.Insert(ctx, row); err != nil {
		l.logger.Warn("activity log write failed", zap.String("action", e.Action), zap.Error(err))
	}
}

// FromRequest fills actor and IP from the gin context.
func FromRequest(c *gin.Context, action, entityType, entityID string, meta map[string]any) Entry {
	e := Entry{Action: action, EntityType: entityType, EntityID: entityID, Metadata: meta, IP: c.ClientIP()}
	if id, ok := middleware.CurrentUser(c); ok {
		uid := id.UserID
		e.ActorID = &uid
	}
	return e
}

// Discard drops entries.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
