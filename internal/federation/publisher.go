package federation

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/metrics"
	"github.com/cfpforge/backend/pkg/queue"
)

// Announced event types forwarded to the directory.
const (
	TypeEventPublished     = "event.published"
	TypeEventUnpublished   = "event.unpublished"
	TypeSubmissionAccepted = "submission.accepted"
)

var forwarded = map[string]bool{
	TypeEventPublished:     true,
	TypeEventUnpublished:   true,
	TypeSubmissionAccepted: true,
}

// SettingsReader loads the current federation settings.
type SettingsReader interface {
	Get(ctx context.Context) (*models.FederationSettings, error)
}

// Enqueuer puts a delivery on the job queue.
type Enqueuer interface {
	EnqueueFederationDelivery(ctx context.Context, payload queue.FederationDeliveryPayload) error
}

// Publisher queues announcements for the worker while federation is enabled.
// Failures are logged and never reach the request that triggered them.
type Publisher struct {
	settings SettingsReader
	queue    Enqueuer
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(settings SettingsReader, q Enqueuer, logger *zap.Logger) *Publisher {
	return &Publisher{settings: settings, queue: q, logger: logger, now: time.Now}
}

// Announce implements events.Announcer.
func (p *Publisher) Announce(ctx context.Context, kind string, data any) {
	if !forwarded[kind] {
		return
	}
	s, err := p.settings.Get(ctx)
	if err != nil {
		p.logger.Warn("federation settings unavailable", zap.String("type", kind), zap.Error(err))
		return
	}
	if !s.Enabled {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		p.logger.Error("marshal federation payload", zap.String("type", kind), zap.Error(err))
		return
	}
	payload := queue.FederationDeliveryPayload{EventType: kind, Data: raw, OccurredAt: p.now().UTC()}
	if err := p.queue.EnqueueFederationDelivery(context.WithoutCancel(ctx), payload); err != nil {
		metrics.FederationDeliveries.WithLabelValues(kind, "enqueue_failed").Inc()
		p.logger.Error("enqueue federation delivery", zap.String("type", kind), zap.Error(err))
		return
	}
	metrics.FederationDeliveries.WithLabelValues(kind, "queued").Inc()
}
