package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/federation"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/metrics"
	"github.com/cfpforge/backend/pkg/queue"
)

// JobQueue is the part of the Redis queue the processor uses.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration, queues ...string) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) error
}

// SettingsStore reads federation settings and records delivery outcomes.
type SettingsStore interface {
	Get(ctx context.Context) (*models.FederationSettings, error)
	RecordDelivery(ctx context.Context, at time.Time, msg string) error
}

// Deliverer sends one notification to the directory.
type Deliverer interface {
	Deliver(ctx context.Context, s *models.FederationSettings, eventType string, data json.RawMessage, occurredAt time.Time) error
}

// FederationProcessor delivers queued federation notifications: load settings, POST signed, retry on error.
type FederationProcessor struct {
	queue    JobQueue
	settings SettingsStore
	client   Deliverer
	logger   *zap.Logger
	backoff  time.Duration
	now      func() time.Time
}

// NewFederationProcessor creates a federation delivery processor.
func NewFederationProcessor(q JobQueue, settings SettingsStore, client Deliverer, logger *zap.Logger) *FederationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FederationProcessor{queue: q, settings: settings, client: client, logger: logger, backoff: queue.RetryBackoff, now: time.Now}
}

// Process executes one delivery job. Jobs arriving while federation is disabled are dropped.
func (p *FederationProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeFederationDelivery {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.FederationDeliveryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	s, err := p.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !s.Enabled {
		metrics.FederationDeliveries.WithLabelValues(payload.EventType, "dropped").Inc()
		p.logger.Info("federation disabled, dropping delivery", zap.String("job_id", job.ID), zap.String("type", payload.EventType))
		return nil
	}

	if err := p.client.Deliver(ctx, s, payload.EventType, payload.Data, payload.OccurredAt); err != nil {
		metrics.FederationDeliveries.WithLabelValues(payload.EventType, "failed").Inc()
		if rerr := p.settings.RecordDelivery(ctx, p.now(), err.Error()); rerr != nil {
			p.logger.Warn("record delivery failure", zap.Error(rerr))
		}
		return fmt.Errorf("deliver %s: %w", payload.EventType, err)
	}
	metrics.FederationDeliveries.WithLabelValues(payload.EventType, "delivered").Inc()
	if err := p.settings.RecordDelivery(ctx, p.now(), ""); err != nil {
		p.logger.Warn("record delivery", zap.Error(err))
	}
	p.logger.Info("federation delivery completed", zap.String("job_id", job.ID), zap.String("type", payload.EventType))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *FederationProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("federation worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, queue.PollTimeout, queue.QueueFederation)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job, err); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
			continue
		}
		metrics.QueueJobs.WithLabelValues(job.Queue, "done").Inc()
	}
}

func (p *FederationProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var _ Deliverer = (*federation.Client)(nil)
