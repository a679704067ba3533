package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/queue"
)

type fakeSettings struct {
	mu       sync.Mutex
	s        models.FederationSettings
	recorded []string
}

func (f *fakeSettings) Get(context.Context) (*models.FederationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.s
	return &cp, nil
}

func (f *fakeSettings) RecordDelivery(_ context.Context, _ time.Time, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, msg)
	return nil
}

func (f *fakeSettings) outcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recorded...)
}

type fakeDeliverer struct {
	mu    sync.Mutex
	err   error
	types []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ *models.FederationSettings, eventType string, _ json.RawMessage, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types = append(d.types, eventType)
	return d.err
}

func (d *fakeDeliverer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.types)
}

func deliveryJob(t *testing.T, eventType string) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(queue.FederationDeliveryPayload{EventType: eventType, Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Type: queue.JobTypeFederationDelivery, Queue: queue.QueueFederation, Payload: raw}
}

func enabled() models.FederationSettings {
	return models.FederationSettings{Enabled: true, DirectoryURL: "https://dir.test", APIKey: "k", WebhookSecret: "s"}
}

func TestProcessDropsWhenDisabled(t *testing.T) {
	settings := &fakeSettings{}
	d := &fakeDeliverer{}
	p := NewFederationProcessor(nil, settings, d, zap.NewNop())

	require.NoError(t, p.Process(context.Background(), deliveryJob(t, "event.published")))
	assert.Zero(t, d.calls())
	assert.Empty(t, settings.outcomes())
}

func TestProcessRecordsOutcome(t *testing.T) {
	settings := &fakeSettings{s: enabled()}
	d := &fakeDeliverer{}
	p := NewFederationProcessor(nil, settings, d, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, deliveryJob(t, "event.published")))
	assert.Equal(t, []string{""}, settings.outcomes())

	d.err = errors.New("directory down")
	err := p.Process(ctx, deliveryJob(t, "submission.accepted"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory down")
	assert.Equal(t, []string{"", "directory down"}, settings.outcomes())
	assert.Equal(t, []string{"event.published", "submission.accepted"}, d.types)
}

func TestProcessRejectsUnknownJob(t *testing.T) {
	p := NewFederationProcessor(nil, &fakeSettings{s: enabled()}, &fakeDeliverer{}, nil)
	err := p.Process(context.Background(), &queue.Job{Type: "transcode"})
	assert.Error(t, err)

	err = p.Process(context.Background(), &queue.Job{Type: queue.JobTypeFederationDelivery, Payload: json.RawMessage(`"nope"`)})
	assert.Error(t, err)
}

type chanQueue struct {
	jobs    chan *queue.Job
	mu      sync.Mutex
	retried []*queue.Job
}

func (q *chanQueue) Dequeue(ctx context.Context, timeout time.Duration, _ ...string) (*queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case j := <-q.jobs:
		return j, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (q *chanQueue) Retry(_ context.Context, job *queue.Job, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, job)
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	q := &chanQueue{jobs: make(chan *queue.Job, 2)}
	d := &fakeDeliverer{}
	p := NewFederationProcessor(q, &fakeSettings{s: enabled()}, d, zap.NewNop())

	q.jobs <- deliveryJob(t, "event.published")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Empty(t, q.retried)
}

func TestRunRetriesThenDeadLetters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewQueue(client, nil)

	d := &fakeDeliverer{err: errors.New("503")}
	p := NewFederationProcessor(q, &fakeSettings{s: enabled()}, d, zap.NewNop())
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.EnqueueFederationDelivery(ctx, queue.FederationDeliveryPayload{EventType: "event.published"}))

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background(), queue.QueueDLQ)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, queue.MaxRetries, d.calls())

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}
