package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, nil), mr
}

func TestEnqueueDequeueFederationDelivery(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	err := q.EnqueueFederationDelivery(ctx, FederationDeliveryPayload{
		EventType: "event.published",
		Data:      json.RawMessage(`{"slug":"gophercon"}`),
	})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second, QueueFederation)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeFederationDelivery, job.Type)
	assert.Equal(t, QueueFederation, job.Queue)
	assert.Equal(t, 0, job.Attempt)

	var payload FederationDeliveryPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "event.published", payload.EventType)
	assert.JSONEq(t, `{"slug":"gophercon"}`, string(payload.Data))
}

func TestDequeueSkipsMalformedJob(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.Lpush(QueueFederation, "not json")
	require.NoError(t, err)

	job, err := q.Dequeue(context.Background(), time.Second, QueueFederation)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryRequeuesThenDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, QueueFederation, JobTypeFederationDelivery, map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second, QueueFederation)
	require.NoError(t, err)

	cause := errors.New("directory returned 503")
	for i := 1; i < MaxRetries; i++ {
		require.NoError(t, q.Retry(ctx, job, cause))
		n, err := q.Len(ctx, QueueFederation)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "attempt %d should be requeued", i)
		job, err = q.Dequeue(ctx, time.Second, QueueFederation)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, i, job.Attempt)
		assert.Equal(t, cause.Error(), job.LastError)
	}

	require.NoError(t, q.Retry(ctx, job, cause))
	pending, err := q.Len(ctx, QueueFederation)
	require.NoError(t, err)
	assert.Zero(t, pending)
	dead, err := q.Len(ctx, QueueDLQ)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}
