package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/queue"
	"github.com/cfpforge/backend/pkg/webhook"
)

type memSettings struct {
	mu sync.Mutex
	s  models.FederationSettings
}

func (m *memSettings) Get(context.Context) (*models.FederationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.s
	return &cp, nil
}

func (m *memSettings) Save(_ context.Context, s *models.FederationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now()
	m.s = *s
	return nil
}

type memListings struct {
	mu       sync.Mutex
	listings map[uuid.UUID]*string
}

func (m *memListings) SetFederationListing(_ context.Context, id uuid.UUID, listingID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[id]; !ok {
		return apperror.NotFound("event not found")
	}
	m.listings[id] = listingID
	return nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context, *models.FederationSettings) error { return p.err }

func enabledSettings() models.FederationSettings {
	return models.FederationSettings{Enabled: true, DirectoryURL: "https://dir.test", APIKey: "key-123456", WebhookSecret: "whsec-abcdef"}
}

func newRouter(store Store, listings Listings, pinger Pinger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, listings, pinger, activity.Discard{}, 5*time.Minute, zap.NewNop())
	r := gin.New()
	r.GET("/admin/federation", h.Get)
	r.PUT("/admin/federation", h.Update)
	r.POST("/admin/federation/test", h.Test)
	r.POST("/webhooks/federation", h.Webhook)
	return r
}

func signedWebhook(t *testing.T, secret string, at time.Time, env Envelope) *http.Request {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/federation", strings.NewReader(string(body)))
	webhook.SetHeaders(req, secret, at, body)
	return req
}

func TestSettingsAreMasked(t *testing.T) {
	store := &memSettings{s: enabledSettings()}
	r := newRouter(store, &memListings{}, stubPinger{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/federation", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "key-123456")
	assert.Contains(t, w.Body.String(), `"api_key":"****3456"`)
	assert.Contains(t, w.Body.String(), `"has_webhook_secret":true`)
}

func TestUpdateKeepsMaskedCredentials(t *testing.T) {
	store := &memSettings{s: enabledSettings()}
	r := newRouter(store, &memListings{}, stubPinger{})

	body := `{"directory_url":"https://other.test/","api_key":"****3456","webhook_secret":"new-secret"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/admin/federation", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	s, _ := store.Get(context.Background())
	assert.Equal(t, "https://other.test", s.DirectoryURL)
	assert.Equal(t, "key-123456", s.APIKey)
	assert.Equal(t, "new-secret", s.WebhookSecret)
}

func TestUpdateRejectsEnableWithoutCredentials(t *testing.T) {
	r := newRouter(&memSettings{}, &memListings{}, stubPinger{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/admin/federation", strings.NewReader(`{"enabled":true}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectionTest(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"unreachable", errors.New("dial tcp: refused"), http.StatusBadGateway},
		{"not configured", ErrNotConfigured, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&memSettings{s: enabledSettings()}, &memListings{}, stubPinger{err: tt.err})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/federation/test", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestWebhookListingLifecycle(t *testing.T) {
	eventID := uuid.New()
	listings := &memListings{listings: map[uuid.UUID]*string{eventID: nil}}
	r := newRouter(&memSettings{s: enabledSettings()}, listings, stubPinger{})
	now := time.Now()

	data, _ := json.Marshal(map[string]any{"event_id": eventID, "listing_id": "lst_42"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(t, "whsec-abcdef", now, Envelope{Type: TypeListingApproved, Data: data}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, listings.listings[eventID])
	assert.Equal(t, "lst_42", *listings.listings[eventID])

	data, _ = json.Marshal(map[string]any{"event_id": eventID})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(t, "whsec-abcdef", now, Envelope{Type: TypeListingRemoved, Data: data}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, listings.listings[eventID])

	data, _ = json.Marshal(map[string]any{"event_id": uuid.New(), "listing_id": "x"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(t, "whsec-abcdef", now, Envelope{Type: TypeListingApproved, Data: data}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookVerification(t *testing.T) {
	r := newRouter(&memSettings{s: enabledSettings()}, &memListings{}, stubPinger{})
	now := time.Now()

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"ping", signedWebhook(t, "whsec-abcdef", now, Envelope{Type: TypePing}), http.StatusOK},
		{"unknown type is acknowledged", signedWebhook(t, "whsec-abcdef", now, Envelope{Type: "directory.reindexed"}), http.StatusOK},
		{"wrong secret", signedWebhook(t, "nope", now, Envelope{Type: TypePing}), http.StatusUnauthorized},
		{"stale", signedWebhook(t, "whsec-abcdef", now.Add(-6*time.Minute), Envelope{Type: TypePing}), http.StatusUnauthorized},
		{"unsigned", httptest.NewRequest(http.MethodPost, "/webhooks/federation", strings.NewReader(`{"type":"ping"}`)), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, tt.req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestWebhookDisabled(t *testing.T) {
	r := newRouter(&memSettings{}, &memListings{}, stubPinger{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(t, "x", time.Now(), Envelope{Type: TypePing}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClientDeliverSignsBody(t *testing.T) {
	var (
		gotAuth string
		gotErr  error
		gotEnv  Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		gotErr = webhook.Verify("whsec-abcdef", r.Header, body, time.Now(), time.Minute)
		_ = json.Unmarshal(body, &gotEnv)
		assert.Equal(t, WebhooksPath, r.URL.Path)
	}))
	defer srv.Close()

	s := enabledSettings()
	s.DirectoryURL = srv.URL + "/"
	c := NewClient(time.Second, "https://cfp.example", zap.NewNop())
	err := c.Deliver(context.Background(), &s, TypeEventPublished, json.RawMessage(`{"slug":"gophercon"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Bearer key-123456", gotAuth)
	assert.NoError(t, gotErr)
	assert.Equal(t, TypeEventPublished, gotEnv.Type)
	assert.Equal(t, "https://cfp.example", gotEnv.Instance)
	assert.JSONEq(t, `{"slug":"gophercon"}`, string(gotEnv.Data))
}

func TestClientCircuitOpensAfterFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := enabledSettings()
	s.DirectoryURL = srv.URL
	c := NewClient(time.Second, "", zap.NewNop())
	for i := 0; i < 5; i++ {
		err := c.Deliver(context.Background(), &s, TypeEventPublished, nil, time.Now())
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	err := c.Deliver(context.Background(), &s, TypeEventPublished, nil, time.Now())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, calls)
}

func TestClientRequiresSettings(t *testing.T) {
	c := NewClient(time.Second, "", zap.NewNop())
	assert.ErrorIs(t, c.Ping(context.Background(), &models.FederationSettings{}), ErrNotConfigured)
}

type spyQueue struct {
	mu   sync.Mutex
	jobs []queue.FederationDeliveryPayload
}

func (q *spyQueue) EnqueueFederationDelivery(_ context.Context, p queue.FederationDeliveryPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, p)
	return nil
}

func TestPublisherOnlyQueuesWhenEnabled(t *testing.T) {
	q := &spyQueue{}
	store := &memSettings{}
	p := NewPublisher(store, q, zap.NewNop())
	ctx := context.Background()

	p.Announce(ctx, TypeEventPublished, map[string]string{"slug": "a"})
	assert.Empty(t, q.jobs)

	store.s = enabledSettings()
	p.Announce(ctx, TypeEventPublished, map[string]string{"slug": "a"})
	p.Announce(ctx, "event.deleted", nil)
	p.Announce(ctx, TypeSubmissionAccepted, map[string]string{"title": "t"})
	require.Len(t, q.jobs, 2)
	assert.Equal(t, TypeEventPublished, q.jobs[0].EventType)
	assert.JSONEq(t, `{"slug":"a"}`, string(q.jobs[0].Data))
	assert.Equal(t, TypeSubmissionAccepted, q.jobs[1].EventType)
}
