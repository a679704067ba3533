package submissions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
)

type memStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.Submission
}

func (m *memStore) Create(_ context.Context, s *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.Status = models.SubmissionSubmitted
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, apperror.NotFound("submission not found")
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListBySpeaker(_ context.Context, speakerID uuid.UUID, _, _ int) ([]models.Submission, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Submission{}
	for _, s := range m.byID {
		if s.SpeakerID == speakerID {
			out = append(out, *s)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memStore) ListForEvent(_ context.Context, f Filter) ([]models.Submission, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Submission{}
	for _, s := range m.byID {
		if s.EventID == f.EventID && (f.Status == "" || s.Status == f.Status) {
			out = append(out, *s)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memStore) Update(_ context.Context, s *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memStore) SetStatus(_ context.Context, id uuid.UUID, status models.SubmissionStatus) (models.SubmissionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.byID[id].Status
	m.byID[id].Status = status
	return prev, nil
}

type memEvents struct {
	events  map[uuid.UUID]*models.Event
	tracks  map[uuid.UUID]*models.Track
	formats map[uuid.UUID]*models.Format
	members map[uuid.UUID]models.MemberRole
}

func (m *memEvents) MemberRole(_ context.Context, _, userID uuid.UUID) (models.MemberRole, error) {
	return m.members[userID], nil
}

func (m *memEvents) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	if e, ok := m.events[id]; ok {
		return e, nil
	}
	return nil, apperror.NotFound("event not found")
}

func (m *memEvents) GetTrack(_ context.Context, id uuid.UUID) (*models.Track, error) {
	if t, ok := m.tracks[id]; ok {
		return t, nil
	}
	return nil, apperror.NotFound("track not found")
}

func (m *memEvents) GetFormat(_ context.Context, id uuid.UUID) (*models.Format, error) {
	if f, ok := m.formats[id]; ok {
		return f, nil
	}
	return nil, apperror.NotFound("format not found")
}

type spyEmitter struct{ hooks []hooks.Hook }

func (s *spyEmitter) Emit(_ context.Context, h hooks.Hook, _ any) { s.hooks = append(s.hooks, h) }

type spyAnnouncer struct{ kinds []string }

func (s *spyAnnouncer) Announce(_ context.Context, kind string, _ any) {
	s.kinds = append(s.kinds, kind)
}

type fixture struct {
	router    *gin.Engine
	store     *memStore
	events    *memEvents
	emitter   *spyEmitter
	announcer *spyAnnouncer
	event     *models.Event
	closed    *models.Event
	organizer uuid.UUID
	reviewer  uuid.UUID
}

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func asUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader("X-Test-User")); err == nil {
			middleware.SetIdentity(c, middleware.Identity{UserID: id, Role: models.Role(c.GetHeader("X-Test-Role"))})
		}
		c.Next()
	}
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	opens, closes := testNow.Add(-24*time.Hour), testNow.Add(24*time.Hour)
	ended := testNow.Add(-time.Hour)
	f := &fixture{
		store:     &memStore{byID: map[uuid.UUID]*models.Submission{}},
		emitter:   &spyEmitter{},
		announcer: &spyAnnouncer{},
		event:     &models.Event{ID: uuid.New(), Published: true, CFPOpensAt: &opens, CFPClosesAt: &closes},
		closed:    &models.Event{ID: uuid.New(), Published: true, CFPClosesAt: &ended},
		organizer: uuid.New(),
		reviewer:  uuid.New(),
	}
	f.events = &memEvents{
		events:  map[uuid.UUID]*models.Event{f.event.ID: f.event, f.closed.ID: f.closed},
		tracks:  map[uuid.UUID]*models.Track{},
		formats: map[uuid.UUID]*models.Format{},
		members: map[uuid.UUID]models.MemberRole{f.organizer: models.MemberOrganizer, f.reviewer: models.MemberReviewer},
	}
	h := NewHandler(f.store, f.events, f.emitter, f.announcer, activity.Discard{}, zap.NewNop())
	h.now = func() time.Time { return testNow }
	r := gin.New()
	r.Use(asUser())
	r.POST("/submissions", h.Create)
	r.GET("/me/submissions", h.ListMine)
	r.GET("/events/:id/submissions", h.ListForEvent)
	r.GET("/submissions/:id", h.Get)
	r.PATCH("/submissions/:id", h.Update)
	r.POST("/submissions/:id/withdraw", h.Withdraw)
	r.PATCH("/submissions/:id/status", h.SetStatus)
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string, user uuid.UUID, role models.Role) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user.String())
	req.Header.Set("X-Test-Role", string(role))
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) submit(t *testing.T, speaker uuid.UUID, extra string) models.Submission {
	t.Helper()
	body := `{"event_id":"` + f.event.ID.String() + `","title":"Zero-copy parsing","abstract":"How we parse without allocating."` + extra + `}`
	w := f.do(http.MethodPost, "/submissions", body, speaker, models.RoleUser)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out struct {
		Data models.Submission `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Data
}

func TestCreate(t *testing.T) {
	f := newFixture()
	speaker := uuid.New()
	s := f.submit(t, speaker, "")
	assert.Equal(t, models.SubmissionSubmitted, s.Status)
	assert.Equal(t, speaker, s.SpeakerID)
	assert.Equal(t, []hooks.Hook{hooks.SubmissionCreated}, f.emitter.hooks)
}

func TestCreateRequiresOpenCFP(t *testing.T) {
	f := newFixture()
	body := `{"event_id":"` + f.closed.ID.String() + `","title":"Late talk","abstract":"Arrived after the deadline."}`
	w := f.do(http.MethodPost, "/submissions", body, uuid.New(), models.RoleUser)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.event.Published = false
	body = `{"event_id":"` + f.event.ID.String() + `","title":"Draft talk","abstract":"Event is not published."}`
	w = f.do(http.MethodPost, "/submissions", body, uuid.New(), models.RoleUser)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRejectsForeignTrack(t *testing.T) {
	f := newFixture()
	foreign := &models.Track{ID: uuid.New(), EventID: f.closed.ID}
	own := &models.Format{ID: uuid.New(), EventID: f.event.ID}
	f.events.tracks[foreign.ID] = foreign
	f.events.formats[own.ID] = own

	body := `{"event_id":"` + f.event.ID.String() + `","track_id":"` + foreign.ID.String() + `","title":"Wrong track","abstract":"Track belongs elsewhere."}`
	w := f.do(http.MethodPost, "/submissions", body, uuid.New(), models.RoleUser)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s := f.submit(t, uuid.New(), `,"format_id":"`+own.ID.String()+`"`)
	require.NotNil(t, s.FormatID)
	assert.Equal(t, own.ID, *s.FormatID)
}

func TestVisibility(t *testing.T) {
	f := newFixture()
	speaker := uuid.New()
	s := f.submit(t, speaker, "")

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/submissions/"+s.ID.String(), "", speaker, models.RoleUser).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/submissions/"+s.ID.String(), "", f.reviewer, models.RoleReviewer).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/submissions/"+s.ID.String(), "", uuid.New(), models.RoleAdmin).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/submissions/"+s.ID.String(), "", uuid.New(), models.RoleUser).Code)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/events/"+f.event.ID.String()+"/submissions", "", speaker, models.RoleUser).Code)
	w := f.do(http.MethodGet, "/events/"+f.event.ID.String()+"/submissions?status=SUBMITTED", "", f.reviewer, models.RoleReviewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodGet, "/events/"+f.event.ID.String()+"/submissions?status=NOPE", "", f.reviewer, models.RoleReviewer).Code)
}

func TestUpdateOnlyWhileSubmitted(t *testing.T) {
	f := newFixture()
	speaker := uuid.New()
	s := f.submit(t, speaker, "")
	path := "/submissions/" + s.ID.String()
	body := `{"title":"Zero-copy parsing in Go","abstract":"How we parse without allocating at all."}`

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPatch, path, body, f.organizer, models.RoleOrganizer).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPatch, path, body, speaker, models.RoleUser).Code)
	assert.Equal(t, "Zero-copy parsing in Go", f.store.byID[s.ID].Title)

	require.Equal(t, http.StatusOK, f.do(http.MethodPatch, path+"/status", `{"status":"UNDER_REVIEW"}`, f.organizer, models.RoleOrganizer).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPatch, path, body, speaker, models.RoleUser).Code)
}

func TestStatusChanges(t *testing.T) {
	f := newFixture()
	speaker := uuid.New()
	s := f.submit(t, speaker, "")
	path := "/submissions/" + s.ID.String() + "/status"

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPatch, path, `{"status":"ACCEPTED"}`, f.reviewer, models.RoleReviewer).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, path, `{"status":"WITHDRAWN"}`, f.organizer, models.RoleOrganizer).Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPatch, path, `{"status":"ACCEPTED"}`, f.organizer, models.RoleOrganizer).Code)
	assert.Equal(t, models.SubmissionAccepted, f.store.byID[s.ID].Status)
	assert.Equal(t, []string{"submission.accepted"}, f.announcer.kinds)
	assert.Contains(t, f.emitter.hooks, hooks.SubmissionStatusChanged)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/submissions/"+s.ID.String()+"/withdraw", "", speaker, models.RoleUser).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/submissions/"+s.ID.String()+"/withdraw", "", speaker, models.RoleUser).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPatch, path, `{"status":"REJECTED"}`, f.organizer, models.RoleOrganizer).Code)
}
