package auth

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
	"github.com/cfpforge/backend/internal/users"
	"github.com/cfpforge/backend/pkg/apperror"
)

type memUsers struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.User
}

func newMemUsers() *memUsers { return &memUsers{byID: map[uuid.UUID]*models.User{}} }

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, apperror.NotFound("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == users.NormalizeEmail(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperror.NotFound("user not found")
}

func (m *memUsers) Create(_ context.Context, email, hash, name string, role models.Role) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == users.NormalizeEmail(email) {
			return nil, apperror.Conflict("email already registered")
		}
	}
	u := &models.User{ID: uuid.New(), Email: users.NormalizeEmail(email), PasswordHash: hash, Name: name, Role: role, CreatedAt: time.Now()}
	m.byID[u.ID] = u
	return u, nil
}

func (m *memUsers) UpdateProfile(_ context.Context, id uuid.UUID, name, bio, phone *string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.byID[id]
	if name != nil {
		u.Name = *name
	}
	if bio != nil {
		u.Bio = *bio
	}
	if phone != nil {
		u.Phone = *phone
	}
	cp := *u
	return &cp, nil
}

type recordingEmitter struct {
	mu    sync.Mutex
	hooks []hooks.Hook
}

func (r *recordingEmitter) Emit(_ context.Context, h hooks.Hook, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

func postJSON(r http.Handler, path, body, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func newAuthRouter(store *memUsers, emitter hooks.Emitter) (*gin.Engine, *JWTService) {
	gin.SetMode(gin.TestMode)
	jwtSvc := NewJWTService("test-secret", 1)
	h := NewHandler(store, jwtSvc, emitter, activity.Discard{}, zap.NewNop())
	r := gin.New()
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	me := r.Group("/auth/me", middleware.JWT(NewAuthenticator(jwtSvc, store)))
	me.GET("", h.Me)
	me.PATCH("", h.UpdateMe)
	return r, jwtSvc
}

func TestRegisterLoginMe(t *testing.T) {
	store := newMemUsers()
	emitter := &recordingEmitter{}
	r, _ := newAuthRouter(store, emitter)

	w := postJSON(r, "/auth/register", `{"email":"Ada@Example.com","password":"lovelace123","name":"Ada"}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []hooks.Hook{hooks.UserRegistered}, emitter.hooks)

	w = postJSON(r, "/auth/register", `{"email":"ada@example.com","password":"lovelace123","name":"Ada"}`, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postJSON(r, "/auth/login", `{"email":"ada@example.com","password":"wrong-password"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = postJSON(r, "/auth/login", `{"email":"nobody@example.com","password":"whatever1"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(r, "/auth/login", `{"email":"ada@example.com","password":"lovelace123"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.RoleUser, body.Data.User.Role)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/auth/me", bytes.NewBufferString(`{"phone":"+1 555 0100","bio":"math"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+body.Data.Token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"phone":"+1 555 0100"`)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+body.Data.Token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bio":"math"`)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newAuthRouter(newMemUsers(), hooks.Nop{})
	w := postJSON(r, "/auth/register", `{"email":"not-an-email","password":"short","name":""}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"email"`)
	assert.Contains(t, w.Body.String(), `"field":"password"`)
}

func TestAuthenticatorRejectsDeletedUser(t *testing.T) {
	store := newMemUsers()
	r, jwtSvc := newAuthRouter(store, hooks.Nop{})
	token, err := jwtSvc.Generate(uuid.New(), "ghost@example.com", "ADMIN")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticatorUsesCurrentRole(t *testing.T) {
	store := newMemUsers()
	u, _ := store.Create(context.Background(), "r@example.com", "x", "R", models.RoleReviewer)
	jwtSvc := NewJWTService("s", 1)
	token, err := jwtSvc.Generate(u.ID, u.Email, "ADMIN")
	require.NoError(t, err)

	id, err := NewAuthenticator(jwtSvc, store).Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleReviewer, id.Role)
}

func TestJWTExpiry(t *testing.T) {
	svc := NewJWTService("s", 1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	token, err := svc.Generate(uuid.New(), "a@example.com", "USER")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewJWTService("other", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type memSetup struct {
	mu    sync.Mutex
	users *memUsers
	done  bool
}

func (m *memSetup) Completed(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done, nil
}

func (m *memSetup) CompleteSetup(ctx context.Context, p SetupParams) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil, apperror.Conflict("setup already completed")
	}
	u, err := m.users.Create(ctx, p.Email, p.PasswordHash, p.Name, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	m.done = true
	return u, nil
}

func TestSetupOnlyOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &memSetup{users: newMemUsers()}
	h := NewSetupHandler(store, NewJWTService("s", 1), hooks.Nop{}, activity.Discard{}, zap.NewNop())
	r := gin.New()
	r.GET("/setup/status", h.Status)
	r.POST("/setup", h.Setup)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/setup/status", nil))
	assert.Contains(t, w.Body.String(), `"completed":false`)

	body := `{"email":"root@example.com","password":"supersecret","name":"Root","site_name":"GopherCon CFP"}`
	w = postJSON(r, "/setup", body, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"role":"ADMIN"`)

	w = postJSON(r, "/setup", body, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/setup/status", nil))
	assert.Contains(t, w.Body.String(), `"completed":true`)
}
