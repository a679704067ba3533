package users

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
)

type memStore struct {
	users map[uuid.UUID]*models.User
}

func newMemStore(us ...*models.User) *memStore {
	m := &memStore{users: map[uuid.UUID]*models.User{}}
	for _, u := range us {
		m.users[u.ID] = u
	}
	return m
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, apperror.NotFound("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) List(context.Context, Filter) ([]models.UserPublic, int64, error) {
	var out []models.UserPublic
	for _, u := range m.users {
		out = append(out, u.ToPublic())
	}
	return out, int64(len(out)), nil
}

func (m *memStore) CountByRole(_ context.Context, role models.Role) (int64, error) {
	var n int64
	for _, u := range m.users {
		if u.Role == role {
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpdateRole(_ context.Context, id uuid.UUID, role models.Role) (*models.User, error) {
	m.users[id].Role = role
	cp := *m.users[id]
	return &cp, nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.users, id)
	return nil
}

func newRouter(store Store, actor uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, activity.Discard{}, zap.NewNop())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, actor)
		c.Set(middleware.ContextUserRole, models.RoleAdmin)
		c.Next()
	})
	r.GET("/admin/users", h.List)
	r.PATCH("/admin/users/:id/role", h.UpdateRole)
	r.DELETE("/admin/users/:id", h.Delete)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestLastAdminCannotBeDemoted(t *testing.T) {
	admin := &models.User{ID: uuid.New(), Role: models.RoleAdmin}
	r := newRouter(newMemStore(admin), uuid.New())

	w := do(r, http.MethodPatch, "/admin/users/"+admin.ID.String()+"/role", `{"role":"SPEAKER"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "last admin")
}

func TestAdminCanBeDemotedWhenAnotherExists(t *testing.T) {
	a1 := &models.User{ID: uuid.New(), Role: models.RoleAdmin}
	a2 := &models.User{ID: uuid.New(), Role: models.RoleAdmin}
	store := newMemStore(a1, a2)
	r := newRouter(store, a2.ID)

	w := do(r, http.MethodPatch, "/admin/users/"+a1.ID.String()+"/role", `{"role":"ORGANIZER"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RoleOrganizer, store.users[a1.ID].Role)
}

func TestUpdateRoleValidation(t *testing.T) {
	u := &models.User{ID: uuid.New(), Role: models.RoleUser}
	r := newRouter(newMemStore(u), uuid.New())

	w := do(r, http.MethodPatch, "/admin/users/"+u.ID.String()+"/role", `{"role":"GOD"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"issues"`)

	w = do(r, http.MethodPatch, "/admin/users/not-a-uuid/role", `{"role":"USER"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPatch, "/admin/users/"+uuid.NewString()+"/role", `{"role":"USER"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteGuards(t *testing.T) {
	admin := &models.User{ID: uuid.New(), Role: models.RoleAdmin}
	speaker := &models.User{ID: uuid.New(), Role: models.RoleSpeaker}
	store := newMemStore(admin, speaker)

	w := do(newRouter(store, admin.ID), http.MethodDelete, "/admin/users/"+admin.ID.String(), "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "self delete")

	w = do(newRouter(store, uuid.New()), http.MethodDelete, "/admin/users/"+admin.ID.String(), "")
	assert.Equal(t, http.StatusConflict, w.Code, "last admin")

	w = do(newRouter(store, admin.ID), http.MethodDelete, "/admin/users/"+speaker.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotContains(t, store.users, speaker.ID)
}

func TestListRejectsUnknownRole(t *testing.T) {
	r := newRouter(newMemStore(), uuid.New())
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/admin/users?role=KING", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/admin/users?role=ADMIN", "").Code)
}
