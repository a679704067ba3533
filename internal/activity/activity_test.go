package activity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/models"
)

type fakeRepo struct {
	inserted []*models.ActivityLog
	err      error
	filter   Filter
	rows     []models.ActivityLog
	total    int64
}

func (f *fakeRepo) Insert(_ context.Context, e *models.ActivityLog) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, e)
	return nil
}

func (f *fakeRepo) List(_ context.Context, filter Filter) ([]models.ActivityLog, int64, error) {
	f.filter = filter
	return f.rows, f.total, f.err
}

func TestLogRecordMarshalsMetadata(t *testing.T) {
	repo := &fakeRepo{}
	NewLog(repo, zap.NewNop()).Record(context.Background(), Entry{
		Action:     ActionPluginInstalled,
		EntityType: "plugin",
		EntityID:   "webhook-relay",
		Metadata:   map[string]any{"version": "1.0.0"},
	})

	require.Len(t, repo.inserted, 1)
	assert.JSONEq(t, `{"version":"1.0.0"}`, string(repo.inserted[0].Metadata))
}

func TestLogRecordSwallowsErrors(t *testing.T) {
	repo := &fakeRepo{err: errors.New("db down")}
	assert.NotPanics(t, func() {
		NewLog(repo, zap.NewNop()).Record(context.Background(), Entry{Action: ActionUserDeleted})
	})
}

func TestHandlerListPaginates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := &fakeRepo{rows: []models.ActivityLog{{Action: ActionPluginEnabled}}, total: 41}
	r := gin.New()
	r.GET("/admin/activity", NewHandler(repo, zap.NewNop()).List)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/activity?page=2&limit=20&action=plugin.enabled", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Filter{Action: "plugin.enabled", Limit: 20, Offset: 20}, repo.filter)

	var body struct {
		Data struct {
			Items []models.ActivityLog `json:"items"`
			Meta  struct {
				Page       int   `json:"page"`
				Total      int64 `json:"total"`
				TotalPages int   `json:"total_pages"`
			} `json:"meta"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data.Items, 1)
	assert.Equal(t, 2, body.Data.Meta.Page)
	assert.Equal(t, int64(41), body.Data.Meta.Total)
	assert.Equal(t, 3, body.Data.Meta.TotalPages)
}
