package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/pkg/apperror"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewPage(t *testing.T) {
	assert.Equal(t, Page{Page: 1, Limit: 20, Total: 0, TotalPages: 0}, NewPage(1, 20, 0))
	assert.Equal(t, Page{Page: 2, Limit: 20, Total: 41, TotalPages: 3}, NewPage(2, 20, 41))
	assert.Equal(t, Page{Page: 1, Limit: 10, Total: 10, TotalPages: 1}, NewPage(1, 10, 10))
}

func TestErrorMapsStatusAndHidesInternals(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{"conflict", apperror.Conflict("plugin already installed"), http.StatusConflict, "plugin already installed"},
		{"upstream", apperror.Upstream("download failed", errors.New("eof")), http.StatusBadGateway, "download failed"},
		{"internal", errors.New("db exploded"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			Error(c, zap.NewNop(), tt.err)

			require.Equal(t, tt.code, w.Code)
			var body Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.message, body.Error)
		})
	}
}

func TestPageParams(t *testing.T) {
	tests := []struct {
		query string
		page  int
		limit int
	}{
		{"", 1, DefaultLimit},
		{"?page=3&limit=10", 3, 10},
		{"?page=-1&limit=abc", 1, DefaultLimit},
		{"?limit=1000", 1, MaxLimit},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
		page, limit := PageParams(c)
		assert.Equal(t, tt.page, page, tt.query)
		assert.Equal(t, tt.limit, limit, tt.query)
	}
	assert.Equal(t, 40, Offset(3, 20))
}
