package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/validation"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool               `json:"success"`
	Data    interface{}        `json:"data,omitempty"`
	Error   string             `json:"error,omitempty"`
	Issues  []validation.Issue `json:"issues,omitempty"`
}

// Page is the pagination metadata returned alongside list data.
type Page struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// Paginated wraps a list with its pagination metadata.
type Paginated struct {
	Items interface{} `json:"items"`
	Meta  Page        `json:"meta"`
}

// NewPage builds pagination metadata.
func NewPage(page, limit int, total int64) Page {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Page{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// PageParams reads ?page and ?limit. Invalid values fall back to 1 and DefaultLimit; limit is capped at MaxLimit.
func PageParams(c *gin.Context) (page, limit int) {
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err = strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// Offset converts page/limit to a SQL offset.
func Offset(page, limit int) int {
	return (page - 1) * limit
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// List sends a 200 paginated response.
func List(c *gin.Context, items interface{}, meta Page) {
	c.JSON(http.StatusOK, Body{Success: true, Data: Paginated{Items: items, Meta: meta}})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err})
}

// Invalid sends 400 with the issue list derived from a binding error.
func Invalid(c *gin.Context, err error) {
	issues := validation.Issues(err)
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: "validation failed", Issues: issues})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Error: err})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err})
}

// Conflict sends 409.
func Conflict(c *gin.Context, err string) {
	c.JSON(http.StatusConflict, Body{Success: false, Error: err})
}

// TooManyRequests sends 429.
func TooManyRequests(c *gin.Context, err string) {
	c.JSON(http.StatusTooManyRequests, Body{Success: false, Error: err})
}

// BadGateway sends 502.
func BadGateway(c *gin.Context, err string) {
	c.JSON(http.StatusBadGateway, Body{Success: false, Error: err})
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) {
	c.JSON(http.StatusServiceUnavailable, Body{Success: false, Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err})
}

// Error maps err to a status via apperror and writes it. 5xx causes are logged, never returned.
func Error(c *gin.Context, logger *zap.Logger, err error) {
	code := apperror.Status(err)
	if code >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			zap.Error(err),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
		)
	}
	c.JSON(code, Body{Success: false, Error: apperror.Message(err)})
}
