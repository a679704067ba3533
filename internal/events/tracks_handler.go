package events

import (
	"github.com/gin-gonic/gin"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/response"
)

// TrackRequest is the body for track create and update.
type TrackRequest struct {
	Name        string `json:"name" binding:"required,min=1,max=100"`
	Description string `json:"description" binding:"max=2000"`
}

// FormatRequest is the body for format create and update.
type FormatRequest struct {
	Name            string `json:"name" binding:"required,min=1,max=100"`
	DurationMinutes int    `json:"duration_minutes" binding:"required,min=5,max=480"`
}

// visibleEvent loads :id and hides unpublished events.
func (h *Handler) visibleEvent(c *gin.Context) (*models.Event, bool) {
	id, ok := parseID(c, "id", "event")
	if !ok {
		return nil, false
	}
	e, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, h.logger, err)
		return nil, false
	}
	if !e.Published {
		response.NotFound(c, "event not found")
		return nil, false
	}
	return e, true
}

// ListTracks handles GET /events/:id/tracks.
func (h *Handler) ListTracks(c *gin.Context) {
	e, ok := h.visibleEvent(c)
	if !ok {
		return
	}
	list, err := h.store.ListTracks(c.Request.Context(), e.ID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, list)
}

// CreateTrack handles POST /events/:id/tracks.
func (h *Handler) CreateTrack(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	t := &models.Track{EventID: e.ID, Name: req.Name, Description: req.Description}
	if err := h.store.CreateTrack(c.Request.Context(), t); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, t)
}

// UpdateTrack handles PATCH /events/:id/tracks/:trackId.
func (h *Handler) UpdateTrack(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	trackID, ok := parseID(c, "trackId", "track")
	if !ok {
		return
	}
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	t := &models.Track{ID: trackID, EventID: e.ID, Name: req.Name, Description: req.Description}
	if err := h.store.UpdateTrack(c.Request.Context(), t); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, t)
}

// DeleteTrack handles DELETE /events/:id/tracks/:trackId.
func (h *Handler) DeleteTrack(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	trackID, ok := parseID(c, "trackId", "track")
	if !ok {
		return
	}
	if err := h.store.DeleteTrack(c.Request.Context(), e.ID, trackID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.NoContent(c)
}

// ListFormats handles GET /events/:id/formats.
func (h *Handler) ListFormats(c *gin.Context) {
	e, ok := h.visibleEvent(c)
	if !ok {
		return
	}
	list, err := h.store.ListFormats(c.Request.Context(), e.ID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, list)
}

// CreateFormat handles POST /events/:id/formats.
func (h *Handler) CreateFormat(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	var req FormatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	f := &models.Format{EventID: e.ID, Name: req.Name, DurationMinutes: req.DurationMinutes}
	if err := h.store.CreateFormat(c.Request.Context(), f); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, f)
}

// UpdateFormat handles PATCH /events/:id/formats/:formatId.
func (h *Handler) UpdateFormat(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	formatID, ok := parseID(c, "formatId", "format")
	if !ok {
		return
	}
	var req FormatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	f := &models.Format{ID: formatID, EventID: e.ID, Name: req.Name, DurationMinutes: req.DurationMinutes}
	if err := h.store.UpdateFormat(c.Request.Context(), f); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, f)
}

// DeleteFormat handles DELETE /events/:id/formats/:formatId.
func (h *Handler) DeleteFormat(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	formatID, ok := parseID(c, "formatId", "format")
	if !ok {
		return
	}
	if err := h.store.DeleteFormat(c.Request.Context(), e.ID, formatID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.NoContent(c)
}
