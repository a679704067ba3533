package submissions

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/events"
	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/response"
)

// Store is the submission persistence the handler needs.
type Store interface {
	Create(ctx context.Context, s *models.Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListBySpeaker(ctx context.Context, speakerID uuid.UUID, limit, offset int) ([]models.Submission, int64, error)
	ListForEvent(ctx context.Context, f Filter) ([]models.Submission, int64, error)
	Update(ctx context.Context, s *models.Submission) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.SubmissionStatus) (models.SubmissionStatus, error)
}

// EventReader looks up the event side of a submission.
type EventReader interface {
	events.MemberLookup
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetTrack(ctx context.Context, id uuid.UUID) (*models.Track, error)
	GetFormat(ctx context.Context, id uuid.UUID) (*models.Format, error)
}

// StatusChange is the payload of the submission.status_changed hook.
type StatusChange struct {
	Submission     *models.Submission      `json:"submission"`
	PreviousStatus models.SubmissionStatus `json:"previous_status"`
}

// Handler serves submission endpoints.
type Handler struct {
	store     Store
	events    EventReader
	access    *events.Access
	hooks     hooks.Emitter
	announcer events.Announcer
	activity  activity.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a submissions handler.
func NewHandler(store Store, ev EventReader, emitter hooks.Emitter, announcer events.Announcer,
	rec activity.Recorder, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		events:    ev,
		access:    events.NewAccess(ev),
		hooks:     emitter,
		announcer: announcer,
		activity:  rec,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRequest is the body for POST /submissions.
type CreateRequest struct {
	EventID  uuid.UUID  `json:"event_id" binding:"required"`
	TrackID  *uuid.UUID `json:"track_id"`
	FormatID *uuid.UUID `json:"format_id"`
	Title    string     `json:"title" binding:"required,min=3,max=200"`
	Abstract string     `json:"abstract" binding:"required,min=10,max=5000"`
	Outline  string     `json:"outline" binding:"max=10000"`
}

// UpdateRequest is the body for PATCH /submissions/:id.
type UpdateRequest struct {
	TrackID  *uuid.UUID `json:"track_id"`
	FormatID *uuid.UUID `json:"format_id"`
	Title    string     `json:"title" binding:"required,min=3,max=200"`
	Abstract string     `json:"abstract" binding:"required,min=10,max=5000"`
	Outline  string     `json:"outline" binding:"max=10000"`
}

// StatusRequest is the body for PATCH /submissions/:id/status.
type StatusRequest struct {
	Status models.SubmissionStatus `json:"status" binding:"required,oneof=SUBMITTED UNDER_REVIEW ACCEPTED REJECTED WAITLISTED"`
}

// checkTrackFormat ensures the chosen track and format belong to the event.
func (h *Handler) checkTrackFormat(ctx context.Context, eventID uuid.UUID, trackID, formatID *uuid.UUID) error {
	if trackID != nil {
		t, err := h.events.GetTrack(ctx, *trackID)
		if err != nil || t.EventID != eventID {
			return apperror.BadRequest("track does not belong to this event")
		}
	}
	if formatID != nil {
		f, err := h.events.GetFormat(ctx, *formatID)
		if err != nil || f.EventID != eventID {
			return apperror.BadRequest("format does not belong to this event")
		}
	}
	return nil
}

// Create handles POST /submissions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	ctx := c.Request.Context()
	e, err := h.events.GetByID(ctx, req.EventID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if !e.Published {
		response.NotFound(c, "event not found")
		return
	}
	if !e.CFPOpen(h.now()) {
		response.BadRequest(c, "the call for papers is not open")
		return
	}
	if err := h.checkTrackFormat(ctx, e.ID, req.TrackID, req.FormatID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	me, _ := middleware.CurrentUser(c)
	s := &models.Submission{
		EventID:   e.ID,
		SpeakerID: me.UserID,
		TrackID:   req.TrackID,
		FormatID:  req.FormatID,
		Title:     req.Title,
		Abstract:  req.Abstract,
		Outline:   req.Outline,
	}
	if err := h.store.Create(ctx, s); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.hooks.Emit(ctx, hooks.SubmissionCreated, s)
	response.Created(c, s)
}

// ListMine handles GET /me/submissions.
func (h *Handler) ListMine(c *gin.Context) {
	me, _ := middleware.CurrentUser(c)
	page, limit := response.PageParams(c)
	list, total, err := h.store.ListBySpeaker(c.Request.Context(), me.UserID, limit, response.Offset(page, limit))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.List(c, list, response.NewPage(page, limit, total))
}

// ListForEvent handles GET /events/:id/submissions for the event team.
// Query: page, limit, status, track_id, q.
func (h *Handler) ListForEvent(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	ctx := c.Request.Context()
	me, _ := middleware.CurrentUser(c)
	if err := h.access.RequireReview(ctx, me, eventID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	page, limit := response.PageParams(c)
	f := Filter{EventID: eventID, Search: c.Query("q"), Limit: limit, Offset: response.Offset(page, limit)}
	if s := models.SubmissionStatus(c.Query("status")); s != "" {
		if !s.Valid() {
			response.BadRequest(c, "invalid status filter")
			return
		}
		f.Status = s
	}
	if t := c.Query("track_id"); t != "" {
		id, err := uuid.Parse(t)
		if err != nil {
			response.BadRequest(c, "invalid track_id")
			return
		}
		f.TrackID = &id
	}
	list, total, err := h.store.ListForEvent(ctx, f)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.List(c, list, response.NewPage(page, limit, total))
}

// load fetches :id and checks the caller is the speaker or on the event team.
func (h *Handler) load(c *gin.Context) (*models.Submission, middleware.Identity, bool) {
	me, _ := middleware.CurrentUser(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid submission id")
		return nil, me, false
	}
	ctx := c.Request.Context()
	s, err := h.store.GetByID(ctx, id)
	if err != nil {
		response.Error(c, h.logger, err)
		return nil, me, false
	}
	if s.SpeakerID == me.UserID {
		return s, me, true
	}
	if err := h.access.RequireReview(ctx, me, s.EventID); err != nil {
		// non-members get 404 so submission ids cannot be probed
		response.NotFound(c, "submission not found")
		return nil, me, false
	}
	return s, me, true
}

// Get handles GET /submissions/:id.
func (h *Handler) Get(c *gin.Context) {
	s, _, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, s)
}

// Update handles PATCH /submissions/:id. Only the speaker may edit, and only while SUBMITTED.
func (h *Handler) Update(c *gin.Context) {
	s, me, ok := h.load(c)
	if !ok {
		return
	}
	if s.SpeakerID != me.UserID {
		response.Forbidden(c, "only the speaker can edit a submission")
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	if s.Status != models.SubmissionSubmitted {
		response.Conflict(c, "submission can no longer be edited")
		return
	}
	ctx := c.Request.Context()
	if err := h.checkTrackFormat(ctx, s.EventID, req.TrackID, req.FormatID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	s.TrackID, s.FormatID = req.TrackID, req.FormatID
	s.Title, s.Abstract, s.Outline = req.Title, req.Abstract, req.Outline
	if err := h.store.Update(ctx, s); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.hooks.Emit(ctx, hooks.SubmissionUpdated, s)
	response.OK(c, s)
}

// Withdraw handles POST /submissions/:id/withdraw (speaker only).
func (h *Handler) Withdraw(c *gin.Context) {
	s, me, ok := h.load(c)
	if !ok {
		return
	}
	if s.SpeakerID != me.UserID {
		response.Forbidden(c, "only the speaker can withdraw a submission")
		return
	}
	if s.Status == models.SubmissionWithdrawn {
		response.Conflict(c, "submission already withdrawn")
		return
	}
	h.changeStatus(c, s, models.SubmissionWithdrawn)
}

// SetStatus handles PATCH /submissions/:id/status (event organizer or admin).
func (h *Handler) SetStatus(c *gin.Context) {
	s, me, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.access.RequireManage(c.Request.Context(), me, s.EventID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	if s.Status == models.SubmissionWithdrawn {
		response.Conflict(c, "submission was withdrawn by the speaker")
		return
	}
	if s.Status == req.Status {
		response.OK(c, s)
		return
	}
	h.changeStatus(c, s, req.Status)
}

func (h *Handler) changeStatus(c *gin.Context, s *models.Submission, status models.SubmissionStatus) {
	ctx := c.Request.Context()
	prev, err := h.store.SetStatus(ctx, s.ID, status)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	s.Status = status
	h.hooks.Emit(ctx, hooks.SubmissionStatusChanged, StatusChange{Submission: s, PreviousStatus: prev})
	if status == models.SubmissionAccepted {
		h.announcer.Announce(ctx, "submission.accepted", map[string]any{
			"submission_id": s.ID,
			"event_id":      s.EventID,
			"title":         s.Title,
			"speaker_name":  s.SpeakerName,
		})
	}
	h.activity.Record(ctx, activity.FromRequest(c, activity.ActionSubmissionStatus, "submission", s.ID.String(),
		map[string]any{"from": prev, "to": status}))
	response.OK(c, s)
}
