package messages

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/events"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/response"
)

// EventMessageCreated is the WebSocket event pushed to recipients of a new message.
const EventMessageCreated = "message.created"

// Store is the message persistence the handler needs.
type Store interface {
	Create(ctx context.Context, m *models.Message) error
	List(ctx context.Context, submissionID uuid.UUID) ([]models.Message, error)
	MarkRead(ctx context.Context, submissionID, readerID uuid.UUID, at time.Time) (int64, error)
}

// SubmissionReader loads the submission a thread belongs to.
type SubmissionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error)
}

// Team resolves event organizers.
type Team interface {
	events.MemberLookup
	OrganizerIDs(ctx context.Context, eventID uuid.UUID) ([]uuid.UUID, error)
}

// Notifier pushes realtime notifications to a user's open connections.
type Notifier interface {
	Notify(userID uuid.UUID, event string, payload interface{})
}

// Handler serves /submissions/:id/messages.
type Handler struct {
	store       Store
	submissions SubmissionReader
	team        Team
	access      *events.Access
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler creates a messages handler.
func NewHandler(store Store, subs SubmissionReader, team Team, notifier Notifier, logger *zap.Logger) *Handler {
	return &Handler{
		store:       store,
		submissions: subs,
		team:        team,
		access:      events.NewAccess(team),
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// PostRequest is the body for POST /submissions/:id/messages.
type PostRequest struct {
	Body string `json:"body" binding:"required,min=1,max=5000"`
}

// thread loads the submission and checks the caller is its speaker or an organizer of its event.
func (h *Handler) thread(c *gin.Context) (*models.Submission, middleware.Identity, bool) {
	me, _ := middleware.CurrentUser(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid submission id")
		return nil, me, false
	}
	ctx := c.Request.Context()
	s, err := h.submissions.GetByID(ctx, id)
	if err != nil {
		response.Error(c, h.logger, err)
		return nil, me, false
	}
	if s.SpeakerID == me.UserID {
		return s, me, true
	}
	if err := h.access.RequireManage(ctx, me, s.EventID); err != nil {
		response.Error(c, h.logger, err)
		return nil, me, false
	}
	return s, me, true
}

// List handles GET /submissions/:id/messages.
func (h *Handler) List(c *gin.Context) {
	s, _, ok := h.thread(c)
	if !ok {
		return
	}
	list, err := h.store.List(c.Request.Context(), s.ID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, list)
}

// Post handles POST /submissions/:id/messages and notifies the other side.
func (h *Handler) Post(c *gin.Context) {
	s, me, ok := h.thread(c)
	if !ok {
		return
	}
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	ctx := c.Request.Context()
	m := &models.Message{SubmissionID: s.ID, SenderID: me.UserID, Body: req.Body}
	if err := h.store.Create(ctx, m); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	for _, uid := range h.recipients(ctx, s, me.UserID) {
		h.notifier.Notify(uid, EventMessageCreated, m)
	}
	response.Created(c, m)
}

// recipients is the speaker when an organizer writes, and every organizer when the speaker writes.
func (h *Handler) recipients(ctx context.Context, s *models.Submission, sender uuid.UUID) []uuid.UUID {
	if sender != s.SpeakerID {
		return []uuid.UUID{s.SpeakerID}
	}
	ids, err := h.team.OrganizerIDs(ctx, s.EventID)
	if err != nil {
		h.logger.Warn("load organizers for notification", zap.String("event_id", s.EventID.String()), zap.Error(err))
		return nil
	}
	return ids
}

// MarkRead handles POST /submissions/:id/messages/read.
func (h *Handler) MarkRead(c *gin.Context) {
	s, me, ok := h.thread(c)
	if !ok {
		return
	}
	n, err := h.store.MarkRead(c.Request.Context(), s.ID, me.UserID, h.now().UTC())
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, gin.H{"marked": n})
}
