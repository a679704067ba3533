package events

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/response"
	"github.com/cfpforge/backend/pkg/search"
)

// Store is the persistence the event endpoints need.
type Store interface {
	MemberLookup
	Create(ctx context.Context, e *models.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetBySlug(ctx context.Context, slug string) (*models.Event, error)
	ListPublished(ctx context.Context, limit, offset int) ([]models.Event, int64, error)
	ListForMember(ctx context.Context, userID uuid.UUID, all bool, limit, offset int) ([]models.Event, int64, error)
	Update(ctx context.Context, e *models.Event) error
	SetPublished(ctx context.Context, id uuid.UUID, published bool) (*models.Event, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, id uuid.UUID) (*models.EventStats, error)

	AddMember(ctx context.Context, eventID, userID uuid.UUID, role models.MemberRole) (*models.EventMember, error)
	RemoveMember(ctx context.Context, eventID, userID uuid.UUID) error
	ListMembers(ctx context.Context, eventID uuid.UUID) ([]models.EventMember, error)

	CreateTrack(ctx context.Context, t *models.Track) error
	ListTracks(ctx context.Context, eventID uuid.UUID) ([]models.Track, error)
	UpdateTrack(ctx context.Context, t *models.Track) error
	DeleteTrack(ctx context.Context, eventID, id uuid.UUID) error
	CreateFormat(ctx context.Context, f *models.Format) error
	ListFormats(ctx context.Context, eventID uuid.UUID) ([]models.Format, error)
	UpdateFormat(ctx context.Context, f *models.Format) error
	DeleteFormat(ctx context.Context, eventID, id uuid.UUID) error
}

// UserFinder resolves team members being added.
type UserFinder interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// Announcer forwards event lifecycle changes to the federation directory.
type Announcer interface {
	Announce(ctx context.Context, kind string, data any)
}

// NopAnnouncer drops announcements.
type NopAnnouncer struct{}

func (NopAnnouncer) Announce(context.Context, string, any) {}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Handler serves /events.
type Handler struct {
	store     Store
	users     UserFinder
	access    *Access
	hooks     hooks.Emitter
	announcer Announcer
	index     search.EventIndexer
	activity  activity.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates an events handler.
func NewHandler(store Store, users UserFinder, emitter hooks.Emitter, announcer Announcer,
	index search.EventIndexer, rec activity.Recorder, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		users:     users,
		access:    NewAccess(store),
		hooks:     emitter,
		announcer: announcer,
		index:     index,
		activity:  rec,
		logger:    logger,
		now:       time.Now,
	}
}

// EventRequest is the body for POST /events and PATCH /events/:id.
type EventRequest struct {
	Slug        string     `json:"slug" binding:"omitempty,max=80"`
	Name        string     `json:"name" binding:"required,min=1,max=200"`
	Description string     `json:"description" binding:"max=20000"`
	Location    string     `json:"location" binding:"max=200"`
	StartsAt    *time.Time `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at"`
	CFPOpensAt  *time.Time `json:"cfp_opens_at"`
	CFPClosesAt *time.Time `json:"cfp_closes_at"`
}

func (req *EventRequest) apply(e *models.Event) error {
	slug := req.Slug
	if slug == "" {
		slug = Slugify(req.Name)
	}
	if !slugPattern.MatchString(slug) {
		return apperror.BadRequest("slug must be lowercase letters, digits and single dashes")
	}
	if req.StartsAt != nil && req.EndsAt != nil && req.EndsAt.Before(*req.StartsAt) {
		return apperror.BadRequest("ends_at must not be before starts_at")
	}
	if req.CFPOpensAt != nil && req.CFPClosesAt != nil && !req.CFPClosesAt.After(*req.CFPOpensAt) {
		return apperror.BadRequest("cfp_closes_at must be after cfp_opens_at")
	}
	e.Slug = slug
	e.Name = req.Name
	e.Description = req.Description
	e.Location = req.Location
	e.StartsAt = req.StartsAt
	e.EndsAt = req.EndsAt
	e.CFPOpensAt = req.CFPOpensAt
	e.CFPClosesAt = req.CFPClosesAt
	return nil
}

// Slugify lower-cases name and joins alphanumeric runs with dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func parseID(c *gin.Context, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// managed loads the :id event and checks the caller organizes it.
func (h *Handler) managed(c *gin.Context) (*models.Event, bool) {
	id, ok := parseID(c, "id", "event")
	if !ok {
		return nil, false
	}
	ctx := c.Request.Context()
	e, err := h.store.GetByID(ctx, id)
	if err != nil {
		response.Error(c, h.logger, err)
		return nil, false
	}
	me, _ := middleware.CurrentUser(c)
	if err := h.access.RequireManage(ctx, me, e.ID); err != nil {
		response.Error(c, h.logger, err)
		return nil, false
	}
	return e, true
}

// ListPublic handles GET /events.
func (h *Handler) ListPublic(c *gin.Context) {
	page, limit := response.PageParams(c)
	list, total, err := h.store.ListPublished(c.Request.Context(), limit, response.Offset(page, limit))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.List(c, list, response.NewPage(page, limit, total))
}

// GetPublic handles GET /events/:id where :id is a UUID or a slug. Unpublished events are 404.
func (h *Handler) GetPublic(c *gin.Context) {
	ctx := c.Request.Context()
	var e *models.Event
	var err error
	if id, perr := uuid.Parse(c.Param("id")); perr == nil {
		e, err = h.store.GetByID(ctx, id)
	} else {
		e, err = h.store.GetBySlug(ctx, c.Param("id"))
	}
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if !e.Published {
		response.NotFound(c, "event not found")
		return
	}
	response.OK(c, gin.H{"event": e, "cfp_open": e.CFPOpen(h.now())})
}

// ListManaged handles GET /manage/events: events the caller is a team member of (all for admins).
func (h *Handler) ListManaged(c *gin.Context) {
	me, _ := middleware.CurrentUser(c)
	page, limit := response.PageParams(c)
	list, total, err := h.store.ListForMember(c.Request.Context(), me.UserID, me.Role == models.RoleAdmin, limit, response.Offset(page, limit))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.List(c, list, response.NewPage(page, limit, total))
}

// GetManaged handles GET /manage/events/:id for team members, published or not.
func (h *Handler) GetManaged(c *gin.Context) {
	id, ok := parseID(c, "id", "event")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	e, err := h.store.GetByID(ctx, id)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	me, _ := middleware.CurrentUser(c)
	if err := h.access.RequireReview(ctx, me, e.ID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, e)
}

// Create handles POST /events (organizer or admin). The creator joins the team as organizer.
func (h *Handler) Create(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	me, _ := middleware.CurrentUser(c)
	e := &models.Event{CreatedBy: &me.UserID}
	if err := req.apply(e); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.store.Create(ctx, e); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if _, err := h.store.AddMember(ctx, e.ID, me.UserID, models.MemberOrganizer); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, e)
}

// Update handles PATCH /events/:id.
func (h *Handler) Update(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	if err := req.apply(e); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if err := h.store.Update(c.Request.Context(), e); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if e.Published {
		h.reindex(e)
	}
	response.OK(c, e)
}

// Delete handles DELETE /events/:id.
func (h *Handler) Delete(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.store.Delete(ctx, e.ID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if e.Published {
		h.announcer.Announce(ctx, "event.unpublished", announcement(e))
	}
	if err := h.index.DeleteEvent(e.ID.String()); err != nil {
		h.logger.Warn("search delete failed", zap.String("event_id", e.ID.String()), zap.Error(err))
	}
	h.activity.Record(ctx, activity.FromRequest(c, activity.ActionEventDeleted, "event", e.ID.String(),
		map[string]any{"slug": e.Slug}))
	response.NoContent(c)
}

// Publish handles POST /events/:id/publish.
func (h *Handler) Publish(c *gin.Context) {
	h.setPublished(c, true)
}

// Unpublish handles POST /events/:id/unpublish.
func (h *Handler) Unpublish(c *gin.Context) {
	h.setPublished(c, false)
}

func (h *Handler) setPublished(c *gin.Context, published bool) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	if e.Published == published {
		response.OK(c, e)
		return
	}
	ctx := c.Request.Context()
	e, err := h.store.SetPublished(ctx, e.ID, published)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if published {
		h.reindex(e)
		h.announcer.Announce(ctx, "event.published", announcement(e))
		h.hooks.Emit(ctx, hooks.EventPublished, e)
		h.activity.Record(ctx, activity.FromRequest(c, activity.ActionEventPublished, "event", e.ID.String(), nil))
	} else {
		if err := h.index.DeleteEvent(e.ID.String()); err != nil {
			h.logger.Warn("search delete failed", zap.String("event_id", e.ID.String()), zap.Error(err))
		}
		h.announcer.Announce(ctx, "event.unpublished", announcement(e))
		h.activity.Record(ctx, activity.FromRequest(c, activity.ActionEventUnpublished, "event", e.ID.String(), nil))
	}
	response.OK(c, e)
}

func (h *Handler) reindex(e *models.Event) {
	doc := search.EventDoc{
		ID:          e.ID.String(),
		Slug:        e.Slug,
		Name:        e.Name,
		Description: e.Description,
		Location:    e.Location,
		StartsAt:    search.Unix(e.StartsAt),
		CFPClosesAt: search.Unix(e.CFPClosesAt),
		CFPOpen:     e.CFPOpen(h.now()),
	}
	if err := h.index.IndexEvent(doc); err != nil {
		h.logger.Warn("search index failed", zap.String("event_id", e.ID.String()), zap.Error(err))
	}
}

func announcement(e *models.Event) map[string]any {
	return map[string]any{
		"event_id":      e.ID,
		"slug":          e.Slug,
		"name":          e.Name,
		"location":      e.Location,
		"starts_at":     e.StartsAt,
		"ends_at":       e.EndsAt,
		"cfp_opens_at":  e.CFPOpensAt,
		"cfp_closes_at": e.CFPClosesAt,
		"listing_id":    e.FederationListingID,
	}
}

// Stats handles GET /events/:id/stats.
func (h *Handler) Stats(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	s, err := h.store.Stats(c.Request.Context(), e.ID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, s)
}

// MemberRequest is the body for POST /events/:id/members. One of user_id or email is required.
type MemberRequest struct {
	UserID string            `json:"user_id" binding:"omitempty,uuid"`
	Email  string            `json:"email" binding:"omitempty,email"`
	Role   models.MemberRole `json:"role" binding:"required,oneof=ORGANIZER REVIEWER"`
}

// ListMembers handles GET /events/:id/members.
func (h *Handler) ListMembers(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	list, err := h.store.ListMembers(c.Request.Context(), e.ID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, list)
}

// AddMember handles POST /events/:id/members.
func (h *Handler) AddMember(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	var req MemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	ctx := c.Request.Context()
	var u *models.User
	var err error
	switch {
	case req.UserID != "":
		u, err = h.users.GetByID(ctx, uuid.MustParse(req.UserID))
	case req.Email != "":
		u, err = h.users.GetByEmail(ctx, req.Email)
	default:
		response.BadRequest(c, "user_id or email is required")
		return
	}
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	m, err := h.store.AddMember(ctx, e.ID, u.ID, req.Role)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	m.UserName, m.UserEmail = u.Name, u.Email
	response.Created(c, m)
}

// RemoveMember handles DELETE /events/:id/members/:userId.
func (h *Handler) RemoveMember(c *gin.Context) {
	e, ok := h.managed(c)
	if !ok {
		return
	}
	userID, ok := parseID(c, "userId", "user")
	if !ok {
		return
	}
	if err := h.store.RemoveMember(c.Request.Context(), e.ID, userID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.NoContent(c)
}
