package reviews

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/events"
	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/middleware"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/response"
)

// Store is the review persistence the handler needs.
type Store interface {
	Upsert(ctx context.Context, rv *models.Review) error
	ListForSubmission(ctx context.Context, submissionID uuid.UUID) ([]models.Review, error)
	HasReviewed(ctx context.Context, submissionID, reviewerID uuid.UUID) (bool, error)
}

// SubmissionReader loads the submission under review.
type SubmissionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error)
}

// Handler serves review endpoints nested under /submissions/:id.
type Handler struct {
	store       Store
	submissions SubmissionReader
	access      *events.Access
	hooks       hooks.Emitter
	logger      *zap.Logger
}

// NewHandler creates a reviews handler.
func NewHandler(store Store, subs SubmissionReader, members events.MemberLookup, emitter hooks.Emitter, logger *zap.Logger) *Handler {
	return &Handler{store: store, submissions: subs, access: events.NewAccess(members), hooks: emitter, logger: logger}
}

// ReviewRequest is the body for PUT /submissions/:id/review.
type ReviewRequest struct {
	Score          int                   `json:"score" binding:"required,min=1,max=5"`
	Comment        string                `json:"comment" binding:"max=5000"`
	Recommendation models.Recommendation `json:"recommendation" binding:"omitempty,oneof=ACCEPT REJECT NEUTRAL"`
}

func (h *Handler) submission(c *gin.Context) (*models.Submission, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid submission id")
		return nil, false
	}
	s, err := h.submissions.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, h.logger, err)
		return nil, false
	}
	return s, true
}

// Upsert handles PUT /submissions/:id/review. Any event team member may review, except their own talk.
func (h *Handler) Upsert(c *gin.Context) {
	s, ok := h.submission(c)
	if !ok {
		return
	}
	me, _ := middleware.CurrentUser(c)
	ctx := c.Request.Context()
	if err := h.access.RequireReview(ctx, me, s.EventID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if s.SpeakerID == me.UserID {
		response.Forbidden(c, "cannot review your own submission")
		return
	}
	if s.Status == models.SubmissionWithdrawn {
		response.Conflict(c, "submission was withdrawn")
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	if req.Recommendation == "" {
		req.Recommendation = models.RecommendNeutral
	}
	rv := &models.Review{
		SubmissionID:   s.ID,
		ReviewerID:     me.UserID,
		Score:          req.Score,
		Comment:        req.Comment,
		Recommendation: req.Recommendation,
	}
	if err := h.store.Upsert(ctx, rv); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.hooks.Emit(ctx, hooks.ReviewSubmitted, rv)
	response.OK(c, rv)
}

// canSeeReviews: organizers and admins always; reviewers once they have reviewed.
func (h *Handler) canSeeReviews(ctx context.Context, me middleware.Identity, s *models.Submission) error {
	manage, err := h.access.CanManage(ctx, me, s.EventID)
	if err != nil {
		return err
	}
	if manage {
		return nil
	}
	if err := h.access.RequireReview(ctx, me, s.EventID); err != nil {
		return err
	}
	done, err := h.store.HasReviewed(ctx, s.ID, me.UserID)
	if err != nil {
		return err
	}
	if !done {
		return apperror.Forbidden("submit your own review first")
	}
	return nil
}

// List handles GET /submissions/:id/reviews.
func (h *Handler) List(c *gin.Context) {
	s, ok := h.submission(c)
	if !ok {
		return
	}
	me, _ := middleware.CurrentUser(c)
	ctx := c.Request.Context()
	if err := h.canSeeReviews(ctx, me, s); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	list, err := h.store.ListForSubmission(ctx, s.ID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, list)
}

// Summary handles GET /submissions/:id/reviews/summary.
func (h *Handler) Summary(c *gin.Context) {
	s, ok := h.submission(c)
	if !ok {
		return
	}
	me, _ := middleware.CurrentUser(c)
	ctx := c.Request.Context()
	if err := h.canSeeReviews(ctx, me, s); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	list, err := h.store.ListForSubmission(ctx, s.ID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, models.Summarize(s.ID, list))
}
