package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/crypto"
	"github.com/cfpforge/backend/pkg/metrics"
	"github.com/cfpforge/backend/pkg/response"
	"github.com/cfpforge/backend/pkg/webhook"
)

// Inbound webhook types.
const (
	TypePing            = "ping"
	TypeListingApproved = "listing.approved"
	TypeListingRemoved  = "listing.removed"
)

// Store is the settings persistence the handler needs.
type Store interface {
	SettingsReader
	Save(ctx context.Context, s *models.FederationSettings) error
}

// Listings records directory listing ids on events.
type Listings interface {
	SetFederationListing(ctx context.Context, id uuid.UUID, listingID *string) error
}

// Pinger checks connectivity to the directory.
type Pinger interface {
	Ping(ctx context.Context, s *models.FederationSettings) error
}

// Handler serves the federation admin endpoints and the inbound webhook.
type Handler struct {
	store    Store
	listings Listings
	client   Pinger
	activity activity.Recorder
	maxSkew  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a federation handler. maxSkew bounds inbound timestamp age.
func NewHandler(store Store, listings Listings, client Pinger, rec activity.Recorder, maxSkew time.Duration, logger *zap.Logger) *Handler {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Handler{store: store, listings: listings, client: client, activity: rec, maxSkew: maxSkew, logger: logger, now: time.Now}
}

// SettingsView is the admin representation with credentials masked.
type SettingsView struct {
	Enabled          bool       `json:"enabled"`
	DirectoryURL     string     `json:"directory_url"`
	APIKey           string     `json:"api_key"`
	WebhookSecret    string     `json:"webhook_secret"`
	HasAPIKey        bool       `json:"has_api_key"`
	HasWebhookSecret bool       `json:"has_webhook_secret"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func viewOf(s *models.FederationSettings) SettingsView {
	return SettingsView{
		Enabled:          s.Enabled,
		DirectoryURL:     s.DirectoryURL,
		APIKey:           crypto.Mask(s.APIKey),
		WebhookSecret:    crypto.Mask(s.WebhookSecret),
		HasAPIKey:        s.APIKey != "",
		HasWebhookSecret: s.WebhookSecret != "",
		LastSyncAt:       s.LastSyncAt,
		LastError:        s.LastError,
		UpdatedAt:        s.UpdatedAt,
	}
}

// UpdateRequest is the body for PUT /admin/federation. Omitted credentials are kept.
type UpdateRequest struct {
	Enabled       *bool   `json:"enabled"`
	DirectoryURL  *string `json:"directory_url" binding:"omitempty,url"`
	APIKey        *string `json:"api_key" binding:"omitempty,max=500"`
	WebhookSecret *string `json:"webhook_secret" binding:"omitempty,max=500"`
}

// Get handles GET /admin/federation.
func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context())
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, viewOf(s))
}

// Update handles PUT /admin/federation.
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	ctx := c.Request.Context()
	s, err := h.store.Get(ctx)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if req.DirectoryURL != nil {
		s.DirectoryURL = strings.TrimRight(strings.TrimSpace(*req.DirectoryURL), "/")
	}
	if req.APIKey != nil && *req.APIKey != crypto.Mask(s.APIKey) {
		s.APIKey = *req.APIKey
	}
	if req.WebhookSecret != nil && *req.WebhookSecret != crypto.Mask(s.WebhookSecret) {
		s.WebhookSecret = *req.WebhookSecret
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if s.Enabled && (s.DirectoryURL == "" || s.APIKey == "" || s.WebhookSecret == "") {
		response.BadRequest(c, "directory_url, api_key and webhook_secret are required to enable federation")
		return
	}
	if err := h.store.Save(ctx, s); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	h.activity.Record(ctx, activity.FromRequest(c, activity.ActionFederationUpdated, "federation", "settings",
		map[string]any{"enabled": s.Enabled, "directory_url": s.DirectoryURL}))
	response.OK(c, viewOf(s))
}

// Test handles POST /admin/federation/test.
func (h *Handler) Test(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.store.Get(ctx)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if err := h.client.Ping(ctx, s); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			response.BadRequest(c, err.Error())
			return
		}
		h.logger.Warn("federation ping failed", zap.String("directory", s.DirectoryURL), zap.Error(err))
		response.Error(c, h.logger, apperror.Upstream("directory unreachable: "+err.Error(), err))
		return
	}
	response.OK(c, gin.H{"ok": true})
}

type listingData struct {
	EventID   uuid.UUID `json:"event_id"`
	ListingID string    `json:"listing_id"`
}

// Webhook handles POST /webhooks/federation from the directory.
func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.BadRequest(c, "cannot read body")
		return
	}
	s, err := h.store.Get(ctx)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if !s.Enabled || s.WebhookSecret == "" {
		metrics.FederationInbound.WithLabelValues("unknown", "disabled").Inc()
		response.NotFound(c, "federation is disabled")
		return
	}
	if err := webhook.Verify(s.WebhookSecret, c.Request.Header, body, h.now(), h.maxSkew); err != nil {
		metrics.FederationInbound.WithLabelValues("unknown", "unauthorized").Inc()
		h.logger.Warn("federation webhook rejected", zap.String("ip", c.ClientIP()), zap.Error(err))
		response.Unauthorized(c, "invalid signature")
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		metrics.FederationInbound.WithLabelValues("unknown", "invalid").Inc()
		response.BadRequest(c, "invalid webhook body")
		return
	}

	switch env.Type {
	case TypePing:
	case TypeListingApproved, TypeListingRemoved:
		var d listingData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.EventID == uuid.Nil {
			metrics.FederationInbound.WithLabelValues(env.Type, "invalid").Inc()
			response.BadRequest(c, "event_id is required")
			return
		}
		var listing *string
		if env.Type == TypeListingApproved {
			if d.ListingID == "" {
				metrics.FederationInbound.WithLabelValues(env.Type, "invalid").Inc()
				response.BadRequest(c, "listing_id is required")
				return
			}
			listing = &d.ListingID
		}
		if err := h.listings.SetFederationListing(ctx, d.EventID, listing); err != nil {
			metrics.FederationInbound.WithLabelValues(env.Type, "error").Inc()
			response.Error(c, h.logger, err)
			return
		}
		h.logger.Info("federation listing updated", zap.String("type", env.Type), zap.String("event_id", d.EventID.String()))
	default:
		h.logger.Debug("ignoring federation webhook", zap.String("type", env.Type))
		metrics.FederationInbound.WithLabelValues("other", "ignored").Inc()
		response.OK(c, gin.H{"received": true})
		return
	}
	metrics.FederationInbound.WithLabelValues(env.Type, "ok").Inc()
	response.OK(c, gin.H{"received": true})
}
