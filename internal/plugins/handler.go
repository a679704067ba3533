package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/activity"
	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/apperror"
	"github.com/cfpforge/backend/pkg/response"
)

// Handler serves the admin plugin endpoints under /admin/plugins.
type Handler struct {
	svc      *Service
	activity activity.Recorder
	logger   *zap.Logger
}

// NewHandler creates a plugins handler.
func NewHandler(svc *Service, rec activity.Recorder, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, activity: rec, logger: logger}
}

// GalleryInstallRequest is the body for POST /admin/plugins/install.
type GalleryInstallRequest struct {
	Name string `json:"name" binding:"required"`
}

// ConfigRequest is the body for PUT /admin/plugins/:name/config.
type ConfigRequest struct {
	Config map[string]any `json:"config" binding:"required"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	response.Error(c, h.logger, HTTPError(err))
}

func (h *Handler) record(c *gin.Context, action string, p *models.Plugin, meta map[string]any) {
	h.activity.Record(c.Request.Context(), activity.FromRequest(c, action, "plugin", p.Name, meta))
}

// List handles GET /admin/plugins.
func (h *Handler) List(c *gin.Context) {
	views, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, views)
}

// Gallery handles GET /admin/plugins/gallery.
func (h *Handler) Gallery(c *gin.Context) {
	listing, err := h.svc.GalleryListing(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, listing)
}

// Get handles GET /admin/plugins/:name.
func (h *Handler) Get(c *gin.Context) {
	v, err := h.svc.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, v)
}

// readUpload reads the multipart "archive" file and optional "signature" field.
func (h *Handler) readUpload(c *gin.Context) (Package, error) {
	fh, err := c.FormFile("archive")
	if err != nil {
		return Package{}, apperror.BadRequest("archive file is required")
	}
	limit := h.svc.limits.MaxArchiveBytes
	if fh.Size > limit {
		return Package{}, fmt.Errorf("%w: archive exceeds %d bytes", ErrInvalidArchive, limit)
	}
	f, err := fh.Open()
	if err != nil {
		return Package{}, apperror.BadRequest("cannot read archive")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return Package{}, apperror.BadRequest("cannot read archive")
	}
	if int64(len(data)) > limit {
		return Package{}, fmt.Errorf("%w: archive exceeds %d bytes", ErrInvalidArchive, limit)
	}
	return Package{Data: data, Signature: c.PostForm("signature"), Source: models.SourceUpload}, nil
}

// TrustWarning is returned with every install: plugins run with the server's privileges.
const TrustWarning = "plugins run with full server privileges; install only code you trust"

// InstallResponse is the body returned by install endpoints.
type InstallResponse struct {
	*models.Plugin
	Warning string `json:"warning"`
}

// Upload handles POST /admin/plugins/upload (multipart: archive, signature).
func (h *Handler) Upload(c *gin.Context) {
	pkg, err := h.readUpload(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := h.svc.Install(c.Request.Context(), pkg)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, activity.ActionPluginInstalled, p, map[string]any{"version": p.Version, "source": p.Source})
	response.Created(c, InstallResponse{Plugin: p, Warning: TrustWarning})
}

// InstallFromGallery handles POST /admin/plugins/install.
func (h *Handler) InstallFromGallery(c *gin.Context) {
	var req GalleryInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	p, err := h.svc.InstallFromGallery(c.Request.Context(), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, activity.ActionPluginInstalled, p, map[string]any{"version": p.Version, "source": p.Source})
	response.Created(c, InstallResponse{Plugin: p, Warning: TrustWarning})
}

// Update handles POST /admin/plugins/:name/update. A multipart archive updates from upload,
// an empty body updates from the gallery.
func (h *Handler) Update(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	var (
		p   *models.Plugin
		err error
	)
	if _, ferr := c.FormFile("archive"); ferr == nil {
		var pkg Package
		if pkg, err = h.readUpload(c); err == nil {
			p, err = h.svc.Update(ctx, name, pkg)
		}
	} else {
		p, err = h.svc.UpdateFromGallery(ctx, name)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, activity.ActionPluginUpdated, p, map[string]any{"version": p.Version, "source": p.Source})
	response.OK(c, p)
}

// Enable handles POST /admin/plugins/:name/enable.
func (h *Handler) Enable(c *gin.Context) {
	p, err := h.svc.Enable(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, activity.ActionPluginEnabled, p, nil)
	response.OK(c, p)
}

// Disable handles POST /admin/plugins/:name/disable.
func (h *Handler) Disable(c *gin.Context) {
	p, err := h.svc.Disable(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, activity.ActionPluginDisabled, p, nil)
	response.OK(c, p)
}

// Uninstall handles DELETE /admin/plugins/:name.
func (h *Handler) Uninstall(c *gin.Context) {
	name := c.Param("name")
	if err := h.svc.Uninstall(c.Request.Context(), name); err != nil {
		h.fail(c, err)
		return
	}
	h.record(c, activity.ActionPluginUninstalled, &models.Plugin{Name: name}, nil)
	response.NoContent(c)
}

// Configure handles PUT /admin/plugins/:name/config.
func (h *Handler) Configure(c *gin.Context) {
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Invalid(c, err)
		return
	}
	v, err := h.svc.Configure(c.Request.Context(), c.Param("name"), req.Config)
	if err != nil {
		h.fail(c, err)
		return
	}
	keys := make([]string, 0, len(req.Config))
	for k := range req.Config {
		keys = append(keys, k)
	}
	h.record(c, activity.ActionPluginConfigured, &v.Plugin, map[string]any{"keys": keys})
	response.OK(c, v)
}

// Invoke handles POST /admin/plugins/:name/actions/:action. The body is passed to the plugin as-is.
func (h *Handler) Invoke(c *gin.Context) {
	input, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.BadRequest(c, "cannot read body")
		return
	}
	if len(input) > 0 && !json.Valid(input) {
		response.BadRequest(c, "body must be JSON")
		return
	}
	out, err := h.svc.Invoke(c.Request.Context(), c.Param("name"), c.Param("action"), input)
	if err != nil {
		mapped := HTTPError(err)
		var appErr *apperror.AppError
		if !errors.As(mapped, &appErr) {
			mapped = apperror.New(http.StatusBadGateway, "plugin action failed: "+err.Error(), err)
		}
		response.Error(c, h.logger, mapped)
		return
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	response.OK(c, gin.H{"result": out})
}

// ArchiveURL handles GET /admin/plugins/:name/archive.
func (h *Handler) ArchiveURL(c *gin.Context) {
	url, err := h.svc.ArchiveURL(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}
