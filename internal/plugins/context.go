package plugins

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/hooks"
	"github.com/cfpforge/backend/internal/models"
)

// EventReader is the read access plugins get to events.
type EventReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// SubmissionReader is the read access plugins get to submissions.
type SubmissionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error)
}

// ReviewReader is the read access plugins get to reviews.
type ReviewReader interface {
	ListForSubmission(ctx context.Context, submissionID uuid.UUID) ([]models.Review, error)
}

// UserReader is the read access plugins get to users.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Host bundles the services exposed to plugins. Nil fields are reported as denied.
type Host struct {
	Events      EventReader
	Submissions SubmissionReader
	Reviews     ReviewReader
	Users       UserReader
	HTTPTimeout time.Duration
}

// Context is what a plugin receives on Init. Capability accessors check the manifest's permissions.
type Context struct {
	Name   string
	Logger *zap.Logger
	Config map[string]any
	Dir    string

	manifest *Manifest
	host     *Host
	dataDir  string
	client   *http.Client
}

func newContext(m *Manifest, dir, dataDir string, cfg map[string]any, host *Host, logger *zap.Logger) *Context {
	if host == nil {
		host = &Host{}
	}
	timeout := host.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Context{
		Name:     m.Name,
		Logger:   logger.Named("plugin." + m.Name),
		Config:   cfg,
		Dir:      dir,
		manifest: m,
		host:     host,
		dataDir:  dataDir,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *Context) require(p hooks.Permission) error {
	if !c.manifest.HasPermission(p) {
		return fmt.Errorf("%w: %s needs %q", ErrPermissionDenied, c.Name, p)
	}
	return nil
}

// Has reports whether the plugin declared p.
func (c *Context) Has(p hooks.Permission) bool {
	return c.manifest.HasPermission(p)
}

// Events returns event read access (events:read).
func (c *Context) Events() (EventReader, error) {
	if err := c.require(hooks.PermEventsRead); err != nil {
		return nil, err
	}
	if c.host.Events == nil {
		return nil, fmt.Errorf("%w: events unavailable", ErrPermissionDenied)
	}
	return c.host.Events, nil
}

// Submissions returns submission read access (submissions:read).
func (c *Context) Submissions() (SubmissionReader, error) {
	if err := c.require(hooks.PermSubmissionsRead); err != nil {
		return nil, err
	}
	if c.host.Submissions == nil {
		return nil, fmt.Errorf("%w: submissions unavailable", ErrPermissionDenied)
	}
	return c.host.Submissions, nil
}

// Reviews returns review read access (reviews:read).
func (c *Context) Reviews() (ReviewReader, error) {
	if err := c.require(hooks.PermReviewsRead); err != nil {
		return nil, err
	}
	if c.host.Reviews == nil {
		return nil, fmt.Errorf("%w: reviews unavailable", ErrPermissionDenied)
	}
	return c.host.Reviews, nil
}

// Users returns user read access (users:read).
func (c *Context) Users() (UserReader, error) {
	if err := c.require(hooks.PermUsersRead); err != nil {
		return nil, err
	}
	if c.host.Users == nil {
		return nil, fmt.Errorf("%w: users unavailable", ErrPermissionDenied)
	}
	return c.host.Users, nil
}

// HTTPClient returns an outbound client (network:outbound).
func (c *Context) HTTPClient() (*http.Client, error) {
	if err := c.require(hooks.PermNetworkOutbound); err != nil {
		return nil, err
	}
	return c.client, nil
}

// DataDir returns the plugin's private writable directory, creating it on first use (storage:write).
func (c *Context) DataDir() (string, error) {
	if err := c.require(hooks.PermStorageWrite); err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.dataDir, 0o750); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return c.dataDir, nil
}
