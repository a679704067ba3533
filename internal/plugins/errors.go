package plugins

import (
	"errors"
	"net/http"

	"github.com/cfpforge/backend/pkg/apperror"
)

var (
	ErrInvalidArchive     = errors.New("invalid plugin archive")
	ErrInvalidManifest    = errors.New("invalid plugin manifest")
	ErrInvalidSignature   = errors.New("invalid archive signature")
	ErrUnsignedArchive    = errors.New("archive signature required")
	ErrChecksumMismatch   = errors.New("archive checksum mismatch")
	ErrInvalidConfig      = errors.New("invalid plugin config")
	ErrAlreadyExists      = errors.New("plugin already installed")
	ErrNotFound           = errors.New("plugin not found")
	ErrNotInGallery       = errors.New("plugin not found in gallery")
	ErrGalleryDisabled    = errors.New("plugin gallery is not configured")
	ErrGalleryUnavailable = errors.New("plugin gallery unavailable")
	ErrDownloadFailed     = errors.New("plugin download failed")
	ErrInvalidTransition  = errors.New("invalid plugin state transition")
	ErrSameVersion        = errors.New("plugin is already at this version")
	ErrNameMismatch       = errors.New("archive is for a different plugin")
	ErrNotLoaded          = errors.New("plugin is not enabled")
	ErrAlreadyLoaded      = errors.New("plugin is already loaded")
	ErrUnknownAction      = errors.New("unknown plugin action")
	ErrPermissionDenied   = errors.New("plugin permission denied")
	ErrLoadFailed         = errors.New("plugin failed to start")
)

var statusByErr = []struct {
	err  error
	code int
}{
	{ErrInvalidArchive, http.StatusBadRequest},
	{ErrInvalidManifest, http.StatusBadRequest},
	{ErrInvalidSignature, http.StatusBadRequest},
	{ErrUnsignedArchive, http.StatusBadRequest},
	{ErrChecksumMismatch, http.StatusBadRequest},
	{ErrInvalidConfig, http.StatusBadRequest},
	{ErrNameMismatch, http.StatusBadRequest},
	{ErrLoadFailed, http.StatusBadRequest},
	{ErrAlreadyExists, http.StatusConflict},
	{ErrInvalidTransition, http.StatusConflict},
	{ErrSameVersion, http.StatusConflict},
	{ErrNotLoaded, http.StatusConflict},
	{ErrAlreadyLoaded, http.StatusConflict},
	{ErrNotFound, http.StatusNotFound},
	{ErrNotInGallery, http.StatusNotFound},
	{ErrUnknownAction, http.StatusNotFound},
	{ErrGalleryDisabled, http.StatusNotFound},
	{ErrDownloadFailed, http.StatusBadGateway},
	{ErrGalleryUnavailable, http.StatusBadGateway},
	{ErrPermissionDenied, http.StatusForbidden},
}

// HTTPError maps a plugin error onto an apperror carrying its status. Unknown errors pass through.
func HTTPError(err error) error {
	for _, m := range statusByErr {
		if errors.Is(err, m.err) {
			return apperror.New(m.code, err.Error(), err)
		}
	}
	return err
}
