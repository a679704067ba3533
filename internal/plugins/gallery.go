package plugins

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GalleryEntry is one package advertised by the remote gallery index.
type GalleryEntry struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	APIVersion  string `json:"apiVersion"`
	DownloadURL string `json:"downloadUrl"`
	SHA256      string `json:"sha256"`
	Signature   string `json:"signature,omitempty"`
}

// GalleryListing is an entry annotated with local install state.
type GalleryListing struct {
	GalleryEntry
	Compatible       bool   `json:"compatible"`
	Installed        bool   `json:"installed"`
	InstalledVersion string `json:"installedVersion,omitempty"`
	UpdateAvailable  bool   `json:"updateAvailable"`
}

// Gallery fetches the plugin index and package archives.
type Gallery struct {
	url      string
	client   *http.Client
	maxBytes int64
}

const maxIndexBytes = 4 << 20

// NewGallery creates a gallery client. An empty url disables it.
func NewGallery(url string, timeout time.Duration, maxArchiveBytes int64) *Gallery {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxArchiveBytes <= 0 {
		maxArchiveBytes = DefaultLimits.MaxArchiveBytes
	}
	return &Gallery{url: strings.TrimSpace(url), client: &http.Client{Timeout: timeout}, maxBytes: maxArchiveBytes}
}

func (g *Gallery) Enabled() bool { return g != nil && g.url != "" }

// Index returns every entry in the gallery.
func (g *Gallery) Index(ctx context.Context) ([]GalleryEntry, error) {
	if !g.Enabled() {
		return nil, ErrGalleryDisabled
	}
	body, err := g.get(ctx, g.url, maxIndexBytes, ErrGalleryUnavailable)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Plugins []GalleryEntry `json:"plugins"`
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &doc.Plugins)
	} else {
		err = json.Unmarshal(body, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: malformed index: %v", ErrGalleryUnavailable, err)
	}
	return doc.Plugins, nil
}

// Find returns the entry named name.
func (g *Gallery) Find(ctx context.Context, name string) (*GalleryEntry, error) {
	entries, err := g.Index(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotInGallery, name)
}

// Download fetches the archive for e and checks its SHA-256.
func (g *Gallery) Download(ctx context.Context, e *GalleryEntry) ([]byte, error) {
	if e.DownloadURL == "" {
		return nil, fmt.Errorf("%w: %s has no download url", ErrDownloadFailed, e.Name)
	}
	if !validDigest(e.SHA256) {
		return nil, fmt.Errorf("%w: %s has no valid sha256 in the index", ErrChecksumMismatch, e.Name)
	}
	data, err := g.get(ctx, e.DownloadURL, g.maxBytes, ErrDownloadFailed)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(Digest(data), e.SHA256) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, e.Name)
	}
	return data, nil
}

// validDigest reports whether s is a hex SHA-256 digest.
func validDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (g *Gallery) get(ctx context.Context, url string, limit int64, failure error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", failure, url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidArchive, limit)
	}
	return data, nil
}

// Annotate marks entries with local install state. installed maps name to version.
func Annotate(entries []GalleryEntry, installed map[string]string) []GalleryListing {
	out := make([]GalleryListing, 0, len(entries))
	for _, e := range entries {
		l := GalleryListing{GalleryEntry: e, Compatible: APICompatible(e.APIVersion)}
		if v, ok := installed[e.Name]; ok {
			l.Installed = true
			l.InstalledVersion = v
			l.UpdateAvailable = CompareVersions(e.Version, v) > 0
		}
		out = append(out, l)
	}
	return out
}
