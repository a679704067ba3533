package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// galleryServer serves an index at / and archives at /dl/<name>.
func galleryServer(t *testing.T, archives map[string][]byte, entries []GalleryEntry) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	for i := range entries {
		if entries[i].DownloadURL == "" {
			entries[i].DownloadURL = srv.URL + "/dl/" + entries[i].Name
		}
	}
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"plugins": entries})
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := archives[r.URL.Path[len("/dl/"):]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	return srv
}

func TestGalleryFindAndDownload(t *testing.T) {
	data := []byte("archive-bytes")
	srv := galleryServer(t, map[string][]byte{"relay": data}, []GalleryEntry{
		{Name: "relay", Version: "1.0.0", APIVersion: "1.0", SHA256: Digest(data)},
		{Name: "tampered", Version: "1.0.0", SHA256: Digest([]byte("other"))},
		{Name: "gone", Version: "1.0.0", SHA256: Digest(data)},
	})
	g := NewGallery(srv.URL+"/index.json", time.Second, 1<<20)
	ctx := context.Background()

	e, err := g.Find(ctx, "relay")
	require.NoError(t, err)
	got, err := g.Download(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = g.Find(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotInGallery)

	e, err = g.Find(ctx, "gone")
	require.NoError(t, err)
	_, err = g.Download(ctx, e)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestGalleryChecksumAndSize(t *testing.T) {
	big := make([]byte, 2048)
	srv := galleryServer(t, map[string][]byte{"tampered": []byte("payload"), "big": big}, []GalleryEntry{
		{Name: "tampered", Version: "1.0.0", SHA256: Digest([]byte("other"))},
		{Name: "big", Version: "1.0.0", SHA256: Digest(big)},
	})
	g := NewGallery(srv.URL+"/index.json", time.Second, 1024)
	ctx := context.Background()

	e, err := g.Find(ctx, "tampered")
	require.NoError(t, err)
	_, err = g.Download(ctx, e)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	e, err = g.Find(ctx, "big")
	require.NoError(t, err)
	_, err = g.Download(ctx, e)
	assert.ErrorIs(t, err, ErrInvalidArchive)
}

func TestGalleryRequiresDigest(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte("unverified bytes"))
	}))
	defer srv.Close()
	g := NewGallery("", time.Second, 1<<20)

	tests := []struct {
		name   string
		digest string
	}{
		{"missing", ""},
		{"too short", "abc123"},
		{"not hex", strings.Repeat("z", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := g.Download(context.Background(), &GalleryEntry{Name: "demo", DownloadURL: srv.URL, SHA256: tt.digest})
			assert.ErrorIs(t, err, ErrChecksumMismatch)
			assert.Nil(t, data)
		})
	}
	assert.Zero(t, hits)

	data, err := g.Download(context.Background(), &GalleryEntry{Name: "demo", DownloadURL: srv.URL,
		SHA256: strings.ToUpper(Digest([]byte("unverified bytes")))})
	require.NoError(t, err)
	assert.Equal(t, "unverified bytes", string(data))
}

func TestGalleryUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewGallery(srv.URL, time.Second, 0).Index(context.Background())
	assert.ErrorIs(t, err, ErrGalleryUnavailable)

	_, err = NewGallery("", time.Second, 0).Index(context.Background())
	assert.ErrorIs(t, err, ErrGalleryDisabled)
}

func TestGalleryAcceptsBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"a","version":"1.0.0"}]`))
	}))
	defer srv.Close()

	entries, err := NewGallery(srv.URL, time.Second, 0).Index(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name)
}

func TestAnnotate(t *testing.T) {
	out := Annotate([]GalleryEntry{
		{Name: "a", Version: "1.2.0", APIVersion: "1.0"},
		{Name: "b", Version: "1.0.0", APIVersion: "9.0"},
		{Name: "c", Version: "2.0.0", APIVersion: "1.2"},
	}, map[string]string{"a": "1.1.0", "c": "2.0.0"})

	require.Len(t, out, 3)
	assert.True(t, out[0].Installed)
	assert.True(t, out[0].UpdateAvailable)
	assert.Equal(t, "1.1.0", out[0].InstalledVersion)
	assert.False(t, out[1].Installed)
	assert.False(t, out[1].Compatible)
	assert.True(t, out[2].Installed)
	assert.False(t, out[2].UpdateAvailable)
}
