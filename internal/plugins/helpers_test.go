package plugins

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfpforge/backend/internal/hooks"
)

const testEntry = "test-recorder"

func init() {
	RegisterFactory(testEntry, func() Plugin { return &recorderPlugin{} })
}

// recorderPlugin remembers the hooks it saw. Init fails when greeting is "boom".
type recorderPlugin struct {
	mu       sync.Mutex
	pctx     *Context
	seen     []hooks.Hook
	shutdown bool
}

func (p *recorderPlugin) Init(pctx *Context) error {
	if pctx.Config["greeting"] == "boom" {
		return errors.New("boom")
	}
	p.pctx = pctx
	return nil
}

func (p *recorderPlugin) HandleHook(_ context.Context, hook hooks.Hook, _ json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, hook)
	return nil
}

func (p *recorderPlugin) Invoke(_ context.Context, action string, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"action": action, "greeting": p.pctx.Config["greeting"], "token": p.pctx.Config["token"]})
}

func (p *recorderPlugin) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	return nil
}

type testFile struct {
	name string
	body string
	mode fs.FileMode
}

func zipArchive(t *testing.T, files ...testFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.name, Method: zip.Deflate}
		if f.mode != 0 {
			hdr.SetMode(f.mode)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type tarEntry struct {
	hdr  *tar.Header
	body string
}

func tarFile(name, body string) tarEntry {
	return tarEntry{hdr: &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}, body: body}
}

func tarArchive(t *testing.T, gz bool, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	var gw *gzip.Writer
	var tw *tar.Writer
	if gz {
		gw = gzip.NewWriter(&buf)
		tw = tar.NewWriter(gw)
	} else {
		tw = tar.NewWriter(&buf)
	}
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(e.hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	if gw != nil {
		require.NoError(t, gw.Close())
	}
	return buf.Bytes()
}

func manifestJSON(t *testing.T, m Manifest) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func builtinManifest(name, version string) Manifest {
	return Manifest{
		Name:        name,
		Version:     version,
		DisplayName: "Test " + name,
		APIVersion:  "1.0",
		Runtime:     RuntimeBuiltin,
		Entry:       testEntry,
		Permissions: []hooks.Permission{hooks.PermSubmissionsRead},
		Hooks:       []hooks.Hook{hooks.SubmissionCreated},
		Actions:     []Action{{Name: "ping"}},
		Config: map[string]ConfigField{
			"greeting": {Type: FieldString, Default: "hello"},
			"token":    {Type: FieldString, Secret: true},
		},
	}
}

// pluginArchive zips m under a common top-level directory.
func pluginArchive(t *testing.T, m Manifest) []byte {
	t.Helper()
	return zipArchive(t,
		testFile{name: m.Name + "/manifest.json", body: manifestJSON(t, m)},
		testFile{name: m.Name + "/README.md", body: "# " + m.DisplayName},
	)
}
