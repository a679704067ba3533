package plugins

import (
	"archive/tar"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat(zipArchive(t, testFile{name: "a.txt", body: "a"}))
	require.NoError(t, err)
	assert.Equal(t, FormatZip, f)

	f, err = DetectFormat(tarArchive(t, true, tarFile("a.txt", "a")))
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, f)

	f, err = DetectFormat(tarArchive(t, false, tarFile("a.txt", "a")))
	require.NoError(t, err)
	assert.Equal(t, FormatTar, f)

	_, err = DetectFormat([]byte("just some text"))
	assert.ErrorIs(t, err, ErrInvalidArchive)
}

func TestExtractStripsCommonRoot(t *testing.T) {
	data := zipArchive(t,
		testFile{name: "pkg/", mode: fs.ModeDir | 0o755},
		testFile{name: "pkg/manifest.json", body: "{}"},
		testFile{name: "pkg/bin/run", body: "#!/bin/sh\n", mode: 0o755},
	)
	dest := t.TempDir()
	require.NoError(t, Extract(data, dest, Limits{}))

	b, err := os.ReadFile(filepath.Join(dest, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	info, err := os.Stat(filepath.Join(dest, "bin", "run"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)
}

func TestExtractKeepsFlatLayout(t *testing.T) {
	data := tarArchive(t, true, tarFile("manifest.json", "{}"), tarFile("lib/x.js", "x"))
	dest := t.TempDir()
	require.NoError(t, Extract(data, dest, Limits{}))
	assert.FileExists(t, filepath.Join(dest, "manifest.json"))
	assert.FileExists(t, filepath.Join(dest, "lib", "x.js"))
}

func TestExtractSkipsPAXGlobalHeader(t *testing.T) {
	global := tarEntry{hdr: &tar.Header{
		Name:       "pax_global_header",
		Typeflag:   tar.TypeXGlobalHeader,
		PAXRecords: map[string]string{"comment": "3f1c2a9e"},
		Format:     tar.FormatPAX,
	}}
	data := tarArchive(t, true, global, tarFile("demo/manifest.json", "{}"), tarFile("demo/run.sh", "echo"))
	dest := t.TempDir()
	require.NoError(t, Extract(data, dest, Limits{}))
	assert.FileExists(t, filepath.Join(dest, "manifest.json"))
	assert.FileExists(t, filepath.Join(dest, "run.sh"))
	assert.NoFileExists(t, filepath.Join(dest, "pax_global_header"))
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"zip traversal", func(t *testing.T) []byte {
			return zipArchive(t, testFile{name: "../evil.sh", body: "x"})
		}},
		{"zip nested traversal", func(t *testing.T) []byte {
			return zipArchive(t, testFile{name: "pkg/../../evil.sh", body: "x"})
		}},
		{"zip absolute", func(t *testing.T) []byte {
			return zipArchive(t, testFile{name: "/etc/passwd", body: "x"})
		}},
		{"zip symlink", func(t *testing.T) []byte {
			return zipArchive(t, testFile{name: "link", body: "/etc/passwd", mode: fs.ModeSymlink | 0o777})
		}},
		{"tar symlink", func(t *testing.T) []byte {
			return tarArchive(t, true, tarEntry{hdr: &tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc", Mode: 0o777}})
		}},
		{"tar hard link", func(t *testing.T) []byte {
			return tarArchive(t, false, tarFile("a", "a"), tarEntry{hdr: &tar.Header{Name: "b", Typeflag: tar.TypeLink, Linkname: "a", Mode: 0o644}})
		}},
		{"tar fifo", func(t *testing.T) []byte {
			return tarArchive(t, true, tarEntry{hdr: &tar.Header{Name: "pipe", Typeflag: tar.TypeFifo, Mode: 0o644}})
		}},
		{"tar traversal", func(t *testing.T) []byte {
			return tarArchive(t, true, tarFile("../../x", "x"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			err := Extract(tt.data(t), dest, Limits{})
			assert.ErrorIs(t, err, ErrInvalidArchive)
			entries, _ := os.ReadDir(dest)
			assert.Empty(t, entries, "nothing may be written for a rejected archive")
		})
	}
}

func TestExtractEnforcesLimits(t *testing.T) {
	t.Run("entry count", func(t *testing.T) {
		files := make([]testFile, 0, 5)
		for i := 0; i < 5; i++ {
			files = append(files, testFile{name: strings.Repeat("f", i+1), body: "x"})
		}
		err := Extract(zipArchive(t, files...), t.TempDir(), Limits{MaxEntries: 4})
		assert.ErrorIs(t, err, ErrInvalidArchive)
	})
	t.Run("extracted bytes", func(t *testing.T) {
		data := zipArchive(t, testFile{name: "big.bin", body: strings.Repeat("0", 4096)})
		err := Extract(data, t.TempDir(), Limits{MaxExtractedBytes: 1024})
		assert.ErrorIs(t, err, ErrInvalidArchive)
	})
	t.Run("archive bytes", func(t *testing.T) {
		data := zipArchive(t, testFile{name: "a", body: "a"})
		err := Extract(data, t.TempDir(), Limits{MaxArchiveBytes: 10})
		assert.ErrorIs(t, err, ErrInvalidArchive)
	})
}

func TestReadManifestPrefersJSON(t *testing.T) {
	dir := t.TempDir()
	m := builtinManifest("reader", "1.0.0")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifestJSON(t, m)), 0o644))
	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "reader", got.Name)

	_, err = ReadManifest(t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidManifest)
}
