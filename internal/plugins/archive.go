package plugins

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Format is a supported archive container.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
	FormatTar   Format = "tar"
)

// Limits bounds what an archive may expand to.
type Limits struct {
	MaxArchiveBytes   int64
	MaxExtractedBytes int64
	MaxEntries        int
}

// DefaultLimits are used when configuration leaves a limit at zero.
var DefaultLimits = Limits{
	MaxArchiveBytes:   20 << 20,
	MaxExtractedBytes: 100 << 20,
	MaxEntries:        2000,
}

func (l Limits) withDefaults() Limits {
	if l.MaxArchiveBytes <= 0 {
		l.MaxArchiveBytes = DefaultLimits.MaxArchiveBytes
	}
	if l.MaxExtractedBytes <= 0 {
		l.MaxExtractedBytes = DefaultLimits.MaxExtractedBytes
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultLimits.MaxEntries
	}
	return l
}

// DetectFormat sniffs the container from magic bytes.
func DetectFormat(data []byte) (Format, error) {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04")):
		return FormatZip, nil
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return FormatTarGz, nil
	case len(data) >= 262 && string(data[257:262]) == "ustar":
		return FormatTar, nil
	}
	return "", fmt.Errorf("%w: unrecognised format", ErrInvalidArchive)
}

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
)

type entry struct {
	name string
	kind entryKind
	exec bool
	open func() (io.Reader, error)
}

func archiveErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArchive, fmt.Sprintf(format, args...))
}

// walk calls fn for every entry, rejecting links, devices and unsafe names.
func walk(data []byte, fn func(e entry) error) error {
	format, err := DetectFormat(data)
	if err != nil {
		return err
	}
	if format == FormatZip {
		return walkZip(data, fn)
	}
	var r io.Reader = bytes.NewReader(data)
	if format == FormatTarGz {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return archiveErr("gzip: %v", err)
		}
		defer gz.Close()
		r = gz
	}
	return walkTar(r, fn)
}

func walkZip(data []byte, fn func(e entry) error) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return archiveErr("zip: %v", err)
	}
	for _, f := range zr.File {
		mode := f.Mode()
		var kind entryKind
		switch {
		case mode.IsDir():
			kind = kindDir
		case mode.IsRegular():
			kind = kindFile
		case mode&fs.ModeSymlink != 0:
			return archiveErr("%s: symlinks are not allowed", f.Name)
		default:
			return archiveErr("%s: unsupported entry type", f.Name)
		}
		f := f
		err := fn(entry{
			name: f.Name,
			kind: kind,
			exec: mode&0o111 != 0,
			open: func() (io.Reader, error) { return f.Open() },
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func walkTar(r io.Reader, fn func(e entry) error) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return archiveErr("tar: %v", err)
		}
		var kind entryKind
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA:
			kind = kindFile
		case tar.TypeDir:
			kind = kindDir
		case tar.TypeSymlink:
			return archiveErr("%s: symlinks are not allowed", hdr.Name)
		case tar.TypeLink:
			return archiveErr("%s: hard links are not allowed", hdr.Name)
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			return archiveErr("%s: device and fifo entries are not allowed", hdr.Name)
		case tar.TypeXGlobalHeader:
			// git archive writes one of these first; it holds metadata only.
			continue
		default:
			return archiveErr("%s: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
		err = fn(entry{
			name: hdr.Name,
			kind: kind,
			exec: hdr.Mode&0o111 != 0,
			open: func() (io.Reader, error) { return tr, nil },
		})
		if err != nil {
			return err
		}
	}
}

// cleanEntryName normalises an entry name and rejects absolute paths and ".." components.
func cleanEntryName(name string) (string, error) {
	n := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(n, "/") || (len(n) > 1 && n[1] == ':') {
		return "", archiveErr("%s: absolute paths are not allowed", name)
	}
	for _, part := range strings.Split(n, "/") {
		if part == ".." {
			return "", archiveErr("%s: path traversal is not allowed", name)
		}
	}
	n = path.Clean(n)
	if n == "." {
		return "", nil
	}
	return n, nil
}

// commonRoot returns the single top-level directory shared by every name, or "".
func commonRoot(names []string, dirs map[string]bool) string {
	root := ""
	for _, n := range names {
		first, _, _ := strings.Cut(n, "/")
		if root == "" {
			root = first
		} else if first != root {
			return ""
		}
	}
	for _, n := range names {
		if n == root && !dirs[n] {
			return ""
		}
	}
	return root
}

// Extract validates data and unpacks it into dest, which must already exist.
// A single common top-level directory is stripped.
func Extract(data []byte, dest string, lim Limits) error {
	lim = lim.withDefaults()
	if int64(len(data)) > lim.MaxArchiveBytes {
		return archiveErr("archive is %d bytes, limit %d", len(data), lim.MaxArchiveBytes)
	}

	// first pass: names, types and entry count
	var names []string
	dirs := map[string]bool{}
	count := 0
	err := walk(data, func(e entry) error {
		count++
		if count > lim.MaxEntries {
			return archiveErr("more than %d entries", lim.MaxEntries)
		}
		n, err := cleanEntryName(e.name)
		if err != nil {
			return err
		}
		if n != "" {
			names = append(names, n)
			if e.kind == kindDir {
				dirs[n] = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return archiveErr("archive is empty")
	}
	root := commonRoot(names, dirs)

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	var written int64
	return walk(data, func(e entry) error {
		n, _ := cleanEntryName(e.name)
		if root != "" {
			n = strings.TrimPrefix(strings.TrimPrefix(n, root), "/")
		}
		if n == "" {
			return nil
		}
		target := filepath.Join(absDest, filepath.FromSlash(n))
		if !strings.HasPrefix(target, absDest+string(filepath.Separator)) {
			return archiveErr("%s: escapes destination", e.name)
		}
		if e.kind == kindDir {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := e.open()
		if err != nil {
			return archiveErr("%s: %v", e.name, err)
		}
		if c, ok := src.(io.Closer); ok {
			defer c.Close()
		}
		perm := os.FileMode(0o644)
		if e.exec {
			perm = 0o755
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		remaining := lim.MaxExtractedBytes - written
		n64, err := io.Copy(out, io.LimitReader(src, remaining+1))
		closeErr := out.Close()
		written += n64
		if err != nil {
			return archiveErr("%s: %v", e.name, err)
		}
		if written > lim.MaxExtractedBytes {
			return archiveErr("extracted size exceeds %d bytes", lim.MaxExtractedBytes)
		}
		return closeErr
	})
}

// ReadManifest finds and parses the manifest at the root of an extracted plugin directory.
func ReadManifest(dir string) (*Manifest, error) {
	for _, name := range ManifestFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ParseManifest(name, data)
	}
	return nil, fmt.Errorf("%w: no manifest.json or manifest.yaml found", ErrInvalidManifest)
}
