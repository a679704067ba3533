package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cfpforge/backend/internal/models"
	"github.com/cfpforge/backend/pkg/crypto"
	"github.com/cfpforge/backend/pkg/metrics"
	"github.com/cfpforge/backend/pkg/storage"
)

const (
	stagingDir = ".staging"
	backupDir  = ".backup"
	dataDir    = ".data"
)

// Store is the persistence the lifecycle service needs.
type Store interface {
	GetByName(ctx context.Context, name string) (*models.Plugin, error)
	List(ctx context.Context) ([]models.Plugin, error)
	ListByStatus(ctx context.Context, status models.PluginStatus) ([]models.Plugin, error)
	Create(ctx context.Context, p *models.Plugin) error
	UpdateStatus(ctx context.Context, name string, status models.PluginStatus, at time.Time) error
	UpdateVersion(ctx context.Context, p *models.Plugin) error
	UpdateConfig(ctx context.Context, name string, cfg json.RawMessage) error
	SetLastError(ctx context.Context, name, msg string) error
}

// Package is an archive handed to Install or Update.
type Package struct {
	Data      []byte
	Signature string
	Source    models.PluginSource
	// Name, when set, must match the manifest inside Data.
	Name string
}

// View is a plugin row as returned to admins: runtime state plus config with secrets masked.
type View struct {
	models.Plugin
	Loaded bool           `json:"loaded"`
	Config map[string]any `json:"config"`
}

// ServiceOptions wires the optional collaborators of a Service.
type ServiceOptions struct {
	Root     string
	Limits   Limits
	Gallery  *Gallery
	Verifier *Verifier
	Archives storage.ArchiveStore
	Crypto   crypto.Service
	Host     *Host
}

// Service runs the plugin lifecycle: install, update, enable, disable, uninstall and configure.
// Operations on one plugin name are serialised.
type Service struct {
	store    Store
	registry *Registry
	gallery  *Gallery
	verifier *Verifier
	archives storage.ArchiveStore
	crypt    crypto.Service
	host     *Host
	root     string
	limits   Limits
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the lifecycle service. The plugins root is created if missing.
func NewService(store Store, registry *Registry, opts ServiceOptions, logger *zap.Logger) (*Service, error) {
	if opts.Root == "" {
		return nil, errors.New("plugins root directory is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{root, filepath.Join(root, stagingDir), filepath.Join(root, backupDir), filepath.Join(root, dataDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	if opts.Verifier == nil {
		opts.Verifier = &Verifier{}
	}
	if opts.Crypto == nil {
		opts.Crypto = crypto.NoopService{}
	}
	if opts.Gallery == nil {
		opts.Gallery = NewGallery("", 0, 0)
	}
	return &Service{
		store:    store,
		registry: registry,
		gallery:  opts.Gallery,
		verifier: opts.Verifier,
		archives: opts.Archives,
		crypt:    opts.Crypto,
		host:     opts.Host,
		root:     root,
		limits:   opts.Limits.withDefaults(),
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (s *Service) lock(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) pluginDir(name string) string { return filepath.Join(s.root, name) }
func (s *Service) dataDir(name string) string   { return filepath.Join(s.root, dataDir, name) }

func track(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.PluginLifecycleOps.WithLabelValues(op, status).Inc()
}

// stage verifies and extracts an archive into a fresh staging directory and validates its manifest.
// The caller owns the returned directory.
func (s *Service) stage(pkg Package) (*Manifest, string, bool, string, error) {
	if int64(len(pkg.Data)) > s.limits.MaxArchiveBytes {
		return nil, "", false, "", fmt.Errorf("%w: archive exceeds %d bytes", ErrInvalidArchive, s.limits.MaxArchiveBytes)
	}
	digest := Digest(pkg.Data)
	signed, err := s.verifier.Verify(digest, pkg.Signature)
	if err != nil {
		return nil, "", false, "", err
	}
	dir, err := os.MkdirTemp(filepath.Join(s.root, stagingDir), "pkg-")
	if err != nil {
		return nil, "", false, "", fmt.Errorf("create staging dir: %w", err)
	}
	m, err := s.extractAndRead(pkg.Data, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", false, "", err
	}
	return m, dir, signed, digest, nil
}

func (s *Service) extractAndRead(data []byte, dir string) (*Manifest, error) {
	if err := Extract(data, dir, s.limits); err != nil {
		return nil, err
	}
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	switch m.Runtime {
	case RuntimeBuiltin:
		if _, ok := lookupFactory(m.Entry); !ok {
			return nil, invalid("builtin entry %q is not available on this host", m.Entry)
		}
	case RuntimeProcess:
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(m.Entry)))
		if err != nil || info.IsDir() {
			return nil, invalid("entry %q not found in archive", m.Entry)
		}
		if err := os.Chmod(filepath.Join(dir, filepath.FromSlash(m.Entry)), 0o755); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *Service) storeArchive(ctx context.Context, m *Manifest, digest string, data []byte) string {
	if s.archives == nil || !s.archives.Enabled() {
		return ""
	}
	key := storage.PluginArchiveKey(m.Name, m.Version, digest)
	if err := s.archives.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		s.logger.Warn("plugin archive backup failed", zap.String("plugin", m.Name), zap.Error(err))
		return ""
	}
	return key
}

func (s *Service) dropArchive(ctx context.Context, plugin, key string) {
	if key == "" || s.archives == nil || !s.archives.Enabled() {
		return
	}
	if err := s.archives.Delete(ctx, key); err != nil {
		s.logger.Warn("delete plugin archive", zap.String("plugin", plugin), zap.String("key", key), zap.Error(err))
	}
}

func rowFromManifest(m *Manifest, src models.PluginSource, digest, key string, signed bool) (*models.Plugin, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if src == "" {
		src = models.SourceUpload
	}
	return &models.Plugin{
		Name:          m.Name,
		Version:       m.Version,
		DisplayName:   m.DisplayName,
		Description:   m.Description,
		Author:        m.Author,
		Runtime:       m.Runtime,
		Entry:         m.Entry,
		APIVersion:    m.APIVersion,
		Manifest:      raw,
		Source:        src,
		ArchiveSHA256: digest,
		ArchiveKey:    key,
		Signed:        signed,
	}, nil
}

// Install validates, extracts and records a new plugin in the installed state.
func (s *Service) Install(ctx context.Context, pkg Package) (p *models.Plugin, err error) {
	defer func() { track("install", err) }()

	m, stageDir, signed, digest, err := s.stage(pkg)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stageDir)
	if pkg.Name != "" && m.Name != pkg.Name {
		return nil, fmt.Errorf("%w: archive is %q, want %q", ErrNameMismatch, m.Name, pkg.Name)
	}

	unlock := s.lock(m.Name)
	defer unlock()

	if _, err := s.store.GetByName(ctx, m.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, m.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	target := s.pluginDir(m.Name)
	if err := os.RemoveAll(target); err != nil {
		return nil, fmt.Errorf("clear plugin dir: %w", err)
	}
	if err := os.Rename(stageDir, target); err != nil {
		return nil, fmt.Errorf("move plugin into place: %w", err)
	}

	cfg, err := s.sealConfig(m, defaultConfig(m))
	if err != nil {
		_ = os.RemoveAll(target)
		return nil, err
	}
	row, err := rowFromManifest(m, pkg.Source, digest, s.storeArchive(ctx, m, digest, pkg.Data), signed)
	if err != nil {
		_ = os.RemoveAll(target)
		return nil, err
	}
	row.Config = cfg
	if err := s.store.Create(ctx, row); err != nil {
		_ = os.RemoveAll(target)
		s.dropArchive(ctx, row.Name, row.ArchiveKey)
		return nil, err
	}
	s.logger.Info("plugin installed", zap.String("plugin", row.Name), zap.String("version", row.Version),
		zap.String("source", string(row.Source)), zap.Bool("signed", row.Signed))
	return row, nil
}

// InstallFromGallery downloads name from the gallery and installs it.
func (s *Service) InstallFromGallery(ctx context.Context, name string) (*models.Plugin, error) {
	if _, err := s.store.GetByName(ctx, name); err == nil {
		track("install", ErrAlreadyExists)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	entry, err := s.gallery.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := s.gallery.Download(ctx, entry)
	if err != nil {
		return nil, err
	}
	return s.Install(ctx, Package{Data: data, Signature: entry.Signature, Source: models.SourceGallery, Name: name})
}

// Update replaces an installed plugin with a different version of the same name.
// An enabled plugin is reloaded; if the new version fails to load the old files and instance come back.
func (s *Service) Update(ctx context.Context, name string, pkg Package) (p *models.Plugin, err error) {
	defer func() { track("update", err) }()

	m, stageDir, signed, digest, err := s.stage(pkg)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stageDir)
	if m.Name != name {
		return nil, fmt.Errorf("%w: archive is %q, want %q", ErrNameMismatch, m.Name, name)
	}

	unlock := s.lock(name)
	defer unlock()

	old, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if m.Version == old.Version {
		return nil, fmt.Errorf("%w: %s", ErrSameVersion, old.Version)
	}
	oldManifest, err := decodeManifest(old)
	if err != nil {
		return nil, err
	}

	values, err := s.openConfig(oldManifest, old.Config)
	if err != nil {
		return nil, err
	}
	cfg, err := s.sealConfig(m, carryConfig(m, values))
	if err != nil {
		return nil, err
	}

	row, err := rowFromManifest(m, pkg.Source, digest, "", signed)
	if err != nil {
		return nil, err
	}
	row.ID, row.Status, row.InstalledAt, row.EnabledAt = old.ID, old.Status, old.InstalledAt, old.EnabledAt
	row.Config = cfg

	wasLoaded := s.registry.Loaded(name)
	if wasLoaded {
		_ = s.registry.Unload(ctx, name)
	}

	target := s.pluginDir(name)
	backup := filepath.Join(s.root, backupDir, fmt.Sprintf("%s-%d", name, s.now().UnixNano()))
	if err := os.Rename(target, backup); err != nil {
		s.reloadAfterFailure(ctx, old, wasLoaded)
		return nil, fmt.Errorf("move old version aside: %w", err)
	}
	restore := func() {
		_ = os.RemoveAll(target)
		if rerr := os.Rename(backup, target); rerr != nil {
			s.logger.Error("restore previous plugin version failed", zap.String("plugin", name), zap.Error(rerr))
		}
		s.reloadAfterFailure(ctx, old, wasLoaded)
	}
	if err := os.Rename(stageDir, target); err != nil {
		restore()
		return nil, fmt.Errorf("move new version into place: %w", err)
	}
	if wasLoaded {
		if err := s.load(row); err != nil {
			restore()
			return nil, err
		}
	}
	row.ArchiveKey = s.storeArchive(ctx, m, digest, pkg.Data)
	if err := s.store.UpdateVersion(ctx, row); err != nil {
		if wasLoaded {
			_ = s.registry.Unload(ctx, name)
		}
		restore()
		s.dropArchive(ctx, name, row.ArchiveKey)
		return nil, err
	}
	if err := os.RemoveAll(backup); err != nil {
		s.logger.Warn("remove plugin backup", zap.String("dir", backup), zap.Error(err))
	}
	if old.ArchiveKey != row.ArchiveKey {
		s.dropArchive(ctx, name, old.ArchiveKey)
	}
	row.UpdatedAt = s.now()
	s.logger.Info("plugin updated", zap.String("plugin", name),
		zap.String("from", old.Version), zap.String("to", row.Version))
	return row, nil
}

func (s *Service) reloadAfterFailure(ctx context.Context, old *models.Plugin, wasLoaded bool) {
	if !wasLoaded {
		return
	}
	if err := s.load(old); err != nil {
		s.logger.Error("reload previous plugin version failed", zap.String("plugin", old.Name), zap.Error(err))
		_ = s.store.SetLastError(ctx, old.Name, err.Error())
	}
}

// UpdateFromGallery updates name to the version advertised by the gallery.
func (s *Service) UpdateFromGallery(ctx context.Context, name string) (*models.Plugin, error) {
	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	entry, err := s.gallery.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	if entry.Version == row.Version {
		track("update", ErrSameVersion)
		return nil, fmt.Errorf("%w: %s", ErrSameVersion, row.Version)
	}
	data, err := s.gallery.Download(ctx, entry)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, name, Package{Data: data, Signature: entry.Signature, Source: models.SourceGallery})
}

// Enable loads the plugin and marks it enabled. A load failure is stored as last_error and the status is kept.
func (s *Service) Enable(ctx context.Context, name string) (p *models.Plugin, err error) {
	defer func() { track("enable", err) }()
	unlock := s.lock(name)
	defer unlock()

	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if row.Status != models.PluginInstalled && row.Status != models.PluginDisabled {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, name, row.Status)
	}
	if err := s.load(row); err != nil {
		_ = s.store.SetLastError(ctx, name, err.Error())
		return nil, err
	}
	now := s.now()
	if err := s.store.UpdateStatus(ctx, name, models.PluginEnabled, now); err != nil {
		_ = s.registry.Unload(ctx, name)
		return nil, err
	}
	row.Status, row.EnabledAt, row.LastError = models.PluginEnabled, &now, ""
	return row, nil
}

// Disable unloads the plugin and marks it disabled.
func (s *Service) Disable(ctx context.Context, name string) (p *models.Plugin, err error) {
	defer func() { track("disable", err) }()
	unlock := s.lock(name)
	defer unlock()

	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if row.Status != models.PluginEnabled {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, name, row.Status)
	}
	if err := s.registry.Unload(ctx, name); err != nil && !errors.Is(err, ErrNotLoaded) {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, name, models.PluginDisabled, s.now()); err != nil {
		return nil, err
	}
	row.Status, row.EnabledAt = models.PluginDisabled, nil
	return row, nil
}

// Uninstall unloads the plugin, removes its files and marks the row uninstalled.
// File removal failures are logged and do not stop the uninstall.
func (s *Service) Uninstall(ctx context.Context, name string) (err error) {
	defer func() { track("uninstall", err) }()
	unlock := s.lock(name)
	defer unlock()

	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if s.registry.Loaded(name) {
		_ = s.registry.Unload(ctx, name)
	}
	for _, dir := range []string{s.pluginDir(name), s.dataDir(name)} {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("remove plugin files", zap.String("plugin", name), zap.String("dir", dir), zap.Error(err))
		}
	}
	s.dropArchive(ctx, name, row.ArchiveKey)
	if err := s.store.UpdateStatus(ctx, name, models.PluginUninstalled, s.now()); err != nil {
		return err
	}
	s.logger.Info("plugin uninstalled", zap.String("plugin", name))
	return nil
}

// Configure validates values against the manifest schema, stores them with secrets encrypted and
// hot-reloads an enabled plugin. A secret sent back in its masked form keeps the stored value.
func (s *Service) Configure(ctx context.Context, name string, values map[string]any) (v *View, err error) {
	defer func() { track("configure", err) }()
	unlock := s.lock(name)
	defer unlock()

	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(row)
	if err != nil {
		return nil, err
	}
	current, err := s.openConfig(m, row.Config)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(values))
	for k, val := range values {
		merged[k] = val
	}
	for _, k := range m.SecretKeys() {
		if sv, ok := merged[k].(string); ok && sv != "" && sv == crypto.Mask(stringValue(current[k])) {
			merged[k] = current[k]
		}
	}
	validated, err := m.ValidateConfig(merged)
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealConfig(m, validated)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateConfig(ctx, name, sealed); err != nil {
		return nil, err
	}
	previous := row.Config
	row.Config = sealed

	if s.registry.Loaded(name) {
		_ = s.registry.Unload(ctx, name)
		if err := s.load(row); err != nil {
			row.Config = previous
			if rerr := s.store.UpdateConfig(ctx, name, previous); rerr != nil {
				s.logger.Error("revert plugin config", zap.String("plugin", name), zap.Error(rerr))
			}
			s.reloadAfterFailure(ctx, row, true)
			return nil, err
		}
	}
	return s.view(row, m, validated), nil
}

// Invoke runs an action on an enabled plugin.
func (s *Service) Invoke(ctx context.Context, name, action string, input json.RawMessage) (json.RawMessage, error) {
	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(row)
	if err != nil {
		return nil, err
	}
	if !m.HasAction(action) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAction, name, action)
	}
	return s.registry.Invoke(ctx, name, action, input)
}

// Get returns one plugin with masked config.
func (s *Service) Get(ctx context.Context, name string) (*View, error) {
	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(row)
	if err != nil {
		return nil, err
	}
	values, err := s.openConfig(m, row.Config)
	if err != nil {
		return nil, err
	}
	return s.view(row, m, values), nil
}

// List returns every installed plugin.
func (s *Service) List(ctx context.Context) ([]View, error) {
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		m, err := decodeManifest(row)
		if err != nil {
			s.logger.Warn("stored manifest unreadable", zap.String("plugin", row.Name), zap.Error(err))
			out = append(out, View{Plugin: *row, Loaded: s.registry.Loaded(row.Name), Config: map[string]any{}})
			continue
		}
		values, err := s.openConfig(m, row.Config)
		if err != nil {
			values = map[string]any{}
		}
		out = append(out, *s.view(row, m, values))
	}
	return out, nil
}

// GalleryListing returns the gallery index annotated with what is installed here.
func (s *Service) GalleryListing(ctx context.Context) ([]GalleryListing, error) {
	entries, err := s.gallery.Index(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	installed := make(map[string]string, len(rows))
	for _, r := range rows {
		installed[r.Name] = r.Version
	}
	return Annotate(entries, installed), nil
}

// ArchiveURL returns a short-lived download link for the stored archive of name.
func (s *Service) ArchiveURL(ctx context.Context, name string) (string, error) {
	row, err := s.store.GetByName(ctx, name)
	if err != nil {
		return "", err
	}
	if row.ArchiveKey == "" || s.archives == nil || !s.archives.Enabled() {
		return "", fmt.Errorf("%w: no stored archive for %s", ErrNotFound, name)
	}
	return s.archives.PresignGet(ctx, row.ArchiveKey)
}

// LoadEnabled loads every enabled plugin at startup. Missing files are restored from the archive store
// when possible; failures are recorded as last_error and the row stays enabled.
func (s *Service) LoadEnabled(ctx context.Context) int {
	rows, err := s.store.ListByStatus(ctx, models.PluginEnabled)
	if err != nil {
		s.logger.Error("list enabled plugins", zap.Error(err))
		return 0
	}
	n := 0
	for i := range rows {
		row := &rows[i]
		unlock := s.lock(row.Name)
		err := s.restoreIfMissing(ctx, row)
		if err == nil {
			err = s.load(row)
		}
		if err != nil {
			s.logger.Warn("enabled plugin not loaded", zap.String("plugin", row.Name), zap.Error(err))
			_ = s.store.SetLastError(ctx, row.Name, err.Error())
		} else {
			n++
		}
		unlock()
	}
	s.logger.Info("plugins loaded at startup", zap.Int("loaded", n), zap.Int("enabled", len(rows)))
	return n
}

func (s *Service) restoreIfMissing(ctx context.Context, row *models.Plugin) error {
	target := s.pluginDir(row.Name)
	if _, err := os.Stat(target); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if row.ArchiveKey == "" || s.archives == nil || !s.archives.Enabled() {
		return fmt.Errorf("plugin files missing and no stored archive")
	}
	body, err := s.archives.Get(ctx, row.ArchiveKey)
	if err != nil {
		return fmt.Errorf("fetch stored archive: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(body, s.limits.MaxArchiveBytes+1))
	body.Close()
	if err != nil {
		return fmt.Errorf("read stored archive: %w", err)
	}
	if row.ArchiveSHA256 != "" && Digest(data) != row.ArchiveSHA256 {
		return fmt.Errorf("%w: stored archive for %s", ErrChecksumMismatch, row.Name)
	}
	dir, err := os.MkdirTemp(filepath.Join(s.root, stagingDir), "restore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if _, err := s.extractAndRead(data, dir); err != nil {
		return err
	}
	if err := os.Rename(dir, target); err != nil {
		return fmt.Errorf("move restored plugin into place: %w", err)
	}
	s.logger.Info("plugin restored from archive store", zap.String("plugin", row.Name), zap.String("key", row.ArchiveKey))
	return nil
}

// Shutdown waits for queued hook deliveries and unloads everything.
func (s *Service) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.registry.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.registry.UnloadAll(ctx)
}

// load builds an instance for row and publishes it in the registry.
func (s *Service) load(row *models.Plugin) error {
	m, err := decodeManifest(row)
	if err != nil {
		return err
	}
	values, err := s.openConfig(m, row.Config)
	if err != nil {
		return err
	}
	cfg, err := m.ValidateConfig(values)
	if err != nil {
		return err
	}
	var instance Plugin
	switch m.Runtime {
	case RuntimeBuiltin:
		f, ok := lookupFactory(m.Entry)
		if !ok {
			return fmt.Errorf("%w: builtin %q not available", ErrLoadFailed, m.Entry)
		}
		instance = f()
	case RuntimeProcess:
		instance = newProcessPlugin(m.Entry)
	default:
		return fmt.Errorf("%w: unknown runtime %q", ErrLoadFailed, m.Runtime)
	}
	pctx := newContext(m, s.pluginDir(m.Name), s.dataDir(m.Name), cfg, s.host, s.logger)
	return s.registry.Load(m, instance, pctx)
}

func (s *Service) view(row *models.Plugin, m *Manifest, values map[string]any) *View {
	masked := make(map[string]any, len(values))
	for k, v := range values {
		masked[k] = v
	}
	for _, k := range m.SecretKeys() {
		if v, ok := masked[k]; ok {
			masked[k] = crypto.Mask(stringValue(v))
		}
	}
	return &View{Plugin: *row, Loaded: s.registry.Loaded(row.Name), Config: masked}
}

// sealConfig encrypts secret fields and encodes the document for storage.
func (s *Service) sealConfig(m *Manifest, values map[string]any) (json.RawMessage, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, k := range m.SecretKeys() {
		if v, ok := out[k]; ok {
			enc, err := s.crypt.Encrypt(stringValue(v))
			if err != nil {
				return nil, fmt.Errorf("encrypt %s: %w", k, err)
			}
			out[k] = enc
		}
	}
	return json.Marshal(out)
}

// openConfig decodes a stored document and decrypts secret fields.
func (s *Service) openConfig(m *Manifest, raw json.RawMessage) (map[string]any, error) {
	values := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decode stored config: %w", err)
		}
	}
	for _, k := range m.SecretKeys() {
		if v, ok := values[k]; ok {
			dec, err := s.crypt.Decrypt(stringValue(v))
			if err != nil {
				return nil, fmt.Errorf("decrypt %s: %w", k, err)
			}
			values[k] = dec
		}
	}
	return values, nil
}

func decodeManifest(row *models.Plugin) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(row.Manifest, &m); err != nil {
		return nil, fmt.Errorf("%w: stored manifest for %s: %v", ErrLoadFailed, row.Name, err)
	}
	return &m, nil
}

// defaultConfig returns the declared defaults.
func defaultConfig(m *Manifest) map[string]any {
	out := map[string]any{}
	for k, f := range m.Config {
		if f.Default != nil {
			if v, err := coerce(f.Type, f.Default); err == nil {
				out[k] = v
			}
		}
	}
	return out
}

// carryConfig keeps the values that still fit the new schema and fills new defaults.
func carryConfig(m *Manifest, values map[string]any) map[string]any {
	out := defaultConfig(m)
	for k, v := range values {
		f, ok := m.Config[k]
		if !ok {
			continue
		}
		if cv, err := coerce(f.Type, v); err == nil {
			out[k] = cv
		}
	}
	return out
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
