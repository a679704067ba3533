package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PluginStatus is the persisted lifecycle state of a plugin.
type PluginStatus string

const (
	PluginInstalled   PluginStatus = "installed"
	PluginEnabled     PluginStatus = "enabled"
	PluginDisabled    PluginStatus = "disabled"
	PluginUninstalled PluginStatus = "uninstalled"
)

// PluginSource records where an archive came from.
type PluginSource string

const (
	SourceUpload  PluginSource = "upload"
	SourceGallery PluginSource = "gallery"
)

// Plugin is the database row for an installed plugin.
// Config is stored with secret fields encrypted.
type Plugin struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	DisplayName   string          `json:"display_name"`
	Description   string          `json:"description"`
	Author        string          `json:"author"`
	Runtime       string          `json:"runtime"`
	Entry         string          `json:"entry"`
	APIVersion    string          `json:"api_version"`
	Manifest      json.RawMessage `json:"manifest"`
	Status        PluginStatus    `json:"status"`
	Config        json.RawMessage `json:"-"`
	Source        PluginSource    `json:"source"`
	ArchiveSHA256 string          `json:"archive_sha256"`
	ArchiveKey    string          `json:"-"`
	Signed        bool            `json:"signed"`
	LastError     string          `json:"last_error,omitempty"`
	InstalledAt   time.Time       `json:"installed_at"`
	EnabledAt     *time.Time      `json:"enabled_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FederationSettings is the single row holding the directory connection.
// APIKey and WebhookSecret are decrypted values.
type FederationSettings struct {
	Enabled       bool       `json:"enabled"`
	DirectoryURL  string     `json:"directory_url"`
	APIKey        string     `json:"-"`
	WebhookSecret string     `json:"-"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
