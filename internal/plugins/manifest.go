package plugins

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cfpforge/backend/internal/hooks"
)

// HostAPIVersion is the plugin API this host implements. A plugin targeting
// MAJOR.MINOR is compatible when MAJOR matches and MINOR is not newer.
const HostAPIVersion = "1.2"

// Runtimes a manifest may name.
const (
	RuntimeBuiltin = "builtin"
	RuntimeProcess = "process"
)

// Manifest file names, in lookup order.
var ManifestFiles = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)
	versionPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z.-]+)?$`)
	apiPattern     = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)$`)
	actionPattern  = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
)

// Manifest describes a plugin package.
type Manifest struct {
	Name        string                 `json:"name" yaml:"name"`
	Version     string                 `json:"version" yaml:"version"`
	DisplayName string                 `json:"displayName" yaml:"displayName"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	Author      string                 `json:"author,omitempty" yaml:"author"`
	Homepage    string                 `json:"homepage,omitempty" yaml:"homepage"`
	APIVersion  string                 `json:"apiVersion" yaml:"apiVersion"`
	Runtime     string                 `json:"runtime" yaml:"runtime"`
	Entry       string                 `json:"entry" yaml:"entry"`
	Permissions []hooks.Permission     `json:"permissions,omitempty" yaml:"permissions"`
	Hooks       []hooks.Hook           `json:"hooks,omitempty" yaml:"hooks"`
	Actions     []Action               `json:"actions,omitempty" yaml:"actions"`
	Config      map[string]ConfigField `json:"config,omitempty" yaml:"config"`
}

// Action is a named operation an admin can trigger.
type Action struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Config field types.
const (
	FieldString  = "string"
	FieldNumber  = "number"
	FieldBoolean = "boolean"
)

// ConfigField declares one configuration value.
type ConfigField struct {
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required,omitempty" yaml:"required"`
	Secret      bool   `json:"secret,omitempty" yaml:"secret"`
	Default     any    `json:"default,omitempty" yaml:"default"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// ParseManifest decodes data as JSON or YAML depending on filename, then validates it.
func ParseManifest(filename string, data []byte) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(path.Ext(filename)) {
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported manifest file %q", ErrInvalidManifest, filename)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidManifest, fmt.Sprintf(format, args...))
}

// Validate checks every manifest rule. It does not look at the filesystem.
func (m *Manifest) Validate() error {
	if !namePattern.MatchString(m.Name) {
		return invalid("name %q must match %s", m.Name, namePattern)
	}
	if !versionPattern.MatchString(m.Version) {
		return invalid("version %q is not MAJOR.MINOR.PATCH", m.Version)
	}
	if m.DisplayName == "" || len(m.DisplayName) > 100 {
		return invalid("displayName is required and at most 100 characters")
	}
	if !APICompatible(m.APIVersion) {
		return invalid("apiVersion %q is not compatible with host %s", m.APIVersion, HostAPIVersion)
	}
	switch m.Runtime {
	case RuntimeBuiltin:
		if m.Entry == "" {
			return invalid("entry is required")
		}
	case RuntimeProcess:
		if err := checkRelativePath(m.Entry); err != nil {
			return invalid("entry %q: %v", m.Entry, err)
		}
	default:
		return invalid("runtime must be %q or %q", RuntimeBuiltin, RuntimeProcess)
	}

	perms := make(map[hooks.Permission]bool, len(m.Permissions))
	for _, p := range m.Permissions {
		if _, ok := hooks.KnownPermissions[p]; !ok {
			return invalid("unknown permission %q", p)
		}
		perms[p] = true
	}
	seenHooks := make(map[hooks.Hook]bool, len(m.Hooks))
	for _, h := range m.Hooks {
		need, ok := hooks.Required[h]
		if !ok {
			return invalid("unknown hook %q", h)
		}
		if !perms[need] {
			return invalid("hook %q requires permission %q", h, need)
		}
		if seenHooks[h] {
			return invalid("hook %q listed twice", h)
		}
		seenHooks[h] = true
	}
	seenActions := make(map[string]bool, len(m.Actions))
	for _, a := range m.Actions {
		if !actionPattern.MatchString(a.Name) {
			return invalid("action name %q must match %s", a.Name, actionPattern)
		}
		if seenActions[a.Name] {
			return invalid("action %q declared twice", a.Name)
		}
		seenActions[a.Name] = true
	}
	for key, f := range m.Config {
		switch f.Type {
		case FieldString, FieldNumber, FieldBoolean:
		default:
			return invalid("config %q: type must be string, number or boolean", key)
		}
		if f.Secret && f.Type != FieldString {
			return invalid("config %q: secret fields must be strings", key)
		}
		if f.Default != nil {
			if _, err := coerce(f.Type, f.Default); err != nil {
				return invalid("config %q: default %v", key, err)
			}
		}
	}
	return nil
}

// checkRelativePath rejects absolute paths and any ".." component.
func checkRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return fmt.Errorf("absolute path")
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("path escapes plugin directory")
		}
	}
	return nil
}

// APICompatible reports whether a plugin built for v runs on this host.
func APICompatible(v string) bool {
	want := apiPattern.FindStringSubmatch(v)
	have := apiPattern.FindStringSubmatch(HostAPIVersion)
	if want == nil || have == nil {
		return false
	}
	wMaj, _ := strconv.Atoi(want[1])
	wMin, _ := strconv.Atoi(want[2])
	hMaj, _ := strconv.Atoi(have[1])
	hMin, _ := strconv.Atoi(have[2])
	return wMaj == hMaj && wMin <= hMin
}

// CompareVersions orders two semantic versions: -1, 0 or 1. A prerelease sorts before its release.
// Unparseable versions compare as strings.
func CompareVersions(a, b string) int {
	ma := versionPattern.FindStringSubmatch(a)
	mb := versionPattern.FindStringSubmatch(b)
	if ma == nil || mb == nil {
		return strings.Compare(a, b)
	}
	for i := 1; i <= 3; i++ {
		x, _ := strconv.Atoi(ma[i])
		y, _ := strconv.Atoi(mb[i])
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch pa, pb := ma[4], mb[4]; {
	case pa == pb:
		return 0
	case pa == "":
		return 1
	case pb == "":
		return -1
	default:
		return strings.Compare(pa, pb)
	}
}

// HasPermission reports whether the manifest declares p.
func (m *Manifest) HasPermission(p hooks.Permission) bool {
	for _, have := range m.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Subscribes reports whether the plugin listens to h.
func (m *Manifest) Subscribes(h hooks.Hook) bool {
	for _, have := range m.Hooks {
		if have == h {
			return true
		}
	}
	return false
}

// HasAction reports whether the plugin declares action name.
func (m *Manifest) HasAction(name string) bool {
	for _, a := range m.Actions {
		if a.Name == name {
			return true
		}
	}
	return false
}

// ValidateConfig checks values against the config schema, coerces types, fills defaults and drops unknown keys.
func (m *Manifest) ValidateConfig(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Config))
	for key, f := range m.Config {
		v, ok := values[key]
		if !ok || v == nil || v == "" {
			if f.Default != nil {
				dv, _ := coerce(f.Type, f.Default)
				out[key] = dv
				continue
			}
			if f.Required {
				return nil, fmt.Errorf("%w: %q is required", ErrInvalidConfig, key)
			}
			continue
		}
		cv, err := coerce(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q %v", ErrInvalidConfig, key, err)
		}
		out[key] = cv
	}
	return out, nil
}

// SecretKeys lists config keys marked secret.
func (m *Manifest) SecretKeys() []string {
	var keys []string
	for k, f := range m.Config {
		if f.Secret {
			keys = append(keys, k)
		}
	}
	return keys
}

func coerce(typ string, v any) (any, error) {
	switch typ {
	case FieldString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case FieldNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, nil
			}
		}
	case FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if p, err := strconv.ParseBool(b); err == nil {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("must be a %s", typ)
}
