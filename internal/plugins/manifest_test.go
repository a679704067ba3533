package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfpforge/backend/internal/hooks"
)

func TestParseManifestJSONAndYAML(t *testing.T) {
	m, err := ParseManifest("manifest.json", []byte(`{
		"name": "slack-notify", "version": "1.4.0", "displayName": "Slack",
		"apiVersion": "1.1", "runtime": "process", "entry": "bin/run",
		"permissions": ["network:outbound", "submissions:read"],
		"hooks": ["submission.created"],
		"actions": [{"name": "test"}],
		"config": {"webhook": {"type": "string", "required": true, "secret": true}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "slack-notify", m.Name)
	assert.True(t, m.Subscribes(hooks.SubmissionCreated))
	assert.False(t, m.Subscribes(hooks.ReviewSubmitted))
	assert.True(t, m.HasAction("test"))
	assert.Equal(t, []string{"webhook"}, m.SecretKeys())

	y, err := ParseManifest("manifest.yaml", []byte(`
name: digest
version: 0.1.0-beta.1
displayName: Weekly digest
apiVersion: "1.2"
runtime: builtin
entry: webhook-relay
permissions: ["reviews:read"]
hooks: [review.submitted]
`))
	require.NoError(t, err)
	assert.Equal(t, "0.1.0-beta.1", y.Version)
	assert.True(t, y.HasPermission(hooks.PermReviewsRead))
}

func TestManifestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"bad name", func(m *Manifest) { m.Name = "Bad_Name" }},
		{"one char name", func(m *Manifest) { m.Name = "a" }},
		{"bad version", func(m *Manifest) { m.Version = "1.0" }},
		{"missing display name", func(m *Manifest) { m.DisplayName = "" }},
		{"newer api minor", func(m *Manifest) { m.APIVersion = "1.3" }},
		{"other api major", func(m *Manifest) { m.APIVersion = "2.0" }},
		{"unknown runtime", func(m *Manifest) { m.Runtime = "wasm" }},
		{"process entry escapes", func(m *Manifest) { m.Runtime, m.Entry = RuntimeProcess, "../bin/run" }},
		{"process entry absolute", func(m *Manifest) { m.Runtime, m.Entry = RuntimeProcess, "/usr/bin/env" }},
		{"unknown permission", func(m *Manifest) { m.Permissions = append(m.Permissions, "root:all") }},
		{"unknown hook", func(m *Manifest) { m.Hooks = []hooks.Hook{"user.deleted"} }},
		{"hook without permission", func(m *Manifest) { m.Hooks = []hooks.Hook{hooks.EventPublished} }},
		{"duplicate action", func(m *Manifest) { m.Actions = []Action{{Name: "go"}, {Name: "go"}} }},
		{"bad action name", func(m *Manifest) { m.Actions = []Action{{Name: "Go!"}} }},
		{"bad config type", func(m *Manifest) { m.Config = map[string]ConfigField{"x": {Type: "list"}} }},
		{"secret number", func(m *Manifest) { m.Config = map[string]ConfigField{"x": {Type: FieldNumber, Secret: true}} }},
		{"bad default", func(m *Manifest) { m.Config = map[string]ConfigField{"x": {Type: FieldBoolean, Default: "maybe"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := builtinManifest("valid-one", "1.0.0")
			tt.mutate(&m)
			assert.ErrorIs(t, m.Validate(), ErrInvalidManifest)
		})
	}
}

func TestParseManifestUnsupportedFile(t *testing.T) {
	_, err := ParseManifest("manifest.toml", []byte(`name = "x"`))
	assert.ErrorIs(t, err, ErrInvalidManifest)
	_, err = ParseManifest("manifest.json", []byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestAPICompatible(t *testing.T) {
	assert.True(t, APICompatible("1.0"))
	assert.True(t, APICompatible("1.2"))
	assert.False(t, APICompatible("1.3"))
	assert.False(t, APICompatible("0.9"))
	assert.False(t, APICompatible("one"))
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("1.2.3", "1.2.3"))
	assert.Equal(t, 1, CompareVersions("1.10.0", "1.9.9"))
	assert.Equal(t, -1, CompareVersions("1.0.0-rc.1", "1.0.0"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "1.99.99"))
}

func TestValidateConfig(t *testing.T) {
	m := &Manifest{Config: map[string]ConfigField{
		"url":     {Type: FieldString, Required: true},
		"retries": {Type: FieldNumber, Default: 3},
		"verbose": {Type: FieldBoolean},
	}}

	out, err := m.ValidateConfig(map[string]any{"url": "https://x.test", "verbose": "true", "extra": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "https://x.test", "retries": float64(3), "verbose": true}, out)

	_, err = m.ValidateConfig(map[string]any{"retries": 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = m.ValidateConfig(map[string]any{"url": "x", "retries": "many"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
