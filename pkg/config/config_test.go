package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "email_events", cfg.Pipeline.EventsTable)
	assert.Equal(t, "email_archive", cfg.Pipeline.ArchiveTable)
	assert.Equal(t, int64(3), cfg.Pipeline.MaxReceiveCount)
	assert.Equal(t, 90, cfg.Pipeline.RetentionDays)
	assert.Equal(t, 10, cfg.Pipeline.BatchSize)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Empty(t, cfg.Pipeline.WebhookURLs)
	assert.Equal(t, 5432, cfg.DB.Port)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "email_events", cfg.Pipeline.EventsTable)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  host: db.internal
  name: events
pipeline:
  events_table: email_events_v2
  webhook_urls:
    - https://hooks.example.com/a
    - https://hooks.example.com/b
  max_receive_count: 5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, "events", cfg.DB.Name)
	assert.Equal(t, "email_events_v2", cfg.Pipeline.EventsTable)
	assert.Equal(t, []string{"https://hooks.example.com/a", "https://hooks.example.com/b"}, cfg.Pipeline.WebhookURLs)
	assert.Equal(t, int64(5), cfg.Pipeline.MaxReceiveCount)
	// Untouched fields keep their defaults.
	assert.Equal(t, 90, cfg.Pipeline.RetentionDays)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_URLS", "https://a.example.com, https://b.example.com")
	t.Setenv("MAX_RECEIVE_COUNT", "7")
	t.Setenv("RETENTION_DAYS", "30")
	t.Setenv("EVENTS_TABLE", "email_events_staging")
	t.Setenv("DB_HOST", "override.internal")
	t.Setenv("DB_PORT", "5433")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Pipeline.WebhookURLs)
	assert.Equal(t, int64(7), cfg.Pipeline.MaxReceiveCount)
	assert.Equal(t, 30, cfg.Pipeline.RetentionDays)
	assert.Equal(t, "email_events_staging", cfg.Pipeline.EventsTable)
	assert.Equal(t, "override.internal", cfg.DB.Host)
	assert.Equal(t, 5433, cfg.DB.Port)
}
