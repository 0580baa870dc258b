package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.Sync.BatchLimit)
	assert.Equal(t, 5, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.InitialBackoff)
	assert.Equal(t, 60*time.Second, cfg.Queue.JobTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Renewal.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.StaleAfter)
	assert.Equal(t, 24*time.Hour, cfg.Outlook.RenewalMargin)
	assert.Equal(t, 5*time.Minute, cfg.IMAP.PollInterval)
	assert.Equal(t, 25*time.Minute, cfg.IMAP.IdleCycle)
	assert.False(t, cfg.Production())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
listen_addr: ":9090"
webhook_base_url: https://mail.example.com
sync:
  batch_limit: 250
queue:
  workers: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 250, cfg.Sync.BatchLimit)
	assert.Equal(t, 10, cfg.Queue.Workers)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
}

func TestValidateRequiresHTTPSInProduction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
webhook_base_url: http://mail.example.com
`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "must be HTTPS")
}

func TestValidateRejectsNonsenseValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Queue.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg.Queue.Workers = 5
	cfg.Sync.BatchLimit = 0
	assert.Error(t, cfg.Validate())
}
