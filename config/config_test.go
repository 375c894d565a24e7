package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves the test into dir and restores the working directory at
// cleanup, so default-path config lookups see a known-empty directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Signaling.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Transport.DiscoveryTimeout)
	assert.Equal(t, 5*time.Second, cfg.Transport.KeepAliveInterval)
	assert.Equal(t, 64, cfg.Transport.QueueSize)
	assert.Equal(t, 8, cfg.Bridge.ReorderWindow)
	assert.Equal(t, 5, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Session.ReconnectBackoff)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice.yaml")
	content := []byte(`
log_level: debug
signaling:
  handshake_timeout: 3s
bridge:
  reorder_window: 16
session:
  max_reconnect_attempts: 2
  reconnect_backoff: 250ms
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Signaling.HandshakeTimeout)
	assert.Equal(t, 16, cfg.Bridge.ReorderWindow)
	assert.Equal(t, 2, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.ReconnectBackoff)
	// Untouched sections keep their defaults.
	assert.Equal(t, 64, cfg.Transport.QueueSize)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DISCORDVOICE_SESSION_MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("DISCORDVOICE_LOG_LEVEL", "warning")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, "warning", cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown log level", "log_level: shouting"},
		{"negative retries", "session:\n  max_reconnect_attempts: -1"},
		{"zero reorder window", "bridge:\n  reorder_window: 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "voice.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
