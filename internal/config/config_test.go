package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "/usr/share/appdock/json", cfg.BaseDir)
	assert.Equal(t, "/var/lib/appdock/local", cfg.LocalDir)
	assert.Equal(t, "/var/lib/appdock/appdock.db", cfg.DBPath)
	assert.Equal(t, "/run/appdock/appdockd.sock", cfg.SocketPath)
	assert.Equal(t, "localhost", cfg.VEHost)
	assert.Equal(t, 10*time.Minute, cfg.CommandTimeout)
	assert.Empty(t, cfg.MetricsListen)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
base_dir: /opt/appdock/json
socket_path: /tmp/appdock.sock
metrics_listen: "127.0.0.1:9090"
ve_host: pve-1
command_timeout_seconds: 60
probe_timeout_seconds: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/appdock/json", cfg.BaseDir)
	assert.Equal(t, "/tmp/appdock.sock", cfg.SocketPath)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsListen)
	assert.Equal(t, "pve-1", cfg.VEHost)
	assert.Equal(t, time.Minute, cfg.CommandTimeout)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	// Untouched settings keep their defaults.
	assert.Equal(t, "/var/lib/appdock/appdock.db", cfg.DBPath)
}

func TestLoadDerivesPathsFromDataDir(t *testing.T) {
	t.Run("derived", func(t *testing.T) {
		path := writeConfig(t, "data_dir: /srv/appdock\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/srv/appdock", cfg.DataDir)
		assert.Equal(t, "/srv/appdock/appdock.db", cfg.DBPath)
		assert.Equal(t, "/srv/appdock/local", cfg.LocalDir)
	})

	t.Run("explicit values win", func(t *testing.T) {
		path := writeConfig(t, `
data_dir: /srv/appdock
db_path: /elsewhere/state.db
local_dir: /elsewhere/local
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/elsewhere/state.db", cfg.DBPath)
		assert.Equal(t, "/elsewhere/local", cfg.LocalDir)
	})
}

func TestLoadMissingFile(t *testing.T) {
	t.Run("explicit path must exist", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "read config")
	})
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "base_dir: [\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing base dir", func(c *Config) { c.BaseDir = "" }, "base_dir is required"},
		{"missing db path", func(c *Config) { c.DBPath = "" }, "db_path is required"},
		{"missing socket", func(c *Config) { c.SocketPath = "" }, "socket_path is required"},
		{"missing ve host", func(c *Config) { c.VEHost = "" }, "ve_host is required"},
		{"zero timeout", func(c *Config) { c.CommandTimeout = 0 }, "command timeout must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.EqualError(t, cfg.Validate(), tc.want)
		})
	}
}
