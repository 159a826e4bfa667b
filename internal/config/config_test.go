package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yml", "env: test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8083", cfg.HTTP.Addr)
	require.Equal(t, 200, cfg.Relay.HistorySize)
	require.Equal(t, 30*time.Second, cfg.Relay.HeartbeatInterval.Std())
	require.Equal(t, 5*time.Minute, cfg.Moderation.RefreshInterval.Std())
	require.Equal(t, 15*time.Minute, cfg.Blob.GrantTTL.Std())
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, "config.yml", `
http:
  addr: ":9000"
relay:
  history_size: 50
  heartbeat_interval: 10s
moderation:
  endpoint: "http://mod.internal/roster"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.HTTP.Addr)
	require.Equal(t, 50, cfg.Relay.HistorySize)
	require.Equal(t, 10*time.Second, cfg.Relay.HeartbeatInterval.Std())
	require.Equal(t, "http://mod.internal/roster", cfg.Moderation.Endpoint)
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "config.yml", "relay:\n  heartbeat_interval: soon\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadLaterFilesWin(t *testing.T) {
	base := writeConfig(t, "common.yml", "http:\n  addr: \":9000\"\n")
	override := writeConfig(t, "relay.yml", "http:\n  addr: \":9100\"\n")

	cfg, err := Load(base + "," + override)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.HTTP.Addr)
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("  ")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yml")
	require.Error(t, err)
}
