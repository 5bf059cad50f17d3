package agent

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
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "server_url: wss://chap.example.com/agent/ws\ntoken: abc123\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://chap.example.com/agent/ws", cfg.ServerURL)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, time.Second, cfg.ReconnectMin.Std())
	assert.Equal(t, time.Minute, cfg.ReconnectMax.Std())
	assert.Equal(t, "docker", cfg.DockerBin)
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `server_url: wss://chap.example.com/agent/ws
token: abc123
heartbeat_interval: 10s
docker_bin: /usr/local/bin/docker
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, "/usr/local/bin/docker", cfg.DockerBin)
}

func TestLoadConfig_MissingToken(t *testing.T) {
	path := writeConfig(t, "server_url: wss://chap.example.com/agent/ws\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
