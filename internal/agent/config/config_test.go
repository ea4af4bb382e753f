package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := &Local{
		AgentID:       "agent-1",
		ControllerURL: "ws://controller:8080/ws/agent",
		GitURL:        "ssh://git@controller:2222/config-repo",
		APIPort:       9099,
		Registered:    true,
	}
	require.NoError(t, SaveLocal(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadLocal(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadLocalMissingFile(t *testing.T) {
	cfg, err := LoadLocal(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.AgentID)
	assert.False(t, cfg.Registered)
	assert.Equal(t, DefaultAPIPort, cfg.APIPort)
}

func TestRemoteRoundTrip(t *testing.T) {
	repoDir := t.TempDir()
	dataDir := t.TempDir()

	cfg := DefaultRemote(dataDir)
	cfg.Agent.SSHServerPort = 2022
	cfg.Agent.AuthorizedSSHKeys = []string{"ssh-rsa AAAA peer"}
	cfg.LogSettings.Level = "debug"
	require.NoError(t, SaveRemote(repoDir, "agent-1", cfg))

	loaded, err := LoadRemote(repoDir, "agent-1", dataDir)
	require.NoError(t, err)
	assert.Equal(t, 2022, loaded.Agent.SSHServerPort)
	assert.Equal(t, "debug", loaded.LogSettings.Level)
	assert.Equal(t, []string{dataDir}, loaded.FileBrowserSettings.AllowedPaths)
}

func TestLoadRemoteMissingFileYieldsDefaults(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := LoadRemote(t.TempDir(), "agent-x", dataDir)
	require.NoError(t, err)
	assert.True(t, cfg.FileBrowserSettings.Enabled)
	assert.Equal(t, []string{dataDir}, cfg.FileBrowserSettings.AllowedPaths)
	assert.Greater(t, cfg.FileWatcherSettings.MaxConcurrent, 0)
}

func TestNewPathsLayout(t *testing.T) {
	paths := NewPaths("/var/lib/agent")
	assert.Equal(t, "/var/lib/agent/config.json", paths.LocalConfig)
	assert.Equal(t, "/var/lib/agent/agent_key", paths.PrivateKey)
	assert.Equal(t, "/var/lib/agent/config-repo", paths.RepoDir)
	assert.Equal(t, "/var/lib/agent/state.json", paths.Journal)
	assert.Equal(t, "/var/lib/agent/agent.log", paths.LogFile)
}
