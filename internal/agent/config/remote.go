package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowmesh/flowmesh/internal/agent/watcher"
	"github.com/flowmesh/flowmesh/internal/agent/workflow"
)

// AgentSettings are the agent section of the Git-synced document.
type AgentSettings struct {
	SSHServerPort     int      `json:"sshServerPort,omitempty"`
	AuthorizedSSHKeys []string `json:"authorizedSshKeys,omitempty"`
}

// LogSettings control the runtime log level and rotation bounds.
type LogSettings struct {
	Level      string `json:"level,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// FileBrowserSettings guard the agent API's file endpoints.
type FileBrowserSettings struct {
	Enabled       bool     `json:"enabled"`
	AllowedPaths  []string `json:"allowedPaths,omitempty"`
	MaxUploadSize int64    `json:"maxUploadSize,omitempty"`
	MaxListItems  int      `json:"maxListItems,omitempty"`
}

// Remote is the per-agent document stored at agents/<id>.json in the
// config repo. The Git working tree is the source of truth; this struct
// is the derived in-memory view refreshed on reload-config.
type Remote struct {
	Agent               AgentSettings       `json:"agent"`
	LogSettings         LogSettings         `json:"logSettings"`
	FileWatcherSettings watcher.Settings    `json:"fileWatcherSettings"`
	Rules               []watcher.Rule      `json:"rules,omitempty"`
	FileBrowserSettings FileBrowserSettings `json:"fileBrowserSettings"`
	Workflows           []workflow.Workflow `json:"workflows,omitempty"`
}

// DefaultRemote returns the document written for a freshly registered
// agent: everything off or empty, file browser restricted to dataDir.
func DefaultRemote(dataDir string) *Remote {
	return &Remote{
		LogSettings: LogSettings{Level: "info", MaxSizeMB: 50, MaxAgeDays: 14, MaxBackups: 5},
		FileWatcherSettings: watcher.Settings{
			MaxConcurrent: watcher.DefaultMaxConcurrent,
		},
		FileBrowserSettings: FileBrowserSettings{
			Enabled:      true,
			AllowedPaths: []string{dataDir},
		},
	}
}

// LoadRemote reads the agent's own document from the pulled working
// tree. A missing file yields the defaults so a fresh agent can run
// before its first sync completes.
func LoadRemote(repoDir, agentID, dataDir string) (*Remote, error) {
	path := filepath.Join(repoDir, "agents", agentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRemote(dataDir), nil
		}
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}

	var cfg Remote
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid agent config %s: %w", path, err)
	}
	if cfg.FileWatcherSettings.MaxConcurrent <= 0 {
		cfg.FileWatcherSettings.MaxConcurrent = watcher.DefaultMaxConcurrent
	}
	if len(cfg.FileBrowserSettings.AllowedPaths) == 0 {
		cfg.FileBrowserSettings.AllowedPaths = []string{dataDir}
	}
	return &cfg, nil
}

// SaveRemote writes the agent's document back into the working tree,
// normalized, for a subsequent commit and push.
func SaveRemote(repoDir, agentID string, cfg *Remote) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent config: %w", err)
	}
	dir := filepath.Join(repoDir, "agents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, agentID+".json"), append(data, '\n'), 0o644)
}
