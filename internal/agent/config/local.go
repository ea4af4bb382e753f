// Package config holds the agent's two configuration layers: the
// local-only config.json written beside the identity files, and the
// Git-synced per-agent document pulled from the controller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// DefaultAPIPort is the agent local API port.
const DefaultAPIPort = 8088

// Local is the agent's machine-local configuration. It carries identity
// and connection state only and is never written back to Git.
type Local struct {
	AgentID       string   `json:"agentId,omitempty"`
	ControllerURL string   `json:"controllerUrl,omitempty"`
	GitURL        string   `json:"gitUrl,omitempty"`
	APIPort       int      `json:"apiPort,omitempty"`
	CORSOrigins   []string `json:"corsOrigins,omitempty"`
	Registered    bool     `json:"registered"`
}

// Paths resolves the fixed on-disk layout beneath the agent data dir.
type Paths struct {
	DataDir     string
	LocalConfig string
	PrivateKey  string
	PublicKey   string
	RepoDir     string
	Journal     string
	LogFile     string
}

// NewPaths lays out the agent files beneath dataDir.
func NewPaths(dataDir string) Paths {
	return Paths{
		DataDir:     dataDir,
		LocalConfig: filepath.Join(dataDir, "config.json"),
		PrivateKey:  filepath.Join(dataDir, "agent_key"),
		PublicKey:   filepath.Join(dataDir, "agent_key.pub"),
		RepoDir:     filepath.Join(dataDir, "config-repo"),
		Journal:     filepath.Join(dataDir, "state.json"),
		LogFile:     filepath.Join(dataDir, "agent.log"),
	}
}

// LoadLocal reads config.json, returning an empty config when the file
// does not exist yet.
func LoadLocal(path string) (*Local, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Local{APIPort: DefaultAPIPort}, nil
		}
		return nil, fmt.Errorf("failed to read local config: %w", err)
	}

	var cfg Local
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("corrupt local config %s: %w", path, err)
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = DefaultAPIPort
	}
	return &cfg, nil
}

// SaveLocal writes config.json atomically with owner-only permissions.
func SaveLocal(path string, cfg *Local) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal local config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write local config: %w", err)
	}
	return nil
}
