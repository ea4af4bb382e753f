// Package config provides configuration management for the controller.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flowmesh/flowmesh/internal/common/logger"
)

// Config holds all configuration sections for the controller.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Database   DatabaseConfig       `mapstructure:"database"`
	NATS       NATSConfig           `mapstructure:"nats"`
	Hub        HubConfig            `mapstructure:"hub"`
	ConfigRepo ConfigRepoConfig     `mapstructure:"configRepo"`
	GitServer  GitServerConfig      `mapstructure:"gitServer"`
	Proxy      ProxyConfig          `mapstructure:"proxy"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HubConfig holds control-channel hub configuration.
type HubConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // T_h in seconds
}

// ConfigRepoConfig holds the Git config store location.
type ConfigRepoConfig struct {
	Path string `mapstructure:"path"`
}

// GitServerConfig holds the authenticated Git-over-SSH endpoint configuration.
// AdvertisedURL is the clone URL handed to agents at registration; when empty
// it is derived from Host and Port.
type GitServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	HostKeyPath   string `mapstructure:"hostKeyPath"`
	AdvertisedURL string `mapstructure:"advertisedUrl"`
}

// ProxyConfig holds pull-through proxy configuration.
type ProxyConfig struct {
	Timeout int `mapstructure:"timeout"` // T_proxy in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatIntervalDuration returns T_h as a time.Duration.
func (h *HubConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Second
}

// TimeoutDuration returns T_proxy as a time.Duration.
func (p *ProxyConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// CloneURL returns the Git URL advertised to agents.
func (g *GitServerConfig) CloneURL() string {
	if g.AdvertisedURL != "" {
		return g.AdvertisedURL
	}
	return fmt.Sprintf("ssh://agent@%s:%d/config-repo", g.Host, g.Port)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./flowmesh.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "flowmesh-controller")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("hub.heartbeatInterval", 30)

	v.SetDefault("configRepo.path", "./config-repo")

	v.SetDefault("gitServer.host", "0.0.0.0")
	v.SetDefault("gitServer.port", 2222)
	v.SetDefault("gitServer.hostKeyPath", "./ssh_host_key")
	v.SetDefault("gitServer.advertisedUrl", "")

	v.SetDefault("proxy.timeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLOWMESH_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLOWMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("controller")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flowmesh")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// No config file is fine, defaults and env vars apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Hub.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("hub.heartbeatInterval must be positive, got %d", cfg.Hub.HeartbeatInterval)
	}

	return &cfg, nil
}
