// Package config handles Kioku configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./kioku.yaml, ~/.config/kioku/config.yaml, /etc/kioku/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"kioku.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kioku", "config.yaml"))
	}

	paths = append(paths, "/etc/kioku/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Kioku configuration.
type Config struct {
	DataDir     string        `yaml:"data_dir"`
	ServersFile string        `yaml:"servers_file"`
	LogLevel    string        `yaml:"log_level"`
	Capture     CaptureConfig `yaml:"capture"`
	MQTT        MQTTConfig    `yaml:"mqtt"`
}

// CaptureConfig controls the auto-capture pipeline defaults.
type CaptureConfig struct {
	// Enabled captures every tool result as a chunk unless the caller
	// overrides it per call.
	Enabled bool `yaml:"enabled"`
	// DatabaseFile overrides the chunk database location. Relative
	// paths are resolved under data_dir.
	DatabaseFile string `yaml:"database_file"`
}

// MQTTConfig defines the optional event publisher settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "kioku"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:     ".",
		ServersFile: "mcp_servers.json",
		Capture: CaptureConfig{
			DatabaseFile: "kioku.db",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "kioku",
		},
	}
}

// ChunkDBPath returns the resolved chunk database path.
func (c *Config) ChunkDBPath() string {
	if filepath.IsAbs(c.Capture.DatabaseFile) {
		return c.Capture.DatabaseFile
	}
	return filepath.Join(c.DataDir, c.Capture.DatabaseFile)
}

// ServersFilePath returns the resolved MCP servers file path.
func (c *Config) ServersFilePath() string {
	if filepath.IsAbs(c.ServersFile) {
		return c.ServersFile
	}
	return filepath.Join(c.DataDir, c.ServersFile)
}
