// Package config holds the hub configuration file, the per-agent tool
// configuration, and the filesystem/env conventions shared across processes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables handed to a spawned agent process.
const (
	EnvContextFile = "HGNUCOMB_CONTEXT_FILE"
	EnvWorkspace   = "HGNUCOMB_WORKSPACE"
	EnvParentID    = "HGNUCOMB_PARENT_ID"
	EnvToolConfig  = "HGNUCOMB_TOOL_CONFIG"
	EnvAgentID     = "HGNUCOMB_AGENT_ID"
	EnvBusAddr     = "HGNUCOMB_BUS_ADDR"
	EnvDataDir     = "HGNUCOMB_DATA_DIR"
)

// Config is the hub configuration loaded from ~/.hgnucomb/config.yaml.
// Flags override these values; everything has a usable default.
type Config struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	RepoDir      string   `yaml:"repo_dir"`
	AgentCommand string   `yaml:"agent_command"`
	AgentModel   string   `yaml:"agent_model"`
	AllowedTools []string `yaml:"allowed_tools"`
	LogLevel     string   `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         4880,
		AgentCommand: "claude",
		AllowedTools: []string{"Bash", "Read", "Write", "Edit"},
		LogLevel:     "info",
	}
}

// Load reads the config file, overlaying defaults. A missing file is not an
// error; a malformed one is.
func Load() (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", Path(), err)
	}
	return cfg, nil
}

// Save writes the config file, creating the data dir if needed.
func Save(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(DataDir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(Path(), data, 0644)
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// DataDir returns the global hgnucomb data directory (~/.hgnucomb).
func DataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".hgnucomb")
}

// AgentDir returns the per-agent ephemeral directory, creating it if needed.
// It lives outside the workspace so it survives workspace teardown and is
// never committed.
func AgentDir(agentID string) string {
	dir := filepath.Join(DataDir(), "agents", agentID)
	os.MkdirAll(dir, 0755)
	return dir
}

// ToolConfigPath returns the tool configuration file path for an agent.
func ToolConfigPath(agentID string) string {
	return filepath.Join(AgentDir(agentID), "tool.json")
}

// ContextDir returns the directory holding per-agent context snapshots.
func ContextDir() string {
	dir := filepath.Join(DataDir(), "contexts")
	os.MkdirAll(dir, 0755)
	return dir
}
