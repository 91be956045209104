package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ToolConfig tells an agent-side tool process how to reach the hub. The
// workspace orchestrator writes it at spawn time; the `hgnucomb tool`
// subcommand loads it to connect back over the tool-call channel.
type ToolConfig struct {
	ToolBin string `json:"tool_bin"` // absolute path to the hgnucomb executable
	AgentID string `json:"agent_id"`
	BusAddr string `json:"bus_addr"` // host:port of the hub
}

// SaveToolConfig writes the tool config for an agent and returns its path.
func SaveToolConfig(agentID string, tc ToolConfig) (string, error) {
	data, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return "", err
	}
	path := ToolConfigPath(agentID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing tool config: %w", err)
	}
	return path, nil
}

// LoadToolConfig reads a tool config from an explicit path.
func LoadToolConfig(path string) (*ToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tc ToolConfig
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parsing tool config %s: %w", path, err)
	}
	return &tc, nil
}
