// Package agentctx builds the bounded "local view" handed to a newly spawned
// agent: nearby agents, the assigned task, and a capability set. The snapshot
// is written to a file whose path is the only channel by which the spawned
// process discovers its context before opening its own tool-call channel.
package agentctx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agent"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/config"
)

// MaxChildren is the fixed spawn fan-out: one child per adjacent hex cell.
const MaxChildren = 6

// Capabilities is what the spawned agent is allowed to do.
type Capabilities struct {
	CanSpawn    bool `json:"can_spawn"`
	MaxChildren int  `json:"max_children"`
}

// Neighbor is another agent within the visibility distance.
type Neighbor struct {
	ID       string         `json:"id"`
	Kind     agent.Kind     `json:"kind"`
	Position agent.Position `json:"position"`
	Distance int            `json:"distance"`
	IsParent bool           `json:"is_parent,omitempty"`
	IsChild  bool           `json:"is_child,omitempty"`
}

// Edge is a parent-child relation between two visible agents.
type Edge struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Snapshot is the immutable point-in-time context for one spawned agent.
// Built once at spawn time, never mutated, deleted when the agent terminates.
type Snapshot struct {
	AgentID          string          `json:"agent_id"`
	Kind             agent.Kind      `json:"kind"`
	Position         agent.Position  `json:"position"`
	Neighbors        []Neighbor      `json:"neighbors"`
	Edges            []Edge          `json:"edges"`
	Task             string          `json:"task,omitempty"`
	AssignedBy       string          `json:"assigned_by,omitempty"`
	AssignerPosition *agent.Position `json:"assigner_position,omitempty"`
	Capabilities     Capabilities    `json:"capabilities"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Build computes the local view of self among the known agents. Only agents
// within maxDistance hex cells are included; task is the assignment for a
// worker, empty otherwise.
func Build(self agent.Agent, agents []agent.Agent, maxDistance int, task string) Snapshot {
	snap := Snapshot{
		AgentID:  self.ID,
		Kind:     self.Kind,
		Position: self.Position,
		Task:     task,
		Capabilities: Capabilities{
			CanSpawn:    self.Kind == agent.KindOrchestrator,
			MaxChildren: MaxChildren,
		},
		CreatedAt: time.Now().UTC(),
	}

	visible := map[string]agent.Agent{}
	for _, other := range agents {
		if other.ID == self.ID {
			continue
		}
		dist := self.Position.Distance(other.Position)
		if dist > maxDistance {
			continue
		}
		visible[other.ID] = other
		snap.Neighbors = append(snap.Neighbors, Neighbor{
			ID:       other.ID,
			Kind:     other.Kind,
			Position: other.Position,
			Distance: dist,
			IsParent: other.ID == self.ParentID,
			IsChild:  other.ParentID == self.ID,
		})
	}
	sort.Slice(snap.Neighbors, func(i, j int) bool {
		if snap.Neighbors[i].Distance != snap.Neighbors[j].Distance {
			return snap.Neighbors[i].Distance < snap.Neighbors[j].Distance
		}
		return snap.Neighbors[i].ID < snap.Neighbors[j].ID
	})

	// Parent-child edges among the visible set, plus edges touching self.
	for _, other := range visible {
		if other.ParentID == "" {
			continue
		}
		if other.ParentID == self.ID {
			snap.Edges = append(snap.Edges, Edge{Parent: self.ID, Child: other.ID})
		} else if _, ok := visible[other.ParentID]; ok {
			snap.Edges = append(snap.Edges, Edge{Parent: other.ParentID, Child: other.ID})
		}
	}
	if parent, ok := visible[self.ParentID]; ok {
		snap.Edges = append(snap.Edges, Edge{Parent: parent.ID, Child: self.ID})
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Parent != snap.Edges[j].Parent {
			return snap.Edges[i].Parent < snap.Edges[j].Parent
		}
		return snap.Edges[i].Child < snap.Edges[j].Child
	})

	if task != "" && self.ParentID != "" {
		snap.AssignedBy = self.ParentID
		if parent, ok := visible[self.ParentID]; ok {
			pos := parent.Position
			snap.AssignerPosition = &pos
		}
	}

	return snap
}

// Path returns the deterministic context file location for an agent.
func Path(agentID string) string {
	return filepath.Join(config.ContextDir(), agentID+".json")
}

// Write persists a snapshot and returns the file path handed to the agent
// process via environment variable.
func Write(snap Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	path := Path(snap.AgentID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing context file: %w", err)
	}
	return path, nil
}

// Load reads a snapshot back from disk.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing context file %s: %w", path, err)
	}
	return &snap, nil
}

// Cleanup deletes an agent's context file. Safe to call when the file is
// already gone.
func Cleanup(agentID string) error {
	err := os.Remove(Path(agentID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
