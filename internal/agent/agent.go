// Package agent defines the agent data model: kinds, hex-grid positions,
// and the operational status machine.
package agent

import (
	"time"
)

// Kind classifies what a spawned agent does.
type Kind string

const (
	KindTerminal     Kind = "terminal"
	KindOrchestrator Kind = "orchestrator"
	KindWorker       Kind = "worker"
)

// ValidKind reports whether k is a known agent kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindTerminal, KindOrchestrator, KindWorker:
		return true
	default:
		return false
	}
}

// Position is an axial hex-grid coordinate. The observer assigns positions;
// the hub only carries them through context snapshots.
type Position struct {
	Q int `json:"q"`
	R int `json:"r"`
}

// Distance returns the hex distance between two axial coordinates.
func (p Position) Distance(o Position) int {
	dq := p.Q - o.Q
	dr := p.R - o.R
	ds := -dq - dr
	return (abs(dq) + abs(dr) + abs(ds)) / 2
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Agent is one unit of work: created when a spawn request is accepted,
// destroyed when its workspace is torn down and its process exits.
type Agent struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Workspace string    `json:"workspace,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Position  Position  `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}
