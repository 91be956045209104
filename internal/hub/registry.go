package hub

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agent"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/workspace"
)

// hexNeighbors are the six axial offsets around a cell, tried in order when
// placing a child next to its parent.
var hexNeighbors = []agent.Position{
	{Q: 1, R: 0}, {Q: 1, R: -1}, {Q: 0, R: -1},
	{Q: -1, R: 0}, {Q: -1, R: 1}, {Q: 0, R: 1},
}

// entry is everything the hub tracks per live agent.
type entry struct {
	agent.Agent
	Tracker   *agent.Tracker
	Workspace *workspace.Workspace
}

// Registry is the hub's in-memory roster of live agents: identity, grid
// position, workspace, and status tracker. It implements
// merge.WorkspaceResolver for the coordinator.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add places the agent on the grid and starts its status tracker. Position is
// the first free hex neighbor of the parent, ring by ring; a parentless agent
// sits at the origin or its nearest free cell.
func (r *Registry) Add(a agent.Agent, ws *workspace.Workspace) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[a.ID]; exists {
		return nil, fmt.Errorf("agent %s already registered", a.ID)
	}

	anchor := agent.Position{}
	if a.ParentID != "" {
		if parent, ok := r.entries[a.ParentID]; ok {
			anchor = parent.Position
		}
	}
	a.Position = r.freeCellNear(anchor)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	e := &entry{Agent: a, Tracker: agent.NewTracker(), Workspace: ws}
	r.entries[a.ID] = e
	return e, nil
}

// freeCellNear finds the closest unoccupied cell to anchor, searching the
// anchor itself, then its neighbors, then widening rings. Callers hold r.mu.
func (r *Registry) freeCellNear(anchor agent.Position) agent.Position {
	occupied := make(map[agent.Position]bool, len(r.entries))
	for _, e := range r.entries {
		occupied[e.Position] = true
	}
	if !occupied[anchor] {
		return anchor
	}
	for ring := 1; ; ring++ {
		for _, off := range hexNeighbors {
			cand := agent.Position{Q: anchor.Q + off.Q*ring, R: anchor.R + off.R*ring}
			if !occupied[cand] {
				return cand
			}
		}
	}
}

// Remove drops the agent from the roster.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, agentID)
}

// Get returns the entry for an agent.
func (r *Registry) Get(agentID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	return e, ok
}

// Children returns the IDs of an agent's direct children.
func (r *Registry) Children(parentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.entries {
		if e.ParentID == parentID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ChildCount returns how many live children an agent has.
func (r *Registry) ChildCount(parentID string) int {
	return len(r.Children(parentID))
}

// Agents returns a point-in-time copy of every agent on the grid.
func (r *Registry) Agents() []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Agent, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkspaceOf implements merge.WorkspaceResolver.
func (r *Registry) WorkspaceOf(agentID string) (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	if !ok || e.Workspace == nil {
		return "", "", false
	}
	return e.Workspace.Path, e.Workspace.Branch, true
}
