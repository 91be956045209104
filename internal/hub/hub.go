package hub

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agent"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agentctx"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agentid"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/config"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/gitx"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/merge"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/workspace"
	"github.com/kylesnowschwartz/hgnucomb-sub001/pkg/protocol"
)

const (
	// visibilityDistance bounds how far across the grid a freshly spawned
	// agent can see its neighbors.
	visibilityDistance = 2

	commitPollInterval = 10 * time.Second
)

// Hub owns the live agent roster, their PTY sessions, the tool-call and
// observer channels, and the git-side operations it executes on behalf of
// agents.
type Hub struct {
	cfg        config.Config
	version    string
	busAddr    string
	git        *gitx.Runner
	workspaces *workspace.Manager
	registry   *Registry
	sessions   *SessionRegistry
	router     *router
	merges     *merge.Coordinator
	log        *logging.Logger

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
}

// New wires a Hub for the configured repository.
func New(cfg config.Config, version string, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	busAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	git := gitx.NewRunner(cfg.RepoDir, log)
	reg := NewRegistry()
	return &Hub{
		cfg:        cfg,
		version:    version,
		busAddr:    busAddr,
		git:        git,
		workspaces: workspace.NewManager(cfg.RepoDir, cfg.AgentCommand, busAddr, log),
		registry:   reg,
		sessions:   NewSessionRegistry(),
		router:     newRouter(log),
		merges:     merge.NewCoordinator(git, reg, log),
		log:        log.Sub("hub"),
	}
}

// ServerInfo is the handshake payload for connecting observers.
func (h *Hub) ServerInfo() protocol.ServerInfo {
	return protocol.ServerInfo{
		Version:    h.version,
		ProjectDir: h.cfg.RepoDir,
		BusAddr:    h.busAddr,
	}
}

// Spawn launches a new agent: workspace, context snapshot, process under a
// PTY, and a commit poller. parentID may be empty for top-level agents
// started by an operator.
func (h *Hub) Spawn(ctx context.Context, parentID string, params protocol.SpawnParams) (*protocol.SpawnResult, error) {
	kind := agent.Kind(params.Kind)
	if !agent.ValidKind(kind) || kind == agent.KindTerminal {
		return nil, fmt.Errorf("cannot spawn agent of kind %q", params.Kind)
	}
	if parentID != "" {
		parent, ok := h.registry.Get(parentID)
		if !ok {
			return nil, fmt.Errorf("unknown parent %s", parentID)
		}
		if parent.Kind != agent.KindOrchestrator && parent.Kind != agent.KindTerminal {
			return nil, fmt.Errorf("agent kind %q may not spawn children", parent.Kind)
		}
		if n := h.registry.ChildCount(parentID); n >= agentctx.MaxChildren {
			return nil, fmt.Errorf("parent %s already has %d children (max %d)", parentID, n, agentctx.MaxChildren)
		}
	}

	agentID := agentid.New(string(kind))

	ws, err := h.workspaces.Create(ctx, agentID, kind)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	entry, err := h.registry.Add(agent.Agent{
		ID:        agentID,
		Kind:      kind,
		Workspace: ws.Path,
		Branch:    ws.Branch,
		ParentID:  parentID,
	}, ws)
	if err != nil {
		h.workspaces.Remove(ctx, agentID, true)
		return nil, err
	}

	snap := agentctx.Build(entry.Agent, h.registry.Agents(), visibilityDistance, params.Task)
	ctxPath, err := agentctx.Write(snap)
	if err != nil {
		h.registry.Remove(agentID)
		h.workspaces.Remove(ctx, agentID, true)
		return nil, fmt.Errorf("writing context snapshot: %w", err)
	}

	cmd := h.agentCommand(entry.Agent, ws, ctxPath, params)
	session, err := startSession(agentID, cmd,
		func(code int) { h.onSessionExit(agentID, code) },
		func() { h.onSessionActivity(agentID) },
		h.log)
	if err != nil {
		h.registry.Remove(agentID)
		agentctx.Cleanup(agentID)
		h.workspaces.Remove(ctx, agentID, true)
		return nil, fmt.Errorf("starting agent process: %w", err)
	}
	h.sessions.Add(session)
	h.startCommitPoller(agentID, ws.Branch)

	h.log.Info().
		Str("agent", agentID).
		Str("kind", string(kind)).
		Str("parent", parentID).
		Str("branch", ws.Branch).
		Msg("agent spawned")

	return &protocol.SpawnResult{AgentID: agentID, Workspace: ws.Path, Branch: ws.Branch}, nil
}

// agentCommand assembles the spawned process's argv and environment. The
// initial prompt comes from explicit instructions when the orchestrator gave
// them, otherwise it is synthesized from the task.
func (h *Hub) agentCommand(a agent.Agent, ws *workspace.Workspace, ctxPath string, params protocol.SpawnParams) *exec.Cmd {
	prompt := params.Instructions
	if prompt == "" {
		prompt = synthesizePrompt(a, params.Task)
	}

	args := []string{}
	if h.cfg.AgentModel != "" {
		args = append(args, "--model", h.cfg.AgentModel)
	}
	if len(h.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(h.cfg.AllowedTools, ","))
	}
	args = append(args, prompt)

	cmd := exec.Command(h.cfg.AgentCommand, args...)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(),
		config.EnvAgentID+"="+a.ID,
		config.EnvWorkspace+"="+ws.Path,
		config.EnvContextFile+"="+ctxPath,
		config.EnvToolConfig+"="+ws.ToolConfigPath,
		config.EnvBusAddr+"="+h.busAddr,
	)
	if a.ParentID != "" {
		cmd.Env = append(cmd.Env, config.EnvParentID+"="+a.ParentID)
	}
	return cmd
}

func synthesizePrompt(a agent.Agent, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s of kind %s in a coordinated agent grid.\n", a.ID, a.Kind)
	b.WriteString("Your context snapshot is in the file named by HGNUCOMB_CONTEXT_FILE.\n")
	b.WriteString("Use your tool channel to report status and results, and check messages when notified.\n")
	if task != "" {
		b.WriteString("\nYour task:\n" + task + "\n")
	}
	return b.String()
}

// onSessionActivity feeds terminal-output liveness into the status tracker.
// An explicit report within its sticky window wins; only a genuine status
// change is forwarded to observers.
func (h *Hub) onSessionActivity(agentID string) {
	entry, ok := h.registry.Get(agentID)
	if !ok {
		return
	}
	prev := entry.Tracker.Status()
	cur := entry.Tracker.Observe(time.Now())
	if cur == prev {
		return
	}
	if ntf, err := protocol.NewNotification(protocol.KindStatusUpdate, protocol.StatusUpdate{
		AgentID:  agentID,
		Status:   string(cur),
		Observed: time.Now(),
	}); err == nil {
		h.router.forwardToObservers(agentID, ntf)
	}
}

// onSessionExit tears down everything the spawn created. The workspace is
// removed without force so a branch with unmerged commits survives for
// inspection; explicit cleanup requests discard it.
func (h *Hub) onSessionExit(agentID string, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h.stopCommitPoller(agentID)
	h.sessions.Remove(agentID)
	h.router.dropPendingFor(agentID)

	if entry, ok := h.registry.Get(agentID); ok {
		status := string(agent.StatusDone)
		if code != 0 {
			status = string(agent.StatusError)
		}
		entry.Tracker.Report(agent.Status(status))
		if ntf, err := protocol.NewNotification(protocol.KindStatusUpdate, protocol.StatusUpdate{
			AgentID:  agentID,
			Status:   status,
			Observed: time.Now(),
		}); err == nil {
			h.router.forwardToObservers(agentID, ntf)
		}
	}

	if err := h.workspaces.Remove(ctx, agentID, false); err != nil {
		h.log.Warn().Str("agent", agentID).Err(err).Msg("workspace kept after exit")
	}
	if err := agentctx.Cleanup(agentID); err != nil {
		h.log.Warn().Str("agent", agentID).Err(err).Msg("context cleanup failed")
	}
	h.registry.Remove(agentID)
	h.router.unregisterAgent(agentID)
}

// startCommitPoller periodically counts commits on the agent's branch in the
// background and broadcasts changes to observers as status notifications.
func (h *Hub) startCommitPoller(agentID, branch string) {
	if branch == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if h.pollers == nil {
		h.pollers = make(map[string]context.CancelFunc)
	}
	h.pollers[agentID] = cancel
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(commitPollInterval)
		defer ticker.Stop()
		last := -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			resCh := h.git.Start(ctx, "rev-list", "--count", "main.."+branch)
			select {
			case <-ctx.Done():
				return
			case res := <-resCh:
				if res.Err != nil {
					continue
				}
				count := 0
				fmt.Sscanf(res.Out, "%d", &count)
				if count == last {
					continue
				}
				last = count
				if ntf, err := protocol.NewNotification(protocol.KindStatusUpdate, protocol.StatusUpdate{
					AgentID:  agentID,
					Commits:  count,
					Observed: time.Now(),
				}); err == nil {
					h.router.forwardToObservers(agentID, ntf)
				}
			}
		}
	}()
}

func (h *Hub) stopCommitPoller(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.pollers[agentID]; ok {
		cancel()
		delete(h.pollers, agentID)
	}
}

// Shutdown kills every live session and stops the pollers.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for id, cancel := range h.pollers {
		cancel()
		delete(h.pollers, id)
	}
	h.mu.Unlock()
	h.sessions.KillAll()
}
