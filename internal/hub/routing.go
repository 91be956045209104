package hub

import (
	"context"
	"fmt"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agent"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agentctx"
	"github.com/kylesnowschwartz/hgnucomb-sub001/pkg/protocol"
)

// localKinds are executed by the hub itself: everything touching git,
// workspaces, or processes. All other request kinds are answered by the
// observer, which holds the authoritative grid state.
var localKinds = map[string]bool{
	protocol.KindSpawn:               true,
	protocol.KindGetDiff:             true,
	protocol.KindListFiles:           true,
	protocol.KindListCommits:         true,
	protocol.KindCheckMergeConflicts: true,
	protocol.KindMergeToStaging:      true,
	protocol.KindMergeToMain:         true,
	protocol.KindCleanupWorktree:     true,
	protocol.KindKillWorker:          true,
}

// handleAgentEnvelope dispatches one frame from a tool-call channel.
func (h *Hub) handleAgentEnvelope(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRequest:
		h.handleAgentRequest(ctx, conn, env)
	case protocol.TypeNotification:
		if !protocol.KnownNotificationKind(env.Kind) {
			h.log.Warn().Str("kind", env.Kind).Msg("unknown notification kind, dropping")
			return
		}
		h.router.forwardToObservers(conn.AgentID, *env)
	default:
		h.log.Warn().Str("type", env.Type).Str("kind", env.Kind).Msg("unexpected frame from tool channel, dropping")
	}
}

func (h *Hub) handleAgentRequest(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	if !protocol.KnownRequestKind(env.Kind) {
		h.log.Warn().Str("kind", env.Kind).Msg("unknown request kind, dropping")
		conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, "unknown request kind"))
		return
	}

	if env.Kind == protocol.KindRegister {
		h.handleRegister(conn, env)
		return
	}

	if conn.AgentID == "" {
		conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, "channel not registered"))
		return
	}

	if localKinds[env.Kind] {
		h.executeLocal(ctx, conn, env)
		return
	}

	// Status reports feed the hub-side tracker before crossing to the
	// observer: explicit reports are sticky against activity inference.
	if env.Kind == protocol.KindReportStatus {
		params, err := protocol.DecodePayload[protocol.ReportStatusParams](env)
		if err != nil {
			conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, fmt.Sprintf("malformed report-status payload: %v", err)))
			return
		}
		if e, ok := h.registry.Get(conn.AgentID); ok {
			if rerr := e.Tracker.Report(agent.Status(params.Status)); rerr != nil {
				conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, rerr.Error()))
				return
			}
		}
	}

	if h.router.observerCount() == 0 {
		// Nothing authoritative to ask. Reports still succeed (the hub
		// recorded them); queries cannot be answered.
		switch env.Kind {
		case protocol.KindReportStatus, protocol.KindReportResult, protocol.KindBroadcast:
			resp, _ := protocol.NewResponse(env.ID, env.Kind, nil)
			conn.Send(resp)
		default:
			conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, "no observer connected"))
		}
		return
	}
	h.router.forwardToObservers(conn.AgentID, *env)
}

// handleRegister binds the channel to its agent and announces it to
// observers. Registration is answered by the hub: a channel must be usable
// before any observer connects.
func (h *Hub) handleRegister(conn *Conn, env *protocol.Envelope) {
	params, err := protocol.DecodePayload[protocol.RegisterParams](env)
	if err != nil || params.AgentID == "" {
		conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, "register requires agent_id"))
		return
	}
	conn.AgentID = params.AgentID
	h.router.registerAgent(params.AgentID, conn)

	if e, ok := h.registry.Get(params.AgentID); ok {
		e.Tracker.Report(agent.StatusIdle)
	} else {
		// A channel the hub did not spawn: an operator-side terminal agent
		// joining the grid. Give it a roster entry with no workspace.
		kind := agent.Kind(params.Kind)
		if !agent.ValidKind(kind) {
			kind = agent.KindTerminal
		}
		if e, err := h.registry.Add(agent.Agent{ID: params.AgentID, Kind: kind}, nil); err == nil {
			e.Tracker.Report(agent.StatusIdle)
		}
	}

	resp, _ := protocol.NewResponse(env.ID, env.Kind, nil)
	conn.Send(resp)

	if ntf, nerr := protocol.NewNotification(protocol.KindStatusUpdate, protocol.StatusUpdate{
		AgentID: params.AgentID,
		Status:  string(agent.StatusIdle),
	}); nerr == nil {
		h.router.forwardToObservers(params.AgentID, ntf)
	}
}

// handleObserverEnvelope dispatches one frame from an observer connection.
func (h *Hub) handleObserverEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		h.router.resolveResponse(*env)
	case protocol.TypeNotification:
		if !protocol.KnownNotificationKind(env.Kind) {
			h.log.Warn().Str("kind", env.Kind).Msg("unknown notification kind from observer, dropping")
			return
		}
		// Addressed notifications (inbox wake-ups) go to one agent;
		// unaddressed ones fan out.
		if env.Agent != "" {
			h.router.notifyAgent(env.Agent, *env)
		} else {
			h.router.notifyAllAgents(*env)
		}
	default:
		h.log.Warn().Str("type", env.Type).Str("kind", env.Kind).Msg("unexpected frame from observer, dropping")
	}
}

// executeLocal runs a git/workspace/process request and responds directly.
func (h *Hub) executeLocal(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	payload, err := h.runLocal(ctx, conn.AgentID, env)
	if err != nil {
		conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, err.Error()))
		return
	}
	resp, merr := protocol.NewResponse(env.ID, env.Kind, payload)
	if merr != nil {
		conn.Send(protocol.NewErrorResponse(env.ID, env.Kind, merr.Error()))
		return
	}
	conn.Send(resp)
}

func (h *Hub) runLocal(ctx context.Context, requester string, env *protocol.Envelope) (any, error) {
	switch env.Kind {
	case protocol.KindSpawn:
		params, err := protocol.DecodePayload[protocol.SpawnParams](env)
		if err != nil {
			return nil, err
		}
		parentID := params.ParentID
		if parentID == "" {
			parentID = requester
		}
		return h.Spawn(ctx, parentID, *params)

	case protocol.KindGetDiff:
		branch, err := h.resolveBranch(requester, env)
		if err != nil {
			return nil, err
		}
		diff, err := h.git.DiffAgainstMain(ctx, branch)
		if err != nil {
			return nil, err
		}
		return protocol.DiffResult{
			Diff: diff.Text,
			Stats: protocol.DiffStats{
				FilesChanged: diff.Stats.FilesChanged,
				Insertions:   diff.Stats.Insertions,
				Deletions:    diff.Stats.Deletions,
			},
		}, nil

	case protocol.KindListFiles:
		branch, err := h.resolveBranch(requester, env)
		if err != nil {
			return nil, err
		}
		text, err := h.git.ListFilesChanged(ctx, branch)
		if err != nil {
			return nil, err
		}
		return protocol.TextResult{Text: text}, nil

	case protocol.KindListCommits:
		branch, err := h.resolveBranch(requester, env)
		if err != nil {
			return nil, err
		}
		text, err := h.git.ListCommits(ctx, branch)
		if err != nil {
			return nil, err
		}
		return protocol.TextResult{Text: text}, nil

	case protocol.KindCheckMergeConflicts:
		branch, err := h.resolveBranch(requester, env)
		if err != nil {
			return nil, err
		}
		wsPath, _, ok := h.registry.WorkspaceOf(requester)
		if !ok {
			return nil, fmt.Errorf("requester %s has no workspace", requester)
		}
		preview, err := h.git.DryRunMerge(ctx, branch, wsPath)
		if err != nil {
			return nil, err
		}
		return protocol.MergePreview{CanMerge: preview.CanMerge, Status: preview.Status, Preview: preview.Preview}, nil

	case protocol.KindMergeToStaging:
		params, err := protocol.DecodePayload[protocol.WorkerParams](env)
		if err != nil {
			return nil, err
		}
		outcome, err := h.merges.MergeWorkerToStaging(ctx, requester, params.WorkerID)
		if outcome != nil {
			// Conflict details travel in the payload, not the error field:
			// the orchestrator needs the raw status to resolve in place.
			return protocol.MergeOutcome{Merged: outcome.Merged, Log: outcome.Log, Status: outcome.Status}, nil
		}
		return nil, err

	case protocol.KindMergeToMain:
		outcome, err := h.merges.MergeStagingToMain(ctx, requester)
		if outcome != nil {
			return protocol.MergeOutcome{Merged: outcome.Merged, Log: outcome.Log, Status: outcome.Status}, nil
		}
		return nil, err

	case protocol.KindCleanupWorktree:
		params, err := protocol.DecodePayload[protocol.WorkerParams](env)
		if err != nil {
			return nil, err
		}
		target := params.WorkerID
		if target == "" {
			target = requester
		}
		if err := h.workspaces.Remove(ctx, target, true); err != nil {
			return nil, err
		}
		if cerr := agentctx.Cleanup(target); cerr != nil {
			h.log.Warn().Str("agent", target).Err(cerr).Msg("context cleanup failed")
		}
		return nil, nil

	case protocol.KindKillWorker:
		params, err := protocol.DecodePayload[protocol.WorkerParams](env)
		if err != nil {
			return nil, err
		}
		session, ok := h.sessions.Get(params.WorkerID)
		if !ok {
			return nil, fmt.Errorf("no live session for %s", params.WorkerID)
		}
		if e, found := h.registry.Get(params.WorkerID); found {
			e.Tracker.Report(agent.StatusCancelled)
		}
		session.Kill()
		return nil, nil
	}
	return nil, fmt.Errorf("kind %q is not executed locally", env.Kind)
}

// resolveBranch picks the branch a diff-style request targets: explicit
// branch, another agent's branch, or the requester's own.
func (h *Hub) resolveBranch(requester string, env *protocol.Envelope) (string, error) {
	params, err := protocol.DecodePayload[protocol.BranchParams](env)
	if err != nil {
		return "", err
	}
	if params.Branch != "" {
		return params.Branch, nil
	}
	id := params.AgentID
	if id == "" {
		id = requester
	}
	_, branch, ok := h.registry.WorkspaceOf(id)
	if !ok || branch == "" {
		return "", fmt.Errorf("agent %s has no branch", id)
	}
	return branch, nil
}
