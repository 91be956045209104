// Package workspace materializes filesystem isolation for spawned agents:
// one git worktree and branch per agent, with graceful fallback when the
// target directory is not a git repository.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/agent"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/config"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/gitx"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
)

const (
	worktreeDir     = ".hgnucomb-worktrees"
	branchPrefix    = "hgnucomb/"
	maxBranchProbes = 20
)

// linkedContextDirs are shared with each workspace by symlink, never copied:
// copies would be wasteful and silently diverge from the source of truth.
// Agents must treat them as read-only.
var linkedContextDirs = []string{".claude", ".hgnucomb", "node_modules"}

// ErrUnmergedWork means the agent's branch still has commits main lacks;
// the workspace is left in place as a safety net unless removal is forced.
var ErrUnmergedWork = errors.New("workspace branch has unmerged commits")

// Workspace is the isolation unit handed to one agent. Branch is empty when
// the target was not a git repository and the agent runs directly in it.
type Workspace struct {
	Path           string
	Branch         string
	ToolConfigPath string
}

// Manager creates and tears down agent workspaces for one target repository.
type Manager struct {
	git     *gitx.Runner
	repoDir string
	toolBin string
	busAddr string
	log     *logging.Logger
}

// NewManager creates a Manager for the given target directory. toolBin and
// busAddr go into each agent's tool configuration so its tool process can
// connect back to the hub.
func NewManager(repoDir, toolBin, busAddr string, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		git:     gitx.NewRunner(repoDir, log),
		repoDir: repoDir,
		toolBin: toolBin,
		busAddr: busAddr,
		log:     log.Sub("workspace"),
	}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// Create returns an isolated workspace for the agent. Calling it again for
// the same agent returns the same path; only the ephemeral tool config is
// regenerated, since ephemeral storage may not survive hub restarts.
func (m *Manager) Create(ctx context.Context, agentID string, kind agent.Kind) (*Workspace, error) {
	toolCfg := config.ToolConfig{ToolBin: m.toolBin, AgentID: agentID, BusAddr: m.busAddr}

	if !m.git.IsRepo(ctx, m.repoDir) {
		// No isolation is possible or useful: a fresh empty temp directory
		// would contain no project files. Run the agent in the target dir.
		m.log.Warn().Str("dir", m.repoDir).Msg("target is not a git repository, agent runs unisolated")
		tcPath, err := config.SaveToolConfig(agentID, toolCfg)
		if err != nil {
			return nil, err
		}
		return &Workspace{Path: m.repoDir, ToolConfigPath: tcPath}, nil
	}

	root, err := m.git.RepoRoot(ctx, m.repoDir)
	if err != nil {
		return nil, fmt.Errorf("resolving repo root: %w", err)
	}

	wtPath := filepath.Join(root, worktreeDir, sanitize(agentID))
	if _, statErr := os.Stat(wtPath); statErr == nil {
		// Reconnect/retry path: the workspace already exists.
		branch, _ := m.git.CurrentBranch(ctx, wtPath)
		tcPath, err := config.SaveToolConfig(agentID, toolCfg)
		if err != nil {
			return nil, err
		}
		m.log.Info().Str("agent", agentID).Str("path", wtPath).Msg("reusing existing workspace")
		return &Workspace{Path: wtPath, Branch: branch, ToolConfigPath: tcPath}, nil
	}

	if err := os.MkdirAll(filepath.Join(root, worktreeDir), 0755); err != nil {
		return nil, fmt.Errorf("creating worktree dir: %w", err)
	}
	if err := excludeWorktreeDir(root); err != nil {
		m.log.Warn().Err(err).Msg("could not exclude worktree dir from status")
	}

	branch := m.uniqueBranchName(ctx, agentID)
	if _, err := m.git.RunIn(ctx, root, "worktree", "add", "-b", branch, wtPath, "HEAD"); err != nil {
		// Another process may have won the branch-creation race. Retry once
		// attaching to the existing branch instead of creating it.
		if _, retryErr := m.git.RunIn(ctx, root, "worktree", "add", wtPath, branch); retryErr != nil {
			return nil, fmt.Errorf("worktree add for %s: %w", agentID, err)
		}
	}

	m.linkContextDirs(root, wtPath)

	tcPath, err := config.SaveToolConfig(agentID, toolCfg)
	if err != nil {
		return nil, err
	}

	m.log.Info().Str("agent", agentID).Str("branch", branch).Str("path", wtPath).Msg("workspace created")
	return &Workspace{Path: wtPath, Branch: branch, ToolConfigPath: tcPath}, nil
}

// uniqueBranchName probes for a free branch name with bounded numeric
// suffixes, falling back to a timestamp suffix. Uniqueness comes from the
// name itself, never from a central counter.
func (m *Manager) uniqueBranchName(ctx context.Context, agentID string) string {
	base := branchPrefix + sanitize(agentID)
	if !m.git.BranchExists(ctx, base) {
		return base
	}
	for i := 2; i <= maxBranchProbes; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !m.git.BranchExists(ctx, candidate) {
			return candidate
		}
	}
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

// excludeWorktreeDir appends the worktree container to .git/info/exclude so
// the primary checkout's status stays clean. Merge flows treat any status
// output on the root as a dirty checkout and refuse to proceed.
func excludeWorktreeDir(root string) error {
	excludePath := filepath.Join(root, ".git", "info", "exclude")
	line := "/" + worktreeDir + "/"
	if data, err := os.ReadFile(excludePath); err == nil {
		for _, existing := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(existing) == line {
				return nil
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

// linkContextDirs symlinks optional project context into the workspace.
// Failures are logged and skipped: the agent simply won't see that directory.
func (m *Manager) linkContextDirs(root, wtPath string) {
	for _, name := range linkedContextDirs {
		src := filepath.Join(root, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(wtPath, name)
		os.Remove(dst)
		if err := os.Symlink(src, dst); err != nil {
			m.log.Warn().Str("dir", name).Err(err).Msg("failed to link context dir into workspace")
		}
	}
}

// Remove tears down an agent's workspace. Without force, a branch that still
// has commits main lacks is protected and the call fails with
// ErrUnmergedWork. With force, every step is best-effort and independently
// logged; one failing step does not abort the rest.
func (m *Manager) Remove(ctx context.Context, agentID string, force bool) error {
	if !m.git.IsRepo(ctx, m.repoDir) {
		return nil // nothing was created
	}
	root, err := m.git.RepoRoot(ctx, m.repoDir)
	if err != nil {
		return fmt.Errorf("resolving repo root: %w", err)
	}

	wtPath := filepath.Join(root, worktreeDir, sanitize(agentID))
	branch := ""
	if _, statErr := os.Stat(wtPath); statErr == nil {
		branch, _ = m.git.CurrentBranch(ctx, wtPath)
	}

	if !force && branch != "" {
		if ahead, err := m.git.CountCommitsAhead(ctx, branch); err == nil && ahead > 0 {
			return fmt.Errorf("%w: %s is %d commits ahead of main (use force to discard)", ErrUnmergedWork, branch, ahead)
		}
	}

	if _, err := m.git.RunIn(ctx, root, "worktree", "remove", "--force", wtPath); err != nil {
		m.log.Warn().Str("agent", agentID).Err(err).Msg("git worktree remove failed, deleting directory directly")
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			m.log.Warn().Str("path", wtPath).Err(rmErr).Msg("manual workspace delete failed")
		}
	}

	if branch != "" {
		if _, err := m.git.RunIn(ctx, root, "branch", "-D", branch); err != nil {
			m.log.Warn().Str("branch", branch).Err(err).Msg("branch delete failed (may already be gone)")
		}
	}

	m.git.RunIn(ctx, root, "worktree", "prune")
	m.removeLegacySessionDir(agentID)

	m.log.Info().Str("agent", agentID).Msg("workspace removed")
	return nil
}

// removeLegacySessionDir sweeps per-agent temp directories left behind by
// the earlier temp-dir isolation strategy.
func (m *Manager) removeLegacySessionDir(agentID string) {
	legacy := filepath.Join(os.TempDir(), "hgnucomb-sessions", sanitize(agentID))
	if _, err := os.Stat(legacy); err == nil {
		if rmErr := os.RemoveAll(legacy); rmErr != nil {
			m.log.Warn().Str("path", legacy).Err(rmErr).Msg("legacy session dir cleanup failed")
		}
	}
}

// List returns the active agent workspaces under the worktree directory.
func (m *Manager) List(ctx context.Context) ([]Workspace, error) {
	if !m.git.IsRepo(ctx, m.repoDir) {
		return nil, nil
	}
	root, err := m.git.RepoRoot(ctx, m.repoDir)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(root, worktreeDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Workspace
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(base, e.Name())
		branch, _ := m.git.CurrentBranch(ctx, path)
		out = append(out, Workspace{Path: path, Branch: branch})
	}
	return out, nil
}

// PathFor returns where an agent's workspace would live. It does not check
// existence.
func (m *Manager) PathFor(ctx context.Context, agentID string) string {
	root, err := m.git.RepoRoot(ctx, m.repoDir)
	if err != nil {
		return m.repoDir
	}
	return filepath.Join(root, worktreeDir, sanitize(agentID))
}
