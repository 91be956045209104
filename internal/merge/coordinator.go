package merge

import (
	"context"
	"fmt"
	"sync"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/gitx"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
)

// WorkspaceResolver maps an agent to its workspace and branch. Implemented by
// the hub's agent registry.
type WorkspaceResolver interface {
	WorkspaceOf(agentID string) (path, branch string, ok bool)
}

// Coordinator drives the two-stage integration flow: worker branches merge
// into their orchestrator's staging branch freely, and staging merges into
// main only under the exclusive lock.
type Coordinator struct {
	git     *gitx.Runner
	resolve WorkspaceResolver
	log     *logging.Logger

	mu   sync.Mutex
	lock *Lock
}

// NewCoordinator wires a Coordinator for the repository the runner targets.
// The runner's directory may be anywhere inside the repository; the merge
// lock is rooted at the resolved repository root on first use.
func NewCoordinator(git *gitx.Runner, resolve WorkspaceResolver, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{git: git, resolve: resolve, log: log.Sub("merge")}
}

// mergeLock resolves the repository root and returns the lock anchored in its
// .git directory. The runner's dir can be a subdirectory of the checkout, so
// the root must come from git itself, not from configuration.
func (c *Coordinator) mergeLock(ctx context.Context) (*Lock, string, error) {
	root, err := c.git.RepoRoot(ctx, c.git.Dir())
	if err != nil {
		return nil, "", fmt.Errorf("resolving repository root: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lock == nil {
		c.lock = NewLock(root, c.log)
	}
	return c.lock, root, nil
}

// MergeWorkerToStaging merges the worker's branch into the orchestrator's
// workspace. The orchestrator's workspace must be clean. On conflict the
// workspace is intentionally left in the conflicted state with the raw status
// returned: the orchestrator resolves it in place rather than losing the
// conflict information to an automatic abort.
func (c *Coordinator) MergeWorkerToStaging(ctx context.Context, orchestratorID, workerID string) (*gitx.MergeOutcome, error) {
	orchWS, orchBranch, ok := c.resolve.WorkspaceOf(orchestratorID)
	if !ok {
		return nil, fmt.Errorf("unknown orchestrator %s", orchestratorID)
	}
	_, workerBranch, ok := c.resolve.WorkspaceOf(workerID)
	if !ok {
		return nil, fmt.Errorf("unknown worker %s", workerID)
	}
	if workerBranch == "" {
		return nil, fmt.Errorf("worker %s has no branch to merge", workerID)
	}

	status, err := c.git.StatusPorcelain(ctx, orchWS)
	if err != nil {
		return nil, err
	}
	if status != "" {
		return nil, fmt.Errorf("orchestrator workspace %s is not clean:\n%s", orchWS, status)
	}

	msg := fmt.Sprintf("Merge %s into %s", workerBranch, orchBranch)
	outcome, err := c.git.Merge(ctx, workerBranch, orchWS, msg)
	if err != nil {
		c.log.Warn().
			Str("worker", workerID).
			Str("orchestrator", orchestratorID).
			Msg("worker merge conflicted, workspace left for resolution")
		return outcome, err
	}
	c.log.Info().Str("worker", workerID).Str("into", orchBranch).Msg("worker branch merged to staging")
	return outcome, nil
}

// MergeStagingToMain merges the orchestrator's staging branch into main in
// the primary checkout under the exclusive lock. The lock is released on
// every exit path, including conflicts, so a failed merge never wedges other
// orchestrators out.
func (c *Coordinator) MergeStagingToMain(ctx context.Context, orchestratorID string) (*gitx.MergeOutcome, error) {
	_, stagingBranch, ok := c.resolve.WorkspaceOf(orchestratorID)
	if !ok {
		return nil, fmt.Errorf("unknown orchestrator %s", orchestratorID)
	}
	if stagingBranch == "" {
		return nil, fmt.Errorf("orchestrator %s has no staging branch", orchestratorID)
	}

	lock, root, err := c.mergeLock(ctx)
	if err != nil {
		return nil, err
	}

	if err := lock.Acquire(orchestratorID, stagingBranch); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(orchestratorID); rerr != nil {
			c.log.Error().Err(rerr).Msg("merge lock release failed")
		}
	}()

	current, err := c.git.CurrentBranch(ctx, root)
	if err != nil {
		return nil, err
	}
	if current != "main" {
		c.log.Warn().Str("checked_out", current).Msg("primary checkout not on main, switching")
		if _, err := c.git.RunIn(ctx, root, "switch", "main"); err != nil {
			return nil, fmt.Errorf("switching primary checkout to main: %w", err)
		}
	}

	status, err := c.git.StatusPorcelain(ctx, root)
	if err != nil {
		return nil, err
	}
	if status != "" {
		return nil, fmt.Errorf("main checkout is not clean:\n%s", status)
	}

	msg := fmt.Sprintf("Merge %s into main", stagingBranch)
	outcome, err := c.git.Merge(ctx, stagingBranch, root, msg)
	if err != nil {
		// Back out so main never stays conflicted. Staging keeps the work.
		c.git.RunIn(ctx, root, "merge", "--abort")
		c.log.Warn().Str("staging", stagingBranch).Msg("staging merge to main conflicted and was aborted")
		return outcome, err
	}
	c.log.Info().Str("staging", stagingBranch).Msg("staging merged to main")
	return outcome, nil
}
