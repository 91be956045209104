// Package gitx executes git subcommands for the hub. Commands are always
// argument vectors, never shell strings, so agent-controlled identifiers
// (branch names derived from task text) cannot inject anything.
package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
)

// GitError is a structured git failure: the exact command, where it ran, and
// the captured stderr. Stderr is preserved verbatim because the consumer is
// usually an agent that reads and acts on it.
type GitError struct {
	Args   []string
	Dir    string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s (in %s): %s: %v", strings.Join(e.Args, " "), e.Dir, strings.TrimSpace(e.Stderr), e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Result carries the outcome of a non-blocking git invocation.
type Result struct {
	Out string
	Err error
}

// Runner executes git commands rooted at a repository directory.
type Runner struct {
	dir string
	log *logging.Logger
}

// NewRunner creates a Runner for the given working directory.
func NewRunner(dir string, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Nop()
	}
	return &Runner{dir: dir, log: log.Sub("gitx")}
}

// Dir returns the runner's default working directory.
func (r *Runner) Dir() string { return r.dir }

// Run executes git synchronously in the runner's directory and returns
// trimmed stdout. Intended for one-shot operations where a short stall is
// acceptable (workspace setup, tool-call handlers).
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	return r.RunIn(ctx, r.dir, args...)
}

// RunIn executes git synchronously in an explicit directory.
func (r *Runner) RunIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		gerr := &GitError{
			Args:   args,
			Dir:    dir,
			Stderr: stderr.String(),
			Err:    err,
		}
		r.log.Warn().
			Str("cmd", "git "+strings.Join(args, " ")).
			Str("dir", dir).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("git command failed")
		return "", gerr
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Start executes git without blocking the caller, delivering the result on
// the returned channel. Used for periodic background queries (commit-count
// polling) so interactive traffic is never starved behind them.
func (r *Runner) Start(ctx context.Context, args ...string) <-chan Result {
	return r.StartIn(ctx, r.dir, args...)
}

// StartIn is Start with an explicit directory.
func (r *Runner) StartIn(ctx context.Context, dir string, args ...string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		out, err := r.RunIn(ctx, dir, args...)
		ch <- Result{Out: out, Err: err}
		close(ch)
	}()
	return ch
}

// IsRepo reports whether dir is inside a git working tree.
func (r *Runner) IsRepo(ctx context.Context, dir string) bool {
	out, err := r.RunIn(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RepoRoot returns the top-level directory of the repository containing dir.
func (r *Runner) RepoRoot(ctx context.Context, dir string) (string, error) {
	return r.RunIn(ctx, dir, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the branch checked out in dir.
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return r.RunIn(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// StatusPorcelain returns machine-stable status output for dir. Empty means
// clean.
func (r *Runner) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	return r.RunIn(ctx, dir, "status", "--porcelain")
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.Run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}
