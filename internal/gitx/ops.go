package gitx

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// DiffStats is the parsed `--stat` summary of a diff. All-zero stats mean
// the summary line was missing or unparseable, which is tolerated rather
// than treated as failure.
type DiffStats struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// Diff is a unified diff plus its parsed stats.
type Diff struct {
	Text  string
	Stats DiffStats
}

// MergePreview is the outcome of a dry-run merge. The target workspace is
// always left exactly as it was found.
type MergePreview struct {
	CanMerge bool
	Status   string // raw conflict status when CanMerge is false
	Preview  string // clean-merge preview output when CanMerge is true
}

// MergeOutcome reports an ordinary merge. On failure Status carries raw
// `git status` output so a human or agent can diagnose without another
// round trip.
type MergeOutcome struct {
	Merged bool
	Log    string
	Status string
}

// statLine matches git's diff --stat summary, e.g.
// " 3 files changed, 40 insertions(+), 7 deletions(-)".
var statLine = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// DiffAgainstMain returns the unified diff of branch relative to main,
// with stats parsed from the --stat summary line.
func (r *Runner) DiffAgainstMain(ctx context.Context, branch string) (*Diff, error) {
	text, err := r.Run(ctx, "diff", "main..."+branch)
	if err != nil {
		return nil, err
	}
	d := &Diff{Text: text}

	statOut, err := r.Run(ctx, "diff", "--stat", "main..."+branch)
	if err != nil {
		// Stats are best-effort; the diff itself already succeeded.
		return d, nil
	}
	d.Stats = parseDiffStats(statOut)
	return d, nil
}

func parseDiffStats(statOut string) DiffStats {
	lines := strings.Split(strings.TrimSpace(statOut), "\n")
	if len(lines) == 0 {
		return DiffStats{}
	}
	m := statLine.FindStringSubmatch(lines[len(lines)-1])
	if m == nil {
		return DiffStats{}
	}
	stats := DiffStats{FilesChanged: atoiOrZero(m[1])}
	stats.Insertions = atoiOrZero(m[2])
	stats.Deletions = atoiOrZero(m[3])
	return stats
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ListFilesChanged returns the raw name-status listing of branch against
// main. Deliberately unparsed: the consuming agent interprets it.
func (r *Runner) ListFilesChanged(ctx context.Context, branch string) (string, error) {
	return r.Run(ctx, "diff", "--name-status", "main..."+branch)
}

// ListCommits returns the raw one-line commit log of branch beyond main.
func (r *Runner) ListCommits(ctx context.Context, branch string) (string, error) {
	return r.Run(ctx, "log", "--oneline", "main.."+branch)
}

// CountCommitsAhead returns how many commits branch has beyond main.
func (r *Runner) CountCommitsAhead(ctx context.Context, branch string) (int, error) {
	out, err := r.Run(ctx, "rev-list", "--count", "main.."+branch)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// DryRunMerge attempts a no-commit merge of sourceBranch into the branch
// checked out at targetWorkspace, then unconditionally aborts and hard-resets
// so the workspace is left exactly as found. A dirty target is reported as
// CanMerge=false with an explanation, not an error.
func (r *Runner) DryRunMerge(ctx context.Context, sourceBranch, targetWorkspace string) (*MergePreview, error) {
	status, err := r.StatusPorcelain(ctx, targetWorkspace)
	if err != nil {
		return nil, err
	}
	if status != "" {
		return &MergePreview{
			CanMerge: false,
			Status:   "target workspace has uncommitted changes:\n" + status,
		}, nil
	}

	mergeOut, mergeErr := r.RunIn(ctx, targetWorkspace, "merge", "--no-commit", "--no-ff", sourceBranch)

	var conflictStatus string
	if mergeErr != nil {
		// Capture the conflict state before restoring the workspace.
		conflictStatus, _ = r.RunIn(ctx, targetWorkspace, "status")
	}

	// Restore regardless of outcome. Abort fails harmlessly when the merge
	// never started; the hard reset covers that case.
	r.RunIn(ctx, targetWorkspace, "merge", "--abort")
	r.RunIn(ctx, targetWorkspace, "reset", "--hard", "HEAD")

	if mergeErr != nil {
		var gerr *GitError
		detail := conflictStatus
		if detail == "" && errors.As(mergeErr, &gerr) {
			detail = gerr.Stderr
		}
		return &MergePreview{CanMerge: false, Status: detail}, nil
	}
	return &MergePreview{CanMerge: true, Preview: mergeOut}, nil
}

// Merge performs an ordinary merge (history-preserving, non-fast-forward) of
// sourceBranch into the branch checked out at targetWorkspace.
func (r *Runner) Merge(ctx context.Context, sourceBranch, targetWorkspace, message string) (*MergeOutcome, error) {
	if message == "" {
		message = "Merge " + sourceBranch
	}
	out, err := r.RunIn(ctx, targetWorkspace, "merge", "--no-ff", "-m", message, sourceBranch)
	if err != nil {
		status, _ := r.RunIn(ctx, targetWorkspace, "status")
		return &MergeOutcome{Merged: false, Status: status}, err
	}

	log, logErr := r.RunIn(ctx, targetWorkspace, "log", "--oneline", "-1")
	if logErr != nil {
		log = out
	}
	return &MergeOutcome{Merged: true, Log: log}, nil
}
