package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/gitx"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
)

func TestLockAcquireRelease(t *testing.T) {
	repo := initGitRepo(t)
	l := NewLock(repo, logging.Nop())

	if err := l.Acquire("orchestrator-aaaa1111", "hgnucomb/orchestrator-aaaa1111"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rec, err := l.Holder()
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if rec == nil || rec.Holder != "orchestrator-aaaa1111" {
		t.Fatalf("holder record = %+v", rec)
	}
	if err := l.Release("orchestrator-aaaa1111"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	rec, err = l.Holder()
	if err != nil {
		t.Fatalf("Holder after release: %v", err)
	}
	if rec != nil {
		t.Errorf("lock should be free, holder = %+v", rec)
	}
}

func TestLockContentionNamesHolder(t *testing.T) {
	repo := initGitRepo(t)
	l := NewLock(repo, logging.Nop())

	if err := l.Acquire("orchestrator-first", "hgnucomb/first"); err != nil {
		t.Fatal(err)
	}
	err := l.Acquire("orchestrator-second", "hgnucomb/second")
	var held *ErrLockHeld
	if !errors.As(err, &held) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if held.Holder != "orchestrator-first" {
		t.Errorf("contention names %q, want first holder", held.Holder)
	}
	if !strings.Contains(err.Error(), "orchestrator-first") {
		t.Errorf("error text should name the holder: %q", err.Error())
	}
}

func TestLockRejectsReentrantAcquire(t *testing.T) {
	repo := initGitRepo(t)
	l := NewLock(repo, logging.Nop())

	if err := l.Acquire("orchestrator-self", "hgnucomb/self"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire("orchestrator-self", "hgnucomb/self"); !IsLockHeld(err) {
		t.Fatalf("re-entrant acquire should be rejected as contention, got %v", err)
	}
}

func TestLockReclaimsStale(t *testing.T) {
	repo := initGitRepo(t)
	l := NewLock(repo, logging.Nop())

	if err := l.Acquire("orchestrator-dead", "hgnucomb/dead"); err != nil {
		t.Fatal(err)
	}
	// Advance the clock past the staleness threshold for the next caller.
	l2 := NewLock(repo, logging.Nop())
	l2.now = func() time.Time { return time.Now().Add(staleAfter + time.Minute) }

	if err := l2.Acquire("orchestrator-live", "hgnucomb/live"); err != nil {
		t.Fatalf("stale lock should be reclaimed, got %v", err)
	}
	rec, err := l2.Holder()
	if err != nil || rec == nil {
		t.Fatalf("Holder: %v, %+v", err, rec)
	}
	if rec.Holder != "orchestrator-live" {
		t.Errorf("holder = %q after reclaim", rec.Holder)
	}
}

func TestLockFreshLockNotReclaimed(t *testing.T) {
	repo := initGitRepo(t)
	l := NewLock(repo, logging.Nop())

	if err := l.Acquire("orchestrator-busy", "hgnucomb/busy"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire("orchestrator-eager", "hgnucomb/eager"); !IsLockHeld(err) {
		t.Fatalf("fresh lock must not be reclaimed, got %v", err)
	}
}

func TestLockReleaseVerifiesHolder(t *testing.T) {
	repo := initGitRepo(t)
	l := NewLock(repo, logging.Nop())

	if err := l.Acquire("orchestrator-owner", "hgnucomb/owner"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release("orchestrator-thief"); err == nil {
		t.Fatal("foreign release should be refused")
	}
	rec, _ := l.Holder()
	if rec == nil || rec.Holder != "orchestrator-owner" {
		t.Errorf("lock should survive refused release, holder = %+v", rec)
	}
}

func TestLockReleaseIdempotent(t *testing.T) {
	repo := initGitRepo(t)
	l := NewLock(repo, logging.Nop())
	if err := l.Release("orchestrator-nobody"); err != nil {
		t.Fatalf("releasing a free lock should be a no-op, got %v", err)
	}
}

func TestLockConcurrentAcquireSingleWinner(t *testing.T) {
	repo := initGitRepo(t)

	var wg sync.WaitGroup
	wins := make(chan string, 16)
	for i := 0; i < 16; i++ {
		holder := "orchestrator-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewLock(repo, logging.Nop())
			if err := l.Acquire(holder, "hgnucomb/"+holder); err == nil {
				wins <- holder
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("exactly one acquisition must win, got %d: %v", len(winners), winners)
	}
}

type mapResolver map[string][2]string // id -> {path, branch}

func (m mapResolver) WorkspaceOf(agentID string) (string, string, bool) {
	v, ok := m[agentID]
	return v[0], v[1], ok
}

func TestMergeWorkerToStaging(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()
	g := gitx.NewRunner(repo, logging.Nop())

	orchWS := addWorktree(t, repo, "hgnucomb/orchestrator-1111aaaa")
	workerWS := addWorktree(t, repo, "hgnucomb/worker-2222bbbb")
	writeFile(t, workerWS, "feature.txt", "worker output\n")
	runGit(t, workerWS, "add", ".")
	runGit(t, workerWS, "commit", "-m", "worker feature")

	c := NewCoordinator(g, mapResolver{
		"orchestrator-1111aaaa": {orchWS, "hgnucomb/orchestrator-1111aaaa"},
		"worker-2222bbbb":       {workerWS, "hgnucomb/worker-2222bbbb"},
	}, logging.Nop())

	outcome, err := c.MergeWorkerToStaging(ctx, "orchestrator-1111aaaa", "worker-2222bbbb")
	if err != nil {
		t.Fatalf("MergeWorkerToStaging: %v", err)
	}
	if !outcome.Merged {
		t.Fatal("expected merged outcome")
	}
	if _, statErr := os.Stat(filepath.Join(orchWS, "feature.txt")); statErr != nil {
		t.Errorf("worker file should be present in staging: %v", statErr)
	}
}

func TestMergeWorkerToStagingRefusesDirtyStaging(t *testing.T) {
	repo := initGitRepo(t)
	g := gitx.NewRunner(repo, logging.Nop())

	orchWS := addWorktree(t, repo, "hgnucomb/orchestrator-3333cccc")
	workerWS := addWorktree(t, repo, "hgnucomb/worker-4444dddd")
	writeFile(t, orchWS, "dirty.txt", "uncommitted\n")

	c := NewCoordinator(g, mapResolver{
		"orchestrator-3333cccc": {orchWS, "hgnucomb/orchestrator-3333cccc"},
		"worker-4444dddd":       {workerWS, "hgnucomb/worker-4444dddd"},
	}, logging.Nop())

	if _, err := c.MergeWorkerToStaging(context.Background(), "orchestrator-3333cccc", "worker-4444dddd"); err == nil {
		t.Fatal("dirty staging workspace must refuse the merge")
	}
}

func TestMergeWorkerToStagingConflictLeftForResolution(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()
	g := gitx.NewRunner(repo, logging.Nop())

	orchWS := addWorktree(t, repo, "hgnucomb/orchestrator-5555eeee")
	workerWS := addWorktree(t, repo, "hgnucomb/worker-6666ffff")

	// Same line edited on both sides.
	writeFile(t, orchWS, "README.md", "staging version\n")
	runGit(t, orchWS, "add", ".")
	runGit(t, orchWS, "commit", "-m", "staging edit")
	writeFile(t, workerWS, "README.md", "worker version\n")
	runGit(t, workerWS, "add", ".")
	runGit(t, workerWS, "commit", "-m", "worker edit")

	c := NewCoordinator(g, mapResolver{
		"orchestrator-5555eeee": {orchWS, "hgnucomb/orchestrator-5555eeee"},
		"worker-6666ffff":       {workerWS, "hgnucomb/worker-6666ffff"},
	}, logging.Nop())

	outcome, err := c.MergeWorkerToStaging(ctx, "orchestrator-5555eeee", "worker-6666ffff")
	if err == nil {
		t.Fatal("same-line edits must conflict")
	}
	if outcome == nil || outcome.Merged {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.Status, "README.md") {
		t.Errorf("conflict status should name the file:\n%s", outcome.Status)
	}

	// No auto-abort: the workspace stays conflicted for manual resolution.
	porcelain, err := g.StatusPorcelain(ctx, orchWS)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(porcelain, "UU") {
		t.Errorf("workspace should remain conflicted, status:\n%s", porcelain)
	}
}

func TestMergeStagingToMain(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()
	g := gitx.NewRunner(repo, logging.Nop())

	orchWS := addWorktree(t, repo, "hgnucomb/orchestrator-7777aaaa")
	writeFile(t, orchWS, "staged.txt", "ready for main\n")
	runGit(t, orchWS, "add", ".")
	runGit(t, orchWS, "commit", "-m", "staging work")

	lock := NewLock(repo, logging.Nop())
	c := NewCoordinator(g, mapResolver{
		"orchestrator-7777aaaa": {orchWS, "hgnucomb/orchestrator-7777aaaa"},
	}, logging.Nop())

	outcome, err := c.MergeStagingToMain(ctx, "orchestrator-7777aaaa")
	if err != nil {
		t.Fatalf("MergeStagingToMain: %v", err)
	}
	if !outcome.Merged {
		t.Fatal("expected merged outcome")
	}
	if _, statErr := os.Stat(filepath.Join(repo, "staged.txt")); statErr != nil {
		t.Errorf("staged file should be on main: %v", statErr)
	}
	rec, err := lock.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("lock should be released after merge, holder = %+v", rec)
	}
}

func TestMergeStagingToMainBlockedByLock(t *testing.T) {
	repo := initGitRepo(t)
	g := gitx.NewRunner(repo, logging.Nop())

	orchWS := addWorktree(t, repo, "hgnucomb/orchestrator-8888bbbb")
	lock := NewLock(repo, logging.Nop())
	if err := lock.Acquire("orchestrator-other", "hgnucomb/other"); err != nil {
		t.Fatal(err)
	}

	c := NewCoordinator(g, mapResolver{
		"orchestrator-8888bbbb": {orchWS, "hgnucomb/orchestrator-8888bbbb"},
	}, logging.Nop())

	_, err := c.MergeStagingToMain(context.Background(), "orchestrator-8888bbbb")
	if !IsLockHeld(err) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	// The foreign lock must survive.
	rec, _ := lock.Holder()
	if rec == nil || rec.Holder != "orchestrator-other" {
		t.Errorf("foreign lock disturbed, holder = %+v", rec)
	}
}

func TestMergeStagingToMainConflictReleasesLockAndAborts(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()
	g := gitx.NewRunner(repo, logging.Nop())

	orchWS := addWorktree(t, repo, "hgnucomb/orchestrator-9999cccc")
	writeFile(t, orchWS, "README.md", "staging version\n")
	runGit(t, orchWS, "add", ".")
	runGit(t, orchWS, "commit", "-m", "staging edit")
	writeFile(t, repo, "README.md", "main version\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "main edit")

	lock := NewLock(repo, logging.Nop())
	c := NewCoordinator(g, mapResolver{
		"orchestrator-9999cccc": {orchWS, "hgnucomb/orchestrator-9999cccc"},
	}, logging.Nop())

	if _, err := c.MergeStagingToMain(ctx, "orchestrator-9999cccc"); err == nil {
		t.Fatal("same-line edits must conflict")
	}
	rec, _ := lock.Holder()
	if rec != nil {
		t.Errorf("lock must be released on the failure path, holder = %+v", rec)
	}
	porcelain, err := g.StatusPorcelain(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if porcelain != "" {
		t.Errorf("main should be restored after a conflicted merge:\n%s", porcelain)
	}
}

func TestMergeStagingToMainFromSubdirectory(t *testing.T) {
	repo := initGitRepo(t)
	ctx := context.Background()

	subdir := filepath.Join(repo, "services")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, subdir, "svc.txt", "service\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "add services")

	orchWS := addWorktree(t, repo, "hgnucomb/orchestrator-aaaa1111")
	writeFile(t, orchWS, "staged.txt", "ready for main\n")
	runGit(t, orchWS, "add", ".")
	runGit(t, orchWS, "commit", "-m", "staging work")

	// A runner targeting a subdirectory must still lock at the repository
	// root: a lock taken there by another process blocks the merge.
	g := gitx.NewRunner(subdir, logging.Nop())
	c := NewCoordinator(g, mapResolver{
		"orchestrator-aaaa1111": {orchWS, "hgnucomb/orchestrator-aaaa1111"},
	}, logging.Nop())

	rootLock := NewLock(repo, logging.Nop())
	if err := rootLock.Acquire("orchestrator-other", "hgnucomb/other"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.MergeStagingToMain(ctx, "orchestrator-aaaa1111"); !IsLockHeld(err) {
		t.Fatalf("expected contention with the root lock, got %v", err)
	}
	if err := rootLock.Release("orchestrator-other"); err != nil {
		t.Fatal(err)
	}

	outcome, err := c.MergeStagingToMain(ctx, "orchestrator-aaaa1111")
	if err != nil {
		t.Fatalf("MergeStagingToMain from subdir: %v", err)
	}
	if !outcome.Merged {
		t.Fatal("expected merged outcome")
	}
	if _, statErr := os.Stat(filepath.Join(repo, "staged.txt")); statErr != nil {
		t.Errorf("staged file should be on main: %v", statErr)
	}
	rec, err := rootLock.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("lock should be released after merge, holder = %+v", rec)
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.local")
	runGit(t, dir, "config", "user.name", "test")
	writeFile(t, dir, "README.md", "hgnucomb test repo\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func addWorktree(t *testing.T, repo, branch string) string {
	t.Helper()
	// The workspace manager keeps the worktree container out of status
	// output the same way, so the root's clean checks stay meaningful.
	exclude := filepath.Join(repo, ".git", "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(exclude), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(exclude, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, "/.hgnucomb-worktrees/")
	f.Close()

	path := filepath.Join(repo, ".hgnucomb-worktrees", filepath.Base(branch))
	runGit(t, repo, "worktree", "add", "-b", branch, path, "HEAD")
	return path
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}
