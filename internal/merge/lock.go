// Package merge serializes integration of agent branches. Exactly one merge
// into a shared branch may run at a time, enforced by an exclusive lock file
// inside the repository's .git directory so every process touching the repo
// sees the same lock.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
)

const (
	lockFileName = "hgnucomb-merge.lock"

	// staleAfter bounds how long a crashed holder can block merges. A merge
	// taking longer than this has almost certainly died without releasing.
	staleAfter = 5 * time.Minute
)

// ErrLockHeld reports contention. Holder and elapsed time are included so the
// rejected agent can report something actionable.
type ErrLockHeld struct {
	Holder     string
	Branch     string
	AcquiredAt time.Time
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("merge lock held by %s (branch %s) for %s",
		e.Holder, e.Branch, time.Since(e.AcquiredAt).Round(time.Second))
}

type lockRecord struct {
	Holder     string    `json:"holder"`
	Branch     string    `json:"branch"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is the exclusive merge lock for one repository.
type Lock struct {
	path string
	log  *logging.Logger
	now  func() time.Time
}

// NewLock creates a lock rooted in the repository's .git directory.
func NewLock(repoRoot string, log *logging.Logger) *Lock {
	if log == nil {
		log = logging.Nop()
	}
	return &Lock{
		path: filepath.Join(repoRoot, ".git", lockFileName),
		log:  log.Sub("merge-lock"),
		now:  time.Now,
	}
}

// Acquire takes the lock for holder. Acquisition is atomic: the lock file is
// created with O_EXCL so two concurrent callers can never both succeed. A
// holder that already owns the lock is rejected like any other contender;
// serialized merge flows have no legitimate reason to re-enter.
func (l *Lock) Acquire(holder, branch string) error {
	rec := lockRecord{Holder: holder, Branch: branch, AcquiredAt: l.now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		defer f.Close()
		if _, werr := f.Write(data); werr != nil {
			os.Remove(l.path)
			return werr
		}
		l.log.Debug().Str("holder", holder).Str("branch", branch).Msg("merge lock acquired")
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("creating merge lock: %w", err)
	}

	existing, rerr := l.read()
	if rerr != nil {
		// Unreadable lock file: treat as held by an unknown party rather
		// than clobbering it.
		return &ErrLockHeld{Holder: "unknown", AcquiredAt: l.now()}
	}

	if l.now().Sub(existing.AcquiredAt) > staleAfter {
		l.log.Warn().
			Str("stale_holder", existing.Holder).
			Time("acquired_at", existing.AcquiredAt).
			Msg("reclaiming stale merge lock")
		os.Remove(l.path)
		// One retry only. If someone else wins the recreate race, report
		// contention normally.
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			cur, _ := l.read()
			if cur != nil {
				return &ErrLockHeld{Holder: cur.Holder, Branch: cur.Branch, AcquiredAt: cur.AcquiredAt}
			}
			return fmt.Errorf("reacquiring merge lock: %w", err)
		}
		defer f.Close()
		if _, werr := f.Write(data); werr != nil {
			os.Remove(l.path)
			return werr
		}
		l.log.Debug().Str("holder", holder).Msg("merge lock acquired after stale reclaim")
		return nil
	}

	return &ErrLockHeld{Holder: existing.Holder, Branch: existing.Branch, AcquiredAt: existing.AcquiredAt}
}

// Release removes the lock if holder owns it. Releasing a lock held by
// someone else is an error and leaves the lock in place.
func (l *Lock) Release(holder string) error {
	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil // already released
		}
		return err
	}
	if existing.Holder != holder {
		return fmt.Errorf("merge lock held by %s, not %s; refusing release", existing.Holder, holder)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.log.Debug().Str("holder", holder).Msg("merge lock released")
	return nil
}

// Holder returns the current lock record, or nil when the lock is free.
func (l *Lock) Holder() (*lockRecord, error) {
	rec, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (l *Lock) read() (*lockRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var rec lockRecord
	if jerr := json.Unmarshal(data, &rec); jerr != nil {
		return nil, jerr
	}
	return &rec, nil
}

// IsLockHeld reports whether err is a contention error.
func IsLockHeld(err error) bool {
	var lh *ErrLockHeld
	return errors.As(err, &lh)
}
