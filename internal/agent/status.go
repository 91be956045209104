package agent

import (
	"fmt"
	"sync"
	"time"
)

// Status is an agent's detailed operational state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusIdle              Status = "idle"
	StatusWorking           Status = "working"
	StatusWaitingInput      Status = "waiting_input"
	StatusWaitingPermission Status = "waiting_permission"
	StatusStuck             Status = "stuck"
	StatusDone              Status = "done"
	StatusError             Status = "error"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s,
// except the documented done -> working revival.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// transitions enumerates the accepted edges of the status machine.
// Terminal states have no outgoing edges here; the done -> working revival
// is handled separately in Observe because it is activity-driven, never an
// accepted explicit report.
var transitions = map[Status][]Status{
	StatusPending:           {StatusIdle, StatusWorking, StatusError, StatusCancelled},
	StatusIdle:              {StatusWorking, StatusDone, StatusError, StatusCancelled},
	StatusWorking:           {StatusIdle, StatusWaitingInput, StatusWaitingPermission, StatusStuck, StatusDone, StatusError, StatusCancelled},
	StatusWaitingInput:      {StatusWorking, StatusError, StatusCancelled},
	StatusWaitingPermission: {StatusWorking, StatusError, StatusCancelled},
	StatusStuck:             {StatusWorking, StatusDone, StatusError, StatusCancelled},
	StatusDone:              {},
	StatusError:             {},
	StatusCancelled:         {},
}

// CanTransition reports whether an explicit report may move from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stickyWindow is how long an explicit status report outranks activity
// inferred from raw process output.
const stickyWindow = 15 * time.Second

// Tracker holds one agent's status with sticky-report semantics. Explicit
// reports (the report-status tool call) always win over inferred activity
// while recent; activity may only revive a done agent or nudge an idle or
// long-quiet one back to working.
type Tracker struct {
	mu         sync.Mutex
	status     Status
	reportedAt time.Time // last explicit report
}

// NewTracker starts a tracker in the pending state.
func NewTracker() *Tracker {
	return &Tracker{status: StatusPending}
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Report applies an explicit status report. Invalid transitions are
// rejected, including every transition out of a terminal state.
func (t *Tracker) Report(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !ValidStatus(to) {
		return fmt.Errorf("unknown status %q", to)
	}
	if t.status.Terminal() {
		return fmt.Errorf("agent is %s: no transitions accepted", t.status)
	}
	if !CanTransition(t.status, to) {
		return fmt.Errorf("invalid transition %s -> %s", t.status, to)
	}
	t.status = to
	t.reportedAt = time.Now()
	return nil
}

// Observe records process-output activity at the given time and returns the
// resulting status. Activity never overrides a recent explicit report. A
// done agent is revived to working, since a human may resume interacting
// with a "finished" agent, but error and cancelled stay terminal.
func (t *Tracker) Observe(now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusError, StatusCancelled:
		return t.status
	case StatusDone:
		t.status = StatusWorking
		return t.status
	}

	if !t.reportedAt.IsZero() && now.Sub(t.reportedAt) < stickyWindow {
		return t.status
	}
	t.status = StatusWorking
	return t.status
}
