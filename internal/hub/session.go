package hub

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
)

// Session lifecycle states.
const (
	SessionCreated   = "created"
	SessionStreaming = "streaming"
	SessionExited    = "exited"
)

const (
	sessionReadBufferLen = 4096

	// replayChunks bounds the output kept for reconnecting observers. Old
	// chunks are discarded first; an agent that has been running for hours
	// still replays its recent history.
	replayChunks = 512
)

// Session is one spawned agent process wired to a pseudo-terminal. Output is
// fanned out to subscribers and buffered for replay, so an observer that
// reconnects sees recent history instead of a blank screen.
type Session struct {
	AgentID string

	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	state    string
	exitCode int
	buffer   [][]byte
	subs     map[int]chan []byte
	nextSub  int

	closeOnce  sync.Once
	onExit     func(code int)
	onActivity func()
	log        *logging.Logger
}

// startSession launches cmd under a PTY in its own process group and begins
// streaming. onExit fires exactly once after the process terminates.
// onActivity, if non-nil, is invoked on every output chunk so callers can
// infer liveness without subscribing.
func startSession(agentID string, cmd *exec.Cmd, onExit func(code int), onActivity func(), log *logging.Logger) (*Session, error) {
	attrs := &syscall.SysProcAttr{Setpgid: true}
	cmd.SysProcAttr = attrs

	ptmx, err := pty.StartWithAttrs(cmd, nil, attrs)
	if err != nil {
		return nil, err
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	s := &Session{
		AgentID:    agentID,
		cmd:        cmd,
		ptmx:       ptmx,
		state:      SessionCreated,
		subs:       make(map[int]chan []byte),
		onExit:     onExit,
		onActivity: onActivity,
		log:        log.Sub("session"),
	}

	go s.readLoop()
	go s.waitLoop()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode is meaningful only once State() is SessionExited.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Session) readLoop() {
	buf := make([]byte, sessionReadBufferLen)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.publish(chunk)
		}
		if err != nil {
			return // EOF or PTY closed, waitLoop handles teardown
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}

	s.mu.Lock()
	s.state = SessionExited
	s.exitCode = code
	subs := make([]chan []byte, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.subs = make(map[int]chan []byte)
	s.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	s.ptmx.Close()
	s.log.Info().Str("agent", s.AgentID).Int("code", code).Msg("agent process exited")

	if s.onExit != nil {
		s.closeOnce.Do(func() { s.onExit(code) })
	}
}

// publish appends a chunk to the replay buffer and fans it out. Slow
// subscribers lose chunks rather than stalling the PTY read loop.
func (s *Session) publish(chunk []byte) {
	s.mu.Lock()
	s.state = SessionStreaming
	s.buffer = append(s.buffer, chunk)
	if len(s.buffer) > replayChunks {
		s.buffer = s.buffer[len(s.buffer)-replayChunks:]
	}
	subs := make([]chan []byte, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- chunk:
		default:
		}
	}
	if s.onActivity != nil {
		s.onActivity()
	}
}

// Subscribe returns the buffered history plus a channel of live output. The
// channel is closed when the session exits or on Unsubscribe.
func (s *Session) Subscribe() (replay [][]byte, live <-chan []byte, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replay = make([][]byte, len(s.buffer))
	copy(replay, s.buffer)

	ch := make(chan []byte, 64)
	if s.state == SessionExited {
		close(ch)
		return replay, ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return replay, ch, cancel
}

// Write feeds input to the process's terminal.
func (s *Session) Write(data []byte) error {
	_, err := s.ptmx.Write(data)
	return err
}

// Resize adjusts the PTY dimensions.
func (s *Session) Resize(rows, cols uint16) {
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill terminates the whole process group. The exit flows through waitLoop
// like any other termination.
func (s *Session) Kill() {
	if s.cmd.Process != nil && s.cmd.Process.Pid > 0 {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// SessionRegistry tracks live sessions by agent ID.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.AgentID] = s
}

func (r *SessionRegistry) Get(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s, ok
}

func (r *SessionRegistry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, agentID)
}

func (r *SessionRegistry) KillAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Kill()
	}
}
