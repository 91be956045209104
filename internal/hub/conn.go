// Package hub is the top-level process of hgnucomb: it owns every live agent
// process (PTY channel and tool-call channel), routes tool-call requests
// between agents and observers, and drives workspace and merge operations.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
	"github.com/kylesnowschwartz/hgnucomb-sub001/pkg/protocol"
)

const writeTimeout = 15 * time.Second

// sender is the envelope sink shared by real websocket connections and test
// doubles.
type sender interface {
	Send(env protocol.Envelope) error
}

// Conn wraps one websocket connection with serialized writes.
type Conn struct {
	ID      string
	AgentID string // empty until the channel registers

	ws     *websocket.Conn
	mu     sync.Mutex
	closed bool
	log    *logging.Logger
}

func newConn(ws *websocket.Conn, log *logging.Logger) *Conn {
	return &Conn{ID: uuid.New().String(), ws: ws, log: log}
}

// Send writes one envelope frame. Thread-safe.
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return context.Canceled
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ReadEnvelope blocks for the next frame.
func (c *Conn) ReadEnvelope(ctx context.Context) (*protocol.Envelope, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close(websocket.StatusNormalClosure, "")
}

// pendingRequest correlates an in-flight forwarded request with the tool
// channel that sent it.
type pendingRequest struct {
	AgentID string
	Kind    string
	SentAt  time.Time
}

// router holds the tool-call channels, observer connections, and the pending
// correlation table.
type router struct {
	mu        sync.RWMutex
	agents    map[string]sender // agentID -> tool channel
	observers map[string]sender // connID -> observer
	pending   map[string]pendingRequest
	log       *logging.Logger
}

func newRouter(log *logging.Logger) *router {
	return &router{
		agents:    make(map[string]sender),
		observers: make(map[string]sender),
		pending:   make(map[string]pendingRequest),
		log:       log.Sub("router"),
	}
}

func (r *router) registerAgent(agentID string, s sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = s
	r.log.Info().Str("agent", agentID).Msg("tool channel registered")
}

func (r *router) unregisterAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
	r.log.Info().Str("agent", agentID).Msg("tool channel disconnected")
}

// unregisterAgentConn removes the mapping only while it still points at s.
// A reconnecting agent replaces its channel before the old one finishes
// tearing down; the old connection must not unregister the new channel.
func (r *router) unregisterAgentConn(agentID string, s sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents[agentID] != s {
		return false
	}
	delete(r.agents, agentID)
	r.log.Info().Str("agent", agentID).Msg("tool channel disconnected")
	return true
}

func (r *router) addObserver(connID string, s sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[connID] = s
	r.log.Info().Str("conn", connID).Msg("observer connected")
}

func (r *router) removeObserver(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, connID)
	r.log.Info().Str("conn", connID).Msg("observer disconnected")
}

func (r *router) observerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// forwardToObservers stamps the envelope with the originating agent, stores
// the correlation entry for requests, and fans the frame out to every
// observer.
func (r *router) forwardToObservers(agentID string, env protocol.Envelope) {
	env.Agent = agentID

	r.mu.Lock()
	if env.Type == protocol.TypeRequest && env.ID != "" {
		r.pending[env.ID] = pendingRequest{AgentID: agentID, Kind: env.Kind, SentAt: time.Now()}
	}
	targets := make([]sender, 0, len(r.observers))
	for _, o := range r.observers {
		targets = append(targets, o)
	}
	r.mu.Unlock()

	for _, o := range targets {
		if err := o.Send(env); err != nil {
			r.log.Warn().Err(err).Str("kind", env.Kind).Msg("observer send failed")
		}
	}
}

// resolveResponse matches an observer response to its pending request and
// delivers it to exactly the originating tool channel. Unmatched responses
// are dropped and logged: they are duplicates or stragglers from channels
// that already disconnected.
func (r *router) resolveResponse(env protocol.Envelope) {
	r.mu.Lock()
	pr, ok := r.pending[env.ID]
	if ok {
		delete(r.pending, env.ID)
	}
	var target sender
	if ok {
		target = r.agents[pr.AgentID]
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn().Str("id", env.ID).Str("kind", env.Kind).Msg("response with no pending request, dropping")
		return
	}
	if target == nil {
		r.log.Warn().Str("agent", pr.AgentID).Str("kind", env.Kind).Msg("originating channel gone, dropping response")
		return
	}
	if err := target.Send(env); err != nil {
		r.log.Warn().Err(err).Str("agent", pr.AgentID).Msg("response delivery failed")
	}
}

// notifyAgent delivers a notification to one agent's tool channel, if
// connected. No bookkeeping, no error to the caller.
func (r *router) notifyAgent(agentID string, env protocol.Envelope) {
	r.mu.RLock()
	target := r.agents[agentID]
	r.mu.RUnlock()
	if target == nil {
		return
	}
	if err := target.Send(env); err != nil {
		r.log.Warn().Err(err).Str("agent", agentID).Str("kind", env.Kind).Msg("notification delivery failed")
	}
}

// notifyAllAgents fans a notification out to every registered tool channel.
func (r *router) notifyAllAgents(env protocol.Envelope) {
	r.mu.RLock()
	targets := make([]sender, 0, len(r.agents))
	for _, a := range r.agents {
		targets = append(targets, a)
	}
	r.mu.RUnlock()
	for _, t := range targets {
		if err := t.Send(env); err != nil {
			r.log.Warn().Err(err).Str("kind", env.Kind).Msg("notification fan-out failed")
		}
	}
}

// dropPendingFor discards correlation entries belonging to a disconnected
// channel so late responses are dropped instead of delivered to a reused ID.
func (r *router) dropPendingFor(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pr := range r.pending {
		if pr.AgentID == agentID {
			delete(r.pending, id)
		}
	}
}
