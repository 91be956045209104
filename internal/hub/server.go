package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kylesnowschwartz/hgnucomb-sub001/pkg/protocol"
)

// Server exposes the hub over HTTP: the server-info handshake, the tool-call
// and observer websocket endpoints, and per-agent terminal streams.
type Server struct {
	hub  *Hub
	http *http.Server
}

// NewServer builds the HTTP layer around a hub.
func NewServer(h *Hub) *Server {
	srv := &Server{hub: h}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/server-info", srv.handleServerInfo)
	mux.HandleFunc("/ws/agent", srv.handleAgentWS)
	mux.HandleFunc("/ws/observer", srv.handleObserverWS)
	mux.HandleFunc("/ws/terminal/", srv.handleTerminalWS)

	srv.http = &http.Server{
		Addr:              h.busAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails, then shuts the hub down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.hub.log.Info().Str("addr", s.http.Addr).Msg("hub listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
		s.hub.Shutdown()
		return nil
	case err := <-errCh:
		s.hub.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"kind":    protocol.KindServerInfo,
		"payload": s.hub.ServerInfo(),
	})
}

// handleAgentWS serves one tool-call channel. The first request must be a
// register; afterwards the channel carries requests and notifications until
// it disconnects.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	conn := newConn(ws, s.hub.log)
	defer conn.Close()

	ctx := r.Context()
	for {
		env, err := conn.ReadEnvelope(ctx)
		if err != nil {
			break
		}
		s.hub.handleAgentEnvelope(ctx, conn, env)
	}

	if conn.AgentID != "" && s.hub.router.unregisterAgentConn(conn.AgentID, conn) {
		s.hub.router.dropPendingFor(conn.AgentID)
	}
}

// handleObserverWS serves an observer connection. Observers receive forwarded
// requests and notifications and send back correlated responses.
// Disconnecting an observer never terminates sessions.
func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	conn := newConn(ws, s.hub.log)
	defer conn.Close()

	s.hub.router.addObserver(conn.ID, conn)
	defer s.hub.router.removeObserver(conn.ID)

	if info, err := protocol.NewNotification(protocol.KindServerInfo, s.hub.ServerInfo()); err == nil {
		conn.Send(info)
	}

	ctx := r.Context()
	for {
		env, err := conn.ReadEnvelope(ctx)
		if err != nil {
			return
		}
		s.hub.handleObserverEnvelope(env)
	}
}

// terminalWSMessage is the frame format of the terminal stream. Output and
// input are base64 so arbitrary terminal bytes survive JSON.
type terminalWSMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Code int    `json:"code,omitempty"`
}

// handleTerminalWS attaches an observer to one agent's PTY stream: buffered
// history replays first, then live output. Input and resize flow back to the
// PTY. Closing the socket detaches the viewer; the session keeps running.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/ws/terminal/")
	session, ok := s.hub.sessions.Get(agentID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()
	ctx := r.Context()

	var writeMu sync.Mutex
	send := func(msg terminalWSMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return ws.Write(writeCtx, websocket.MessageText, data)
	}

	replay, live, cancel := session.Subscribe()
	defer cancel()

	for _, chunk := range replay {
		if err := send(terminalWSMessage{Type: "output", Data: base64.StdEncoding.EncodeToString(chunk)}); err != nil {
			return
		}
	}

	go func() {
		for chunk := range live {
			if err := send(terminalWSMessage{Type: "output", Data: base64.StdEncoding.EncodeToString(chunk)}); err != nil {
				return
			}
		}
		// Live channel closed: the session exited (or we detached).
		send(terminalWSMessage{Type: "exit", Code: session.ExitCode()})
		ws.Close(websocket.StatusNormalClosure, "session exited")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg terminalWSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			decoded, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil || len(decoded) == 0 {
				continue
			}
			if err := session.Write(decoded); err != nil {
				return
			}
		case "resize":
			if msg.Cols <= 0 || msg.Rows <= 0 {
				continue
			}
			session.Resize(clampToUint16(msg.Rows), clampToUint16(msg.Cols))
		}
	}
}

func clampToUint16(v int) uint16 {
	if v < 1 {
		return 1
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
