package hub

import (
	"context"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/config"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/logging"
	"github.com/kylesnowschwartz/hgnucomb-sub001/pkg/protocol"
)

func newTestHub(t *testing.T, repoDir string) (*Hub, *httptest.Server) {
	t.Helper()
	t.Setenv(config.EnvDataDir, t.TempDir())

	cfg := config.Default()
	cfg.RepoDir = repoDir
	cfg.AgentCommand = "sleep"
	cfg.AgentModel = ""
	cfg.AllowedTools = nil

	h := New(cfg, "test", logging.Nop())
	srv := NewServer(h)
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(func() {
		ts.Close()
		h.Shutdown()
	})
	return h, ts
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func sendRequest(t *testing.T, ctx context.Context, ws *websocket.Conn, id, kind string, payload any) {
	t.Helper()
	req, err := protocol.NewRequest(id, kind, payload)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, ws, req))
}

// readResponse skips notifications until a response frame arrives.
func readResponse(t *testing.T, ctx context.Context, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	for {
		var env protocol.Envelope
		require.NoError(t, wsjson.Read(ctx, ws, &env))
		if env.Type == protocol.TypeResponse {
			return &env
		}
	}
}

// readRequest skips notifications until a request frame arrives.
func readRequest(t *testing.T, ctx context.Context, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	for {
		var env protocol.Envelope
		require.NoError(t, wsjson.Read(ctx, ws, &env))
		if env.Type == protocol.TypeRequest {
			return &env
		}
	}
}

func register(t *testing.T, ctx context.Context, ws *websocket.Conn, agentID, kind string) {
	t.Helper()
	sendRequest(t, ctx, ws, "reg-"+agentID, protocol.KindRegister, protocol.RegisterParams{AgentID: agentID, Kind: kind})
	resp := readResponse(t, ctx, ws)
	require.Equal(t, "reg-"+agentID, resp.ID)
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK, "register failed: %s", resp.Error)
}

func TestRequestBeforeRegisterRejected(t *testing.T) {
	_, ts := newTestHub(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ws := dialWS(t, ctx, ts, "/ws/agent")
	sendRequest(t, ctx, ws, "r1", protocol.KindGetDiff, protocol.BranchParams{})
	resp := readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Contains(t, resp.Error, "not registered")
}

func TestReportStatusWithoutObserverSucceeds(t *testing.T) {
	_, ts := newTestHub(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ws := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, ws, "terminal-11110000", "terminal")

	sendRequest(t, ctx, ws, "s1", protocol.KindReportStatus, protocol.ReportStatusParams{Status: "working"})
	resp := readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	// Queries have no authoritative answerer without an observer.
	sendRequest(t, ctx, ws, "q1", protocol.KindGetGridState, nil)
	resp = readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Contains(t, resp.Error, "no observer")
}

func TestInvalidStatusReportRejected(t *testing.T) {
	_, ts := newTestHub(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ws := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, ws, "terminal-22220000", "terminal")

	// idle -> done skips the working states and is not a legal transition.
	sendRequest(t, ctx, ws, "s1", protocol.KindReportStatus, protocol.ReportStatusParams{Status: "done"})
	resp := readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
}

func TestMalformedStatusReportRejected(t *testing.T) {
	_, ts := newTestHub(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ws := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, ws, "terminal-66660000", "terminal")

	// A status that is not even a string must be rejected, not skipped.
	sendRequest(t, ctx, ws, "s1", protocol.KindReportStatus, map[string]any{"status": 42})
	resp := readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Contains(t, resp.Error, "malformed")
}

func TestReconnectKeepsNewChannel(t *testing.T) {
	h, ts := newTestHub(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const agentID = "worker-77770000"
	oldWS := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, oldWS, agentID, "worker")

	newWS := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, newWS, agentID, "worker")

	// The stale connection's teardown must not unregister the replacement.
	oldWS.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.router.mu.RLock()
		_, ok := h.router.agents[agentID]
		h.router.mu.RUnlock()
		if !ok {
			t.Fatal("replacement channel was unregistered by the old connection's teardown")
		}
		time.Sleep(50 * time.Millisecond)
	}

	obsWS := dialWS(t, ctx, ts, "/ws/observer")
	wake, err := protocol.NewNotification(protocol.KindInboxUpdated, nil)
	require.NoError(t, err)
	wake.Agent = agentID
	require.NoError(t, wsjson.Write(ctx, obsWS, wake))

	for {
		var env protocol.Envelope
		require.NoError(t, wsjson.Read(ctx, newWS, &env))
		if env.Type == protocol.TypeNotification && env.Kind == protocol.KindInboxUpdated {
			return
		}
	}
}

func TestObserverCorrelation(t *testing.T) {
	_, ts := newTestHub(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	agentWS := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, agentWS, "worker-33330000", "worker")

	obsWS := dialWS(t, ctx, ts, "/ws/observer")

	sendRequest(t, ctx, agentWS, "req-42", protocol.KindGetGridState, nil)

	fwd := readRequest(t, ctx, obsWS)
	assert.Equal(t, "req-42", fwd.ID)
	assert.Equal(t, protocol.KindGetGridState, fwd.Kind)
	assert.Equal(t, "worker-33330000", fwd.Agent, "hub must stamp the originating agent")

	// A response with an unknown ID is dropped, not misrouted.
	stray, err := protocol.NewResponse("req-never-sent", protocol.KindGetGridState, nil)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, obsWS, stray))

	answer, err := protocol.NewResponse(fwd.ID, fwd.Kind, map[string]int{"agents": 1})
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, obsWS, answer))

	resp := readResponse(t, ctx, agentWS)
	assert.Equal(t, "req-42", resp.ID)
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)
}

func TestNotificationsFanOutBothWays(t *testing.T) {
	_, ts := newTestHub(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	agentWS := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, agentWS, "worker-44440000", "worker")
	obsWS := dialWS(t, ctx, ts, "/ws/observer")

	// Agent -> observers.
	ntf, err := protocol.NewNotification(protocol.KindStatusUpdate, protocol.StatusUpdate{AgentID: "worker-44440000", Status: "working"})
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, agentWS, ntf))

	var got protocol.Envelope
	for {
		require.NoError(t, wsjson.Read(ctx, obsWS, &got))
		if got.Type == protocol.TypeNotification && got.Kind == protocol.KindStatusUpdate {
			break
		}
	}
	assert.Equal(t, "worker-44440000", got.Agent)

	// Observer -> one addressed agent (an inbox wake-up).
	wake, err := protocol.NewNotification(protocol.KindInboxUpdated, nil)
	require.NoError(t, err)
	wake.Agent = "worker-44440000"
	require.NoError(t, wsjson.Write(ctx, obsWS, wake))

	for {
		var env protocol.Envelope
		require.NoError(t, wsjson.Read(ctx, agentWS, &env))
		if env.Type == protocol.TypeNotification && env.Kind == protocol.KindInboxUpdated {
			return
		}
	}
}

func TestSpawnAndKillWorker(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	repo := initGitRepo(t)
	h, ts := newTestHub(t, repo)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, ws, "terminal-55550000", "terminal")

	sendRequest(t, ctx, ws, "sp1", protocol.KindSpawn, protocol.SpawnParams{
		Kind:         "worker",
		Task:         "count hexagons",
		Instructions: "60", // argv for the test agent command
	})
	resp := readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK, "spawn failed: %s", resp.Error)

	result, err := protocol.DecodePayload[protocol.SpawnResult](resp)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.AgentID, "worker-"), "agent id = %q", result.AgentID)
	assert.True(t, strings.HasPrefix(result.Branch, "hgnucomb/"), "branch = %q", result.Branch)
	if _, statErr := os.Stat(result.Workspace); statErr != nil {
		t.Fatalf("workspace not materialized: %v", statErr)
	}

	// The context snapshot is written before the process starts.
	ctxFile := filepath.Join(config.ContextDir(), result.AgentID+".json")
	if _, statErr := os.Stat(ctxFile); statErr != nil {
		t.Errorf("context snapshot missing: %v", statErr)
	}

	_, found := h.sessions.Get(result.AgentID)
	assert.True(t, found, "session should be live")

	sendRequest(t, ctx, ws, "k1", protocol.KindKillWorker, protocol.WorkerParams{WorkerID: result.AgentID})
	resp = readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK, "kill failed: %s", resp.Error)

	// Teardown is asynchronous: session exit removes workspace, context
	// file, and registry entry.
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		_, wsGone := os.Stat(result.Workspace)
		_, ctxGone := os.Stat(ctxFile)
		_, live := h.sessions.Get(result.AgentID)
		if os.IsNotExist(wsGone) && os.IsNotExist(ctxGone) && !live {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("teardown incomplete after kill")
}

func TestSpawnRejectsFanOutBeyondMax(t *testing.T) {
	repo := initGitRepo(t)
	h, ts := newTestHub(t, repo)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws := dialWS(t, ctx, ts, "/ws/agent")
	register(t, ctx, ws, "terminal-66660000", "terminal")

	// Fill the roster with children directly; spawning real processes for
	// the fan-out check would be wasted work.
	for i := 0; i < 6; i++ {
		_, err := h.registry.Add(agentFixture("worker-fanout00"+string(rune('1'+i)), "terminal-66660000"), nil)
		require.NoError(t, err)
	}

	sendRequest(t, ctx, ws, "sp1", protocol.KindSpawn, protocol.SpawnParams{Kind: "worker"})
	resp := readResponse(t, ctx, ws)
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Contains(t, resp.Error, "children")
}

func TestTerminalEndpointUnknownAgent(t *testing.T) {
	_, ts := newTestHub(t, t.TempDir())
	resp, err := ts.Client().Get(ts.URL + "/ws/terminal/worker-nothere1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestServerInfoHandshake(t *testing.T) {
	repo := t.TempDir()
	_, ts := newTestHub(t, repo)

	resp, err := ts.Client().Get(ts.URL + "/api/server-info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var body struct {
		Kind    string              `json:"kind"`
		Payload protocol.ServerInfo `json:"payload"`
	}
	require.NoError(t, jsonDecode(resp.Body, &body))
	assert.Equal(t, protocol.KindServerInfo, body.Kind)
	assert.Equal(t, repo, body.Payload.ProjectDir)
	assert.Equal(t, "test", body.Payload.Version)
}
