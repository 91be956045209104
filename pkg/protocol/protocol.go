// Package protocol defines the wire contract between the hgnucomb hub and
// the processes that connect to it: agent-side tool clients and observers.
//
// Every message is a single JSON envelope. Requests carry a correlation ID
// so responses can be routed back to exactly the caller that asked;
// notifications carry no ID and expect no reply. The set of kinds is closed:
// the hub logs and drops anything outside it.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope frame types.
const (
	TypeRequest      = "req"
	TypeResponse     = "res"
	TypeNotification = "ntf"
)

// Request kinds. Each expects a response carrying the same ID.
const (
	KindRegister            = "register"
	KindSpawn               = "spawn"
	KindGetGridState        = "get-grid-state"
	KindBroadcast           = "broadcast"
	KindReportStatus        = "report-status"
	KindReportResult        = "report-result"
	KindGetMessages         = "get-messages"
	KindGetWorkerStatus     = "get-worker-status"
	KindGetDiff             = "get-diff"
	KindListFiles           = "list-files"
	KindListCommits         = "list-commits"
	KindCheckMergeConflicts = "check-merge-conflicts"
	KindMergeToStaging      = "merge-to-staging"
	KindMergeToMain         = "merge-to-main"
	KindCleanupWorktree     = "cleanup-worktree"
	KindKillWorker          = "kill-worker"
)

// Notification kinds. Fire-and-forget, no correlation bookkeeping.
const (
	KindInboxUpdated      = "inbox-updated"
	KindStatusUpdate      = "status-update"
	KindBroadcastDelivery = "broadcast-delivery"
)

// KindServerInfo is the HTTP handshake announcing the hub's default project
// directory and version to a connecting observer.
const KindServerInfo = "server-info"

var requestKinds = map[string]bool{
	KindRegister:            true,
	KindSpawn:               true,
	KindGetGridState:        true,
	KindBroadcast:           true,
	KindReportStatus:        true,
	KindReportResult:        true,
	KindGetMessages:         true,
	KindGetWorkerStatus:     true,
	KindGetDiff:             true,
	KindListFiles:           true,
	KindListCommits:         true,
	KindCheckMergeConflicts: true,
	KindMergeToStaging:      true,
	KindMergeToMain:         true,
	KindCleanupWorktree:     true,
	KindKillWorker:          true,
}

var notificationKinds = map[string]bool{
	KindInboxUpdated:      true,
	KindStatusUpdate:      true,
	KindBroadcastDelivery: true,
}

// KnownRequestKind reports whether kind is in the closed request set.
func KnownRequestKind(kind string) bool { return requestKinds[kind] }

// KnownNotificationKind reports whether kind is in the closed notification set.
func KnownNotificationKind(kind string) bool { return notificationKinds[kind] }

// KnownKind reports whether kind is any known message kind.
func KnownKind(kind string) bool {
	return requestKinds[kind] || notificationKinds[kind]
}

// Envelope is the frame for all hub traffic. Type discriminates request,
// response, and notification. The hub stamps Agent with the originating
// agent identifier before forwarding a request to observers.
type Envelope struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewRequest builds a request envelope with the given correlation ID.
func NewRequest(id, kind string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeRequest, Kind: kind, ID: id, Payload: raw}, nil
}

// NewResponse builds a success response for the given request ID.
func NewResponse(id, kind string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	ok := true
	return Envelope{Type: TypeResponse, Kind: kind, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse builds a failure response for the given request ID.
func NewErrorResponse(id, kind, errMsg string) Envelope {
	ok := false
	return Envelope{Type: TypeResponse, Kind: kind, ID: id, OK: &ok, Error: errMsg}
}

// NewNotification builds a fire-and-forget notification envelope.
func NewNotification(kind string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeNotification, Kind: kind, Payload: raw}, nil
}

// Encode serializes an envelope to a JSON frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a JSON frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals the Payload field into a typed value.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var v T
	if len(env.Payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

// RegisterParams announces a tool-call channel for an agent.
type RegisterParams struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"agent_kind,omitempty"`
}

// SpawnParams asks the hub to launch a new agent process.
type SpawnParams struct {
	Kind         string `json:"kind"` // "orchestrator" | "worker"
	Task         string `json:"task,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// SpawnResult reports the identifiers of a freshly spawned agent.
type SpawnResult struct {
	AgentID   string `json:"agent_id"`
	Workspace string `json:"workspace"`
	Branch    string `json:"branch,omitempty"`
}

// ReportStatusParams carries an explicit agent status report.
type ReportStatusParams struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ReportResultParams carries a worker's final result to its parent.
type ReportResultParams struct {
	ParentID string `json:"parent_id,omitempty"`
	Summary  string `json:"summary"`
	Success  bool   `json:"success"`
}

// BranchParams selects a branch for diff/list/merge-preview requests. An
// empty AgentID means "the requesting agent's own branch".
type BranchParams struct {
	AgentID string `json:"agent_id,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// DiffStats summarizes a unified diff. Zero values mean the --stat summary
// line was missing or unparseable, not failure.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// DiffResult carries a unified diff plus parsed stats.
type DiffResult struct {
	Diff  string    `json:"diff"`
	Stats DiffStats `json:"stats"`
}

// TextResult carries raw human-readable git output (file lists, commit
// logs). Deliberately unparsed: the consuming agent interprets it.
type TextResult struct {
	Text string `json:"text"`
}

// MergePreview is the outcome of a dry-run merge.
type MergePreview struct {
	CanMerge bool   `json:"can_merge"`
	Status   string `json:"status,omitempty"` // raw conflict status when CanMerge=false
	Preview  string `json:"preview,omitempty"`
}

// MergeOutcome is the result of an ordinary merge operation.
type MergeOutcome struct {
	Merged bool   `json:"merged"`
	Log    string `json:"log,omitempty"`    // short log of merged commits
	Status string `json:"status,omitempty"` // raw git status on failure
}

// WorkerParams addresses a specific worker agent.
type WorkerParams struct {
	WorkerID string `json:"worker_id"`
}

// BroadcastParams carries a message for every registered agent.
type BroadcastParams struct {
	Message string `json:"message"`
}

// StatusUpdate is the payload of a status-update notification.
type StatusUpdate struct {
	AgentID  string    `json:"agent_id"`
	Status   string    `json:"status,omitempty"`
	Commits  int       `json:"commits,omitempty"`
	Observed time.Time `json:"observed,omitempty"`
}

// ServerInfo is the handshake payload served over HTTP.
type ServerInfo struct {
	Version    string `json:"version"`
	ProjectDir string `json:"project_dir"`
	BusAddr    string `json:"bus_addr"`
}
