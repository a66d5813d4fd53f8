package orchestrator

import "encoding/json"

// Stream event names as rendered on the turn's SSE feed.
const (
	EventStatus     = "status"
	EventAgent      = "event"
	EventPermission = "permission"
	EventPRCreated  = "pr-created"
	EventError      = "error"
	EventHeartbeat  = "heartbeat"
	EventDone       = "done"
)

// Turn phases reported through status events.
const (
	PhaseReceived    = "received"
	PhaseSandboxWait = "sandbox-wait"
	PhaseSandbox     = "sandbox-ready"
	PhaseServerStart = "server-start"
	PhaseServer      = "server-ready"
	PhaseClone       = "clone"
	PhaseAgent       = "agent-session"
	PhaseSubscribed  = "subscribed"
	PhaseStreaming   = "streaming"
	PhaseCommitting  = "committing"
)

// StreamEvent is one frame of a prompt turn's progress stream. The API
// layer renders each as an SSE event named by Name with the struct as
// the JSON payload.
type StreamEvent interface {
	Name() string
}

// StatusEvent reports the turn advancing into a new phase.
type StatusEvent struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

func (StatusEvent) Name() string { return EventStatus }

// AgentEvent relays one agent runtime event verbatim.
type AgentEvent struct {
	Raw json.RawMessage `json:"raw"`
}

func (AgentEvent) Name() string { return EventAgent }

// PermissionRequestEvent asks the consumer to resolve a pending agent
// permission out of band.
type PermissionRequestEvent struct {
	PermissionID string `json:"permission_id"`
	Action       string `json:"action,omitempty"`
	Title        string `json:"title,omitempty"`
}

func (PermissionRequestEvent) Name() string { return EventPermission }

// PRCreatedEvent reports the draft pull request opened on the session's
// first commit.
type PRCreatedEvent struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Branch string `json:"branch,omitempty"`
	Draft  bool   `json:"draft"`
}

func (PRCreatedEvent) Name() string { return EventPRCreated }

// ErrorEvent carries a sanitized failure with its classification. A
// terminal ErrorEvent ends the stream.
type ErrorEvent struct {
	Message   string `json:"message"`
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`
	Attempt   int    `json:"attempt,omitempty"`
}

func (ErrorEvent) Name() string { return EventError }

// HeartbeatEvent keeps the stream alive while the agent works silently.
type HeartbeatEvent struct{}

func (HeartbeatEvent) Name() string { return EventHeartbeat }

// DoneEvent ends a successful turn.
type DoneEvent struct {
	MessageID  string `json:"message_id,omitempty"`
	HasChanges bool   `json:"has_changes"`
	Branch     string `json:"branch,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
}

func (DoneEvent) Name() string { return EventDone }
