package agentrt

import (
	"encoding/json"
	"fmt"

	"github.com/shiplabs/shipd/internal/domain"
)

// Wire event types emitted by the agent server.
const (
	TypeMessagePart  = "message.part.updated"
	TypeSessionIdle  = "session.idle"
	TypeSessionError = "session.error"
	TypeTodo         = "todo.updated"
	TypePermission   = "permission.updated"
)

// Event is one decoded agent server event. Each variant keeps the
// verbatim wire payload so callers can relay it unchanged.
type Event interface {
	// Kind returns the wire event type.
	Kind() string
	// Session returns the agent-side session id the event belongs to,
	// or "" for events without session scope.
	Session() string
	// Raw returns the verbatim wire envelope.
	Raw() json.RawMessage
}

type base struct {
	kind    string
	session string
	raw     json.RawMessage
}

func (b base) Kind() string         { return b.kind }
func (b base) Session() string      { return b.session }
func (b base) Raw() json.RawMessage { return b.raw }

// MessagePartEvent carries one update to a streamed message part. Text
// parts carry the full accumulated text so far; updates replace earlier
// payloads for the same part id.
type MessagePartEvent struct {
	base
	MessageID string
	PartID    string
	Part      domain.MessagePart
}

// SessionIdleEvent signals that the agent finished processing and is
// waiting for input.
type SessionIdleEvent struct {
	base
}

// SessionErrorEvent signals an agent-side failure for the session.
type SessionErrorEvent struct {
	base
	Name    string
	Message string
}

// Error renders the agent error as a single line.
func (e *SessionErrorEvent) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// TodoItem is one entry of the agent's published plan.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed, cancelled
}

// TodoEvent carries the agent's full plan as of this update.
type TodoEvent struct {
	base
	Items []TodoItem
}

// PermissionEvent asks the operator to approve a pending agent action.
type PermissionEvent struct {
	base
	PermissionID string
	Action       string
	Title        string
}

// UnknownEvent preserves event types this build doesn't interpret so
// they can still be relayed verbatim.
type UnknownEvent struct {
	base
}

type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type wirePart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	State     *wireToolState `json:"state,omitempty"`
}

type wireToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Title  string          `json:"title,omitempty"`
}

// decodeEvent turns one wire envelope into a typed event. Unrecognized
// types decode to UnknownEvent; malformed JSON is an error.
func decodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event envelope missing type")
	}

	raw := json.RawMessage(append([]byte(nil), data...))

	switch env.Type {
	case TypeMessagePart:
		var props struct {
			Part wirePart `json:"part"`
		}
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s properties: %w", env.Type, err)
		}
		return &MessagePartEvent{
			base:      base{kind: env.Type, session: props.Part.SessionID, raw: raw},
			MessageID: props.Part.MessageID,
			PartID:    props.Part.ID,
			Part:      partFromWire(props.Part),
		}, nil

	case TypeSessionIdle:
		var props struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s properties: %w", env.Type, err)
		}
		return &SessionIdleEvent{base: base{kind: env.Type, session: props.SessionID, raw: raw}}, nil

	case TypeSessionError:
		var props struct {
			SessionID string `json:"sessionID"`
			Error     struct {
				Name    string `json:"name"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s properties: %w", env.Type, err)
		}
		return &SessionErrorEvent{
			base:    base{kind: env.Type, session: props.SessionID, raw: raw},
			Name:    props.Error.Name,
			Message: props.Error.Message,
		}, nil

	case TypeTodo:
		var props struct {
			SessionID string     `json:"sessionID"`
			Todos     []TodoItem `json:"todos"`
		}
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s properties: %w", env.Type, err)
		}
		return &TodoEvent{
			base:  base{kind: env.Type, session: props.SessionID, raw: raw},
			Items: props.Todos,
		}, nil

	case TypePermission:
		var props struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionID"`
			Type      string `json:"type"`
			Title     string `json:"title"`
		}
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode %s properties: %w", env.Type, err)
		}
		return &PermissionEvent{
			base:         base{kind: env.Type, session: props.SessionID, raw: raw},
			PermissionID: props.ID,
			Action:       props.Type,
			Title:        props.Title,
		}, nil

	default:
		return &UnknownEvent{base: base{kind: env.Type, session: sniffSession(env.Properties), raw: raw}}, nil
	}
}

// partFromWire maps a wire part to the stored representation.
func partFromWire(p wirePart) domain.MessagePart {
	if p.Type == "text" {
		return domain.MessagePart{
			Type:    domain.PartTypeText,
			Content: p.Text,
			State:   domain.PartStateComplete,
		}
	}

	part := domain.MessagePart{
		Type:     domain.PartTypeToolCall,
		ToolName: p.Tool,
	}
	if p.State != nil {
		part.State = partState(p.State.Status)
		part.ToolInput = string(p.State.Input)
		part.ToolOutput = p.State.Output
	}
	return part
}

func partState(wire string) string {
	switch wire {
	case "pending":
		return domain.PartStatePending
	case "running":
		return domain.PartStateRunning
	case "completed":
		return domain.PartStateComplete
	case "error":
		return domain.PartStateError
	default:
		return wire
	}
}

// sniffSession extracts a session id from properties of event types we
// don't otherwise interpret.
func sniffSession(props json.RawMessage) string {
	var probe struct {
		SessionID string `json:"sessionID"`
		Part      struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
		Info struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
	}
	if err := json.Unmarshal(props, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	if probe.Part.SessionID != "" {
		return probe.Part.SessionID
	}
	return probe.Info.SessionID
}
