// Package broadcast fans session updates out to attached duplex
// connections. Every persisted change and relayed agent event becomes a
// typed frame; late attachers receive a bounded replay of recent frames.
package broadcast

import (
	"encoding/json"
	"log/slog"

	"github.com/shiplabs/shipd/internal/domain"
)

// Frame types carried over duplex connections.
const (
	FrameMessage      = "message"
	FrameMessageParts = "message-parts"
	FrameTaskCreated  = "task-created"
	FrameTaskUpdated  = "task-updated"
	FrameAgentEvent   = "opencode-event"
	FrameError        = "error"
	FrameEcho         = "echo"
)

// Frame is one unit broadcast to attached connections.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageFrame wraps a full persisted message.
func MessageFrame(msg *domain.Message) Frame {
	return Frame{Type: FrameMessage, Data: marshalData(msg)}
}

// MessagePartsFrame carries an incremental parts update for a message
// that is still streaming.
func MessagePartsFrame(messageID string, parts []domain.MessagePart) Frame {
	return Frame{Type: FrameMessageParts, Data: marshalData(struct {
		MessageID string               `json:"messageId"`
		Parts     []domain.MessagePart `json:"parts"`
	}{messageID, parts})}
}

// TaskCreatedFrame wraps a newly enqueued task.
func TaskCreatedFrame(task *domain.Task) Frame {
	return Frame{Type: FrameTaskCreated, Data: marshalData(task)}
}

// TaskUpdatedFrame wraps a task status change.
func TaskUpdatedFrame(task *domain.Task) Frame {
	return Frame{Type: FrameTaskUpdated, Data: marshalData(task)}
}

// AgentEventFrame relays a raw agent event verbatim.
func AgentEventFrame(raw json.RawMessage) Frame {
	return Frame{Type: FrameAgentEvent, Data: raw}
}

// ErrorFrame carries a sanitized error message.
func ErrorFrame(message string) Frame {
	return Frame{Type: FrameError, Data: marshalData(struct {
		Message string `json:"message"`
	}{message})}
}

// EchoFrame reflects an inbound client frame back, confirming liveness.
func EchoFrame(raw json.RawMessage) Frame {
	return Frame{Type: FrameEcho, Data: raw}
}

func marshalData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode frame payload", "error", err)
		return json.RawMessage(`{}`)
	}
	return data
}
