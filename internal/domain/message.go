package domain

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MessagePart types.
const (
	PartTypeText       = "text"
	PartTypeToolCall   = "tool-call"
	PartTypeToolResult = "tool-result"
)

// MessagePart states.
const (
	PartStatePending  = "pending"
	PartStateRunning  = "running"
	PartStateComplete = "complete"
	PartStateError    = "error"
)

// Message is one entry in a session's append-only conversation log.
// Messages are ordered by CreatedAt; an in-progress assistant message is
// mutated only by replacing its parts, never by deletion.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Parts     []MessagePart `json:"parts,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// MessagePart is one increment of agent output attached to a message.
// Type decides which of the optional fields are meaningful.
type MessagePart struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
	State      string `json:"state,omitempty"`
}

// IsText reports whether the part carries plain text output.
func (p *MessagePart) IsText() bool {
	return p.Type == PartTypeText
}

// IsToolCall reports whether the part describes a tool invocation.
func (p *MessagePart) IsToolCall() bool {
	return p.Type == PartTypeToolCall
}
