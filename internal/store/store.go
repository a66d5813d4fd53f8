// Package store provides the durable per-session state store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shiplabs/shipd/internal/domain"
)

// Errors surfaced to callers.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrBadTransition   = errors.New("invalid task status transition")
	ErrMessageNotFound = errors.New("message not found")
)

// DefaultMessagePageSize is used when ListMessages gets limit <= 0.
const DefaultMessagePageSize = 25

// Notifier receives change notifications as state is persisted, so live
// duplex connections learn about writes they did not initiate.
// Implementations must not block.
type Notifier interface {
	MessageAppended(sessionID string, msg *domain.Message)
	MessagePartsUpdated(sessionID, messageID string, parts []domain.MessagePart)
	TaskCreated(sessionID string, task *domain.Task)
	TaskUpdated(sessionID string, task *domain.Task)
}

// Repository is the persistence surface for sessions. One process owns one
// Repository; per-session state goes through ForSession handles.
type Repository interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, title, userID string) (*domain.Session, error)

	// GetSession returns a session by id, or (nil, nil) when unknown.
	// Soft-deleted sessions are returned with DeletedAt set.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns non-deleted sessions, newest first. An empty
	// userID lists across users.
	ListSessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error)

	// DeleteSession soft-deletes a session. Deleting a missing or
	// already-deleted session is a no-op.
	DeleteSession(ctx context.Context, id string) error

	// TouchSession bumps the session's updated_at, feeding idle detection.
	TouchSession(ctx context.Context, id string) error

	// ListIdleActiveSessions returns sessions whose sandbox is active but
	// which have seen no activity for idleFor. Used by the auto-pause
	// reaper.
	ListIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*domain.Session, error)

	// ForSession returns the single-writer handle for one session's state.
	ForSession(sessionID string) SessionStore

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// SessionStore is the state store for exactly one session: its message log,
// task queue and meta map. Writes within a session are serialized.
type SessionStore interface {
	SessionID() string

	// AppendMessage persists a new message with a generated id and
	// timestamp and notifies attached connections.
	AppendMessage(ctx context.Context, role, content string, parts []domain.MessagePart) (*domain.Message, error)

	// UpdateMessageParts overwrites the parts blob of an existing message.
	// Last write wins; used for incremental streaming flushes.
	UpdateMessageParts(ctx context.Context, messageID string, parts []domain.MessagePart) error

	// UpdateMessage overwrites both content and parts of an existing
	// message. Used once per turn to seal a streamed assistant message.
	UpdateMessage(ctx context.Context, messageID, content string, parts []domain.MessagePart) error

	// ListMessages returns up to limit messages in chronological order.
	// A non-empty before cursor (a message id) restricts the page to
	// messages with strictly earlier timestamps.
	ListMessages(ctx context.Context, limit int, before string) ([]*domain.Message, error)

	// EnqueueTask appends a task to the FIFO queue.
	EnqueueTask(ctx context.Context, title, description, mode string) (*domain.Task, error)

	// UpdateTaskStatus applies a monotonic status transition and stamps
	// completed_at on terminal statuses.
	UpdateTaskStatus(ctx context.Context, taskID, status string) (*domain.Task, error)

	// NextPendingTask returns the oldest pending task, or (nil, nil) when
	// the queue is empty.
	NextPendingTask(ctx context.Context) (*domain.Task, error)

	// ListTasks returns tasks in FIFO order, optionally filtered by status.
	ListTasks(ctx context.Context, status string, limit int) ([]*domain.Task, error)

	// Meta returns the full key/value map.
	Meta(ctx context.Context) (map[string]string, error)

	// GetMeta returns one value; ok is false when the key is absent, which
	// is distinct from an empty value.
	GetMeta(ctx context.Context, key string) (value string, ok bool, err error)

	// SetMeta writes one key.
	SetMeta(ctx context.Context, key, value string) error

	// DeleteMeta removes one key. Removing an absent key is a no-op.
	DeleteMeta(ctx context.Context, key string) error

	// MarkFirstCommit atomically sets the first-commit marker and reports
	// whether this call was the one that set it. Returns true at most once
	// per session lifetime.
	MarkFirstCommit(ctx context.Context) (bool, error)
}
