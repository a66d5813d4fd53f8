package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shiplabs/shipd/internal/agentrt"
	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/store"
)

// sealTimeout bounds the final assistant-message write, which runs on a
// fresh context because the request context may already be gone.
const sealTimeout = 5 * time.Second

// changeToolMarkers flag tool names that modify the workspace. Matching
// is substring-based so provider-specific tool names (write_file,
// str_replace_edit) still register.
var changeToolMarkers = []string{"write", "edit", "create", "patch", "apply"}

func toolMakesChanges(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range changeToolMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// taskStatusFromTodo maps the agent's todo statuses onto task statuses.
func taskStatusFromTodo(status string) string {
	switch status {
	case "in_progress":
		return domain.TaskStatusRunning
	case "completed":
		return domain.TaskStatusComplete
	case "cancelled":
		return domain.TaskStatusError
	default:
		return domain.TaskStatusPending
	}
}

// turnState is the single writer of one turn's assistant message. Parts
// are keyed by the runtime's part id; an update replaces the earlier
// payload for the same part, new parts append in arrival order.
type turnState struct {
	sess store.SessionStore
	mode string

	messageID string
	parts     []domain.MessagePart
	partIndex map[string]int

	hasChanges bool
	sealed     bool

	tasks      map[string]string // todo content -> task id
	taskStatus map[string]string // task id -> last persisted status
	firstTask  string
}

func newTurnState(sess store.SessionStore, mode string) *turnState {
	return &turnState{
		sess:       sess,
		mode:       mode,
		partIndex:  make(map[string]int),
		tasks:      make(map[string]string),
		taskStatus: make(map[string]string),
	}
}

// begin creates the assistant message row the turn will stream into.
func (t *turnState) begin(ctx context.Context) error {
	msg, err := t.sess.AppendMessage(ctx, domain.RoleAssistant, "", nil)
	if err != nil {
		return err
	}
	t.messageID = msg.ID
	return nil
}

// applyPart folds one part update into the turn and flushes the parts
// blob so attached consumers see progress. Flush failures are logged,
// not fatal; the final seal persists the complete state.
func (t *turnState) applyPart(ctx context.Context, ev *agentrt.MessagePartEvent) {
	if idx, ok := t.partIndex[ev.PartID]; ok {
		t.parts[idx] = ev.Part
	} else {
		t.partIndex[ev.PartID] = len(t.parts)
		t.parts = append(t.parts, ev.Part)
	}

	if ev.Part.IsToolCall() && toolMakesChanges(ev.Part.ToolName) {
		t.hasChanges = true
	}

	if t.messageID == "" {
		return
	}
	if err := t.sess.UpdateMessageParts(ctx, t.messageID, t.parts); err != nil {
		slog.Warn("Failed to flush message parts", "session_id", t.sess.SessionID(), "message_id", t.messageID, "error", err)
	}
}

// content joins the text parts in arrival order. Each text part carries
// its full accumulated text, so joining current values is the message.
func (t *turnState) content() string {
	var b strings.Builder
	for i := range t.parts {
		if t.parts[i].IsText() {
			b.WriteString(t.parts[i].Content)
		}
	}
	return b.String()
}

// syncTodos reconciles the agent's published plan with the task queue.
// New items enqueue tasks; status moves are applied monotonically.
func (t *turnState) syncTodos(ctx context.Context, items []agentrt.TodoItem) {
	for _, item := range items {
		if item.Content == "" {
			continue
		}

		taskID, seen := t.tasks[item.Content]
		if !seen {
			task, err := t.sess.EnqueueTask(ctx, item.Content, "", t.mode)
			if err != nil {
				slog.Warn("Failed to enqueue task", "session_id", t.sess.SessionID(), "title", item.Content, "error", err)
				continue
			}
			taskID = task.ID
			t.tasks[item.Content] = taskID
			t.taskStatus[taskID] = domain.TaskStatusPending
			if t.firstTask == "" {
				t.firstTask = item.Content
			}
		}

		want := taskStatusFromTodo(item.Status)
		if t.taskStatus[taskID] == want {
			continue
		}
		if _, err := t.sess.UpdateTaskStatus(ctx, taskID, want); err != nil {
			slog.Warn("Failed to update task status", "session_id", t.sess.SessionID(), "task_id", taskID, "status", want, "error", err)
			continue
		}
		t.taskStatus[taskID] = want
	}
}

// seal persists the completed assistant message exactly once, whatever
// path ended the turn. It runs on a fresh context so a disconnected
// consumer cannot lose accumulated output.
func (t *turnState) seal() {
	if t.sealed || t.messageID == "" {
		return
	}
	t.sealed = true

	ctx, cancel := context.WithTimeout(context.Background(), sealTimeout)
	defer cancel()

	if err := t.sess.UpdateMessage(ctx, t.messageID, t.content(), t.parts); err != nil {
		slog.Error("Failed to seal assistant message", "session_id", t.sess.SessionID(), "message_id", t.messageID, "error", err)
	}
}

// commitSummary derives a one-line commit message from the turn.
func commitSummary(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 72 {
			line = strings.TrimSpace(line[:72])
		}
		return line
	}
	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		return "Automated changes"
	}
	if len(fallback) > 72 {
		fallback = strings.TrimSpace(fallback[:72])
	}
	return fallback
}
