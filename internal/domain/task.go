package domain

import (
	"time"
)

// Task statuses. Transitions are monotonic: pending → running →
// {complete, error}; a terminal status is never left.
const (
	TaskStatusPending  = "pending"
	TaskStatusRunning  = "running"
	TaskStatusComplete = "complete"
	TaskStatusError    = "error"
)

// Task modes.
const (
	TaskModeBuild = "build"
	TaskModePlan  = "plan"
)

// Task is one unit of planned agent work, queued FIFO per session.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Mode        string     `json:"mode"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusComplete || t.Status == TaskStatusError
}

// taskRank orders statuses along the allowed pending → running →
// {complete, error} progression.
func taskRank(status string) int {
	switch status {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusComplete, TaskStatusError:
		return 2
	default:
		return -1
	}
}

// ValidTaskStatus reports whether s names a known task status.
func ValidTaskStatus(s string) bool {
	return taskRank(s) >= 0
}

// ValidTaskTransition reports whether moving from one status to another
// respects the monotonic task lifecycle. Same-status writes are allowed
// (idempotent updates), moving backwards or out of a terminal state is not.
func ValidTaskTransition(from, to string) bool {
	fr, tr := taskRank(from), taskRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	if from == to {
		return true
	}
	if fr == 2 {
		return false
	}
	return tr > fr
}
