package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/identity"
	"github.com/shiplabs/shipd/internal/store"
)

// terminateTimeout bounds the background sandbox cleanup kicked off by
// a session delete.
const terminateTimeout = 30 * time.Second

// CreateSession creates a new session for the requesting user.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	sess, err := h.repo.CreateSession(r.Context(), req.Title, userID)
	if err != nil {
		slog.Error("Failed to create session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	slog.Info("Session created", "session_id", sess.ID, "user_id", userID)
	JSON(w, http.StatusCreated, sess)
}

// ListSessions lists the requesting user's sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	userID := identity.UserIDFromContext(r.Context())

	sessions, err := h.repo.ListSessions(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// GetSession returns one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	JSON(w, http.StatusOK, sess)
}

// DeleteSession soft-deletes a session, drops its attached connections
// and tears down its sandbox in the background.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	if err := h.repo.DeleteSession(r.Context(), sess.ID); err != nil {
		slog.Error("Failed to delete session", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	h.hub.Forget(sess.ID)

	// Sandbox teardown is best-effort and must not hold up the response.
	sessionID := sess.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		if err := h.boxes.Terminate(ctx, sessionID); err != nil {
			slog.Error("Failed to terminate sandbox for deleted session", "session_id", sessionID, "error", err)
		}
	}()

	slog.Info("Session deleted", "session_id", sess.ID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListMessages returns a chronological page of the session's messages.
// The before cursor is a message id; the page holds strictly earlier
// messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before := r.URL.Query().Get("before")

	messages, err := h.repo.ForSession(sess.ID).ListMessages(r.Context(), limit, before)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			Error(w, http.StatusBadRequest, "unknown cursor message id")
			return
		}
		slog.Error("Failed to list messages", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

// AppendMessage appends a message to the session's log.
func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Role    string               `json:"role"`
		Content string               `json:"content"`
		Parts   []domain.MessagePart `json:"parts,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	switch req.Role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
	default:
		Error(w, http.StatusBadRequest, "role must be user, assistant or system")
		return
	}

	msg, err := h.repo.ForSession(sess.ID).AppendMessage(r.Context(), req.Role, req.Content, req.Parts)
	if err != nil {
		slog.Error("Failed to append message", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to append message")
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// ListTasks returns the session's tasks in FIFO order.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !domain.ValidTaskStatus(status) {
		Error(w, http.StatusBadRequest, "unknown task status")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := h.repo.ForSession(sess.ID).ListTasks(r.Context(), status, limit)
	if err != nil {
		slog.Error("Failed to list tasks", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	JSON(w, http.StatusOK, tasks)
}

// CreateTask enqueues a task directly, outside of any agent turn.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Mode        string `json:"mode,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Mode != "" && req.Mode != domain.TaskModeBuild && req.Mode != domain.TaskModePlan {
		Error(w, http.StatusBadRequest, "mode must be build or plan")
		return
	}

	task, err := h.repo.ForSession(sess.ID).EnqueueTask(r.Context(), req.Title, req.Description, req.Mode)
	if err != nil {
		slog.Error("Failed to enqueue task", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	JSON(w, http.StatusCreated, task)
}

// NextTask returns the oldest pending task, or 204 when the queue is
// drained.
func (h *Handler) NextTask(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	task, err := h.repo.ForSession(sess.ID).NextPendingTask(r.Context())
	if err != nil {
		slog.Error("Failed to read next pending task", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read next pending task")
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	JSON(w, http.StatusOK, task)
}

// UpdateTask applies a task status transition.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}

	taskID := chi.URLParam(r, "taskID")
	task, err := h.repo.ForSession(sess.ID).UpdateTaskStatus(r.Context(), taskID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			Error(w, http.StatusNotFound, "task not found")
		case errors.Is(err, store.ErrBadTransition):
			Error(w, http.StatusConflict, err.Error())
		default:
			slog.Error("Failed to update task", "session_id", sess.ID, "task_id", taskID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to update task")
		}
		return
	}
	JSON(w, http.StatusOK, task)
}

// GetMeta returns the session's meta map with secret-bearing keys
// omitted.
func (h *Handler) GetMeta(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	meta, err := h.repo.ForSession(sess.ID).Meta(r.Context())
	if err != nil {
		slog.Error("Failed to read session meta", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read session meta")
		return
	}
	for key := range meta {
		if domain.SecretMetaKeys[key] {
			delete(meta, key)
		}
	}
	JSON(w, http.StatusOK, meta)
}

// SetMeta writes one meta key. Secret keys may be written here but are
// never read back through GetMeta.
func (h *Handler) SetMeta(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		Error(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.repo.ForSession(sess.ID).SetMeta(r.Context(), req.Key, req.Value); err != nil {
		slog.Error("Failed to set session meta", "session_id", sess.ID, "key", req.Key, "error", err)
		Error(w, http.StatusInternalServerError, "failed to set session meta")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
