package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/shiplabs/shipd/internal/sandbox"
)

// provisionLocks prevents concurrent provisioning for the same session.
var provisionLocks sync.Map

// ProvisionSandbox creates and starts a sandbox for the session.
func (h *Handler) ProvisionSandbox(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	lock, _ := provisionLocks.LoadOrStore(sess.ID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Provisioning already in progress", "session_id", sess.ID)
		Error(w, http.StatusConflict, "provisioning_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		provisionLocks.Delete(sess.ID)
	}()

	info, err := h.boxes.Provision(r.Context(), sess.ID)
	if err != nil {
		slog.Error("Failed to provision sandbox", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to provision sandbox")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"id":         info.ID,
		"status":     info.Status,
		"created_at": info.CreatedAt,
	})
}

// ResumeSandbox reconnects the session to its recorded sandbox.
func (h *Handler) ResumeSandbox(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	info, err := h.boxes.Resume(r.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, sandbox.ErrNoSandbox) {
			Error(w, http.StatusNotFound, "no sandbox provisioned for session")
			return
		}
		slog.Error("Failed to resume sandbox", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resume sandbox")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"id":     info.ID,
		"status": info.Status,
	})
}

// PauseSandbox freezes the session's sandbox for cost control.
func (h *Handler) PauseSandbox(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	if err := h.boxes.Pause(r.Context(), sess.ID); err != nil {
		if errors.Is(err, sandbox.ErrNoSandbox) {
			Error(w, http.StatusNotFound, "no sandbox provisioned for session")
			return
		}
		slog.Error("Failed to pause sandbox", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to pause sandbox")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// TerminateSandbox removes the session's sandbox. Terminating a session
// without one is a no-op.
func (h *Handler) TerminateSandbox(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	if err := h.boxes.Terminate(r.Context(), sess.ID); err != nil {
		slog.Error("Failed to terminate sandbox", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to terminate sandbox")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// SandboxStatus reports the sandbox lifecycle status for the session.
func (h *Handler) SandboxStatus(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	status, err := h.boxes.Status(r.Context(), sess.ID)
	if err != nil {
		slog.Error("Failed to read sandbox status", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read sandbox status")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": status})
}
