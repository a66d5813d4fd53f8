package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/faults"
	"github.com/shiplabs/shipd/internal/identity"
	"github.com/shiplabs/shipd/internal/orchestrator"
)

// Prompt runs one agent turn and streams its progress as server-sent
// events. The stream ends with one done or one error event.
func (h *Handler) Prompt(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Content string `json:"content"`
		Mode    string `json:"mode,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Mode == "" {
		req.Mode = domain.TaskModeBuild
	}
	if req.Mode != domain.TaskModeBuild && req.Mode != domain.TaskModePlan {
		Error(w, http.StatusBadRequest, "mode must be build or plan")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev, err := range h.turns.HandlePrompt(r.Context(), sess.ID, req.Content, req.Mode) {
		if err != nil {
			// Internal failures surface as a terminal error event with
			// the same shape the orchestrator emits.
			details := faults.Classify(err)
			writeSSE(w, flusher, orchestrator.EventError, orchestrator.ErrorEvent{
				Message:   faults.SanitizeErr(err),
				Category:  details.Category.String(),
				Retryable: details.Retryable,
			})
			return
		}
		if !writeSSE(w, flusher, ev.Name(), ev) {
			return
		}
	}
}

// writeSSE writes one named SSE event and flushes it. A false return
// means the client is gone.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, name string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode stream event", "event", name, "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// Stop asks the agent runtime to abort the session's current
// generation. Advisory: the turn's event stream ends on the runtime's
// own terminal event.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	if err := h.turns.Stop(r.Context(), sess.ID); err != nil {
		if errors.Is(err, orchestrator.ErrNoActiveAgent) {
			Error(w, http.StatusConflict, "no agent session to stop")
			return
		}
		slog.Error("Failed to stop agent turn", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to stop agent turn")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// AttachWS upgrades the request to a duplex connection attached to the
// session's broadcast hub.
func (h *Handler) AttachWS(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}
	h.hub.Attach(w, r, sess.ID, identity.UserIDFromContext(r.Context()))
}
