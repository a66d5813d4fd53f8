// Package api provides the HTTP RPC surface for the shipd service.
package api

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shiplabs/shipd/internal/broadcast"
	"github.com/shiplabs/shipd/internal/config"
	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/gitflow"
	"github.com/shiplabs/shipd/internal/orchestrator"
	"github.com/shiplabs/shipd/internal/sandbox"
	"github.com/shiplabs/shipd/internal/store"
)

// maxBodyBytes bounds request bodies; prompts are text, not uploads.
const maxBodyBytes = 1 << 20

// TurnRunner is the slice of the orchestrator the API layer drives.
type TurnRunner interface {
	HandlePrompt(ctx context.Context, sessionID, content, mode string) iter.Seq2[orchestrator.StreamEvent, error]
	Stop(ctx context.Context, sessionID string) error
}

// Handler serves the session RPC surface.
type Handler struct {
	repo  store.Repository
	boxes sandbox.Manager
	turns TurnRunner
	hub   *broadcast.Hub
	cfg   *config.Config

	// forgeFor is swappable in tests.
	forgeFor func(repoURL, token string) gitflow.Forge
}

// NewHandler creates a Handler with its dependencies.
func NewHandler(repo store.Repository, boxes sandbox.Manager, turns TurnRunner, hub *broadcast.Hub, cfg *config.Config) *Handler {
	return &Handler{
		repo:     repo,
		boxes:    boxes,
		turns:    turns,
		hub:      hub,
		cfg:      cfg,
		forgeFor: defaultForge,
	}
}

func defaultForge(repoURL, token string) gitflow.Forge {
	if token == "" {
		return nil
	}
	forge, err := gitflow.NewGitHubClient(repoURL, token)
	if err != nil {
		slog.Warn("Repository host not supported for pull requests", "error", err)
		return nil
	}
	return forge
}

// RegisterRoutes registers the session RPC surface.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)

			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.AppendMessage)

			r.Get("/tasks", h.ListTasks)
			r.Post("/tasks", h.CreateTask)
			r.Get("/tasks/next", h.NextTask)
			r.Patch("/tasks/{taskID}", h.UpdateTask)

			r.Get("/meta", h.GetMeta)
			r.Put("/meta", h.SetMeta)

			r.Post("/sandbox/provision", h.ProvisionSandbox)
			r.Post("/sandbox/resume", h.ResumeSandbox)
			r.Post("/sandbox/pause", h.PauseSandbox)
			r.Post("/sandbox/terminate", h.TerminateSandbox)
			r.Get("/sandbox/status", h.SandboxStatus)

			r.Get("/git", h.GitState)
			r.Post("/git/ready", h.MarkReady)
			r.Post("/executor", h.InitExecutor)

			r.Post("/prompt", h.Prompt)
			r.Post("/stop", h.Stop)
			r.Get("/ws", h.AttachWS)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON request body into v. A false return means the
// error response has already been written.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// session resolves the session from the URL, writing a 404 when it is
// unknown or soft-deleted. A nil return means the response is written.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) *domain.Session {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil
	}
	if sess == nil || sess.Deleted() {
		Error(w, http.StatusNotFound, "session not found")
		return nil
	}
	return sess
}

// HealthHandler reports the API's own health plus its storage check.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
