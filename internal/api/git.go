package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/gitflow"
)

// GitState returns the session's git workflow state: branch, pull
// request and repository URL.
func (h *Handler) GitState(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	meta, err := h.repo.ForSession(sess.ID).Meta(r.Context())
	if err != nil {
		slog.Error("Failed to read session meta", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read git state")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"branch":       meta[domain.MetaBranchName],
		"pr_number":    meta[domain.MetaPRNumber],
		"pr_url":       meta[domain.MetaPRURL],
		"pr_draft":     meta[domain.MetaPRDraft] != "false",
		"repo_url":     meta[domain.MetaRepoURL],
		"first_commit": meta[domain.MetaFirstCommit] == "true",
	})
}

// MarkReady flips the session's draft pull request to ready for review.
func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	store := h.repo.ForSession(sess.ID)
	repoURL, _, err := store.GetMeta(r.Context(), domain.MetaRepoURL)
	if err != nil {
		slog.Error("Failed to read repository url", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read git state")
		return
	}
	token, _, err := store.GetMeta(r.Context(), domain.MetaGitToken)
	if err != nil {
		slog.Error("Failed to read git credential", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read git state")
		return
	}

	forge := h.forgeFor(repoURL, token)
	if forge == nil {
		Error(w, http.StatusBadRequest, "no hosting provider configured for this session")
		return
	}

	// Only the forge and the meta map are touched here; no shell runs.
	pr, err := gitflow.New(nil, "", store, forge).MarkReadyForReview(r.Context())
	if err != nil {
		if errors.Is(err, gitflow.ErrNoPullRequest) {
			Error(w, http.StatusNotFound, "no pull request recorded for session")
			return
		}
		slog.Error("Failed to mark PR ready", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to mark pull request ready")
		return
	}
	JSON(w, http.StatusOK, pr)
}

// InitExecutor stores the session's repository URL, git credential and
// commit attribution. Required before the first prompt turn can clone.
func (h *Handler) InitExecutor(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		RepoURL      string `json:"repo_url"`
		GitToken     string `json:"git_token,omitempty"`
		GitUserName  string `json:"git_user_name,omitempty"`
		GitUserEmail string `json:"git_user_email,omitempty"`
		Model        string `json:"model,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RepoURL == "" {
		Error(w, http.StatusBadRequest, "repo_url is required")
		return
	}

	store := h.repo.ForSession(sess.ID)
	writes := map[string]string{
		domain.MetaRepoURL:      req.RepoURL,
		domain.MetaGitToken:     req.GitToken,
		domain.MetaGitUserName:  req.GitUserName,
		domain.MetaGitUserEmail: req.GitUserEmail,
		domain.MetaModel:        req.Model,
	}
	for key, value := range writes {
		if value == "" && key != domain.MetaRepoURL {
			continue
		}
		if err := store.SetMeta(r.Context(), key, value); err != nil {
			slog.Error("Failed to store executor config", "session_id", sess.ID, "key", key, "error", err)
			Error(w, http.StatusInternalServerError, "failed to store executor config")
			return
		}
	}

	slog.Info("Executor initialized", "session_id", sess.ID, "repo_url", req.RepoURL)
	JSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}
