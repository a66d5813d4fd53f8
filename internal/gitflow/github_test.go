package gitflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		in        string
		owner     string
		repo      string
		expectErr bool
	}{
		{"git@github.com:acme/site.git", "acme", "site", false},
		{"https://github.com/acme/site.git", "acme", "site", false},
		{"https://github.com/acme/site", "acme", "site", false},
		{"https://gitlab.com/acme/site.git", "", "", true},
		{"https://github.com/acme", "", "", true},
		{"not a url", "", "", true},
	}
	for _, tc := range cases {
		owner, repo, err := ParseRepoURL(tc.in)
		if tc.expectErr {
			if err == nil {
				t.Errorf("ParseRepoURL(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoURL(%q): unexpected error %v", tc.in, err)
			continue
		}
		if owner != tc.owner || repo != tc.repo {
			t.Errorf("ParseRepoURL(%q) = %s/%s, want %s/%s", tc.in, owner, repo, tc.owner, tc.repo)
		}
	}
}

func newTestGitHubClient(t *testing.T, handler http.Handler) (*GitHubClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewGitHubClient("https://github.com/acme/site.git", "ghp_token")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.apiBase = srv.URL
	return c, srv
}

func TestCreatePR(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/site/pulls" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_token" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number":42,"html_url":"https://github.com/acme/site/pull/42","title":"Fix login","draft":true,"node_id":"PR_abc"}`)
	}))

	pr, err := c.CreatePR(context.Background(), PRCreateOptions{
		Title: "Fix login",
		Body:  "Automated changes",
		Head:  "ship-fix-login-2025-06-15-34567890",
		Draft: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pr.Number != 42 || !pr.Draft {
		t.Errorf("unexpected PR: %+v", pr)
	}
	if gotBody["base"] != "main" {
		t.Errorf("expected default base main, got %v", gotBody["base"])
	}
	if gotBody["draft"] != true {
		t.Errorf("expected draft flag in payload, got %v", gotBody["draft"])
	}
	if gotBody["head"] != "ship-fix-login-2025-06-15-34567890" {
		t.Errorf("unexpected head: %v", gotBody["head"])
	}
}

func TestCreatePRReturnsExistingOnConflict(t *testing.T) {
	c, _ := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Validation Failed","errors":[{"message":"A pull request already exists for acme:ship-x."}]}`)
		case http.MethodGet:
			if got := r.URL.Query().Get("head"); got != "acme:ship-x" {
				t.Errorf("unexpected head filter: %q", got)
			}
			fmt.Fprint(w, `[{"number":9,"html_url":"https://github.com/acme/site/pull/9","draft":true}]`)
		}
	}))

	pr, err := c.CreatePR(context.Background(), PRCreateOptions{Title: "t", Head: "ship-x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.Number != 9 {
		t.Errorf("expected existing PR 9, got %+v", pr)
	}
}

func TestMarkReady(t *testing.T) {
	var gotMutation string
	var gotNodeID string
	c, _ := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/site/pulls/42":
			fmt.Fprint(w, `{"number":42,"node_id":"PR_node42","draft":true}`)
		case r.Method == http.MethodPost && r.URL.Path == "/graphql":
			var req struct {
				Query     string            `json:"query"`
				Variables map[string]string `json:"variables"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode graphql body: %v", err)
			}
			gotMutation = req.Query
			gotNodeID = req.Variables["id"]
			fmt.Fprint(w, `{"data":{"markPullRequestReadyForReview":{"pullRequest":{"isDraft":false}}}}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	if err := c.MarkReady(context.Background(), 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotMutation, "markPullRequestReadyForReview") {
		t.Errorf("expected ready-for-review mutation, got %q", gotMutation)
	}
	if gotNodeID != "PR_node42" {
		t.Errorf("expected node id resolved via REST, got %q", gotNodeID)
	}
}

func TestMarkReadySurfacesGraphQLErrors(t *testing.T) {
	c, _ := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"number":42,"node_id":"PR_node42"}`)
			return
		}
		fmt.Fprint(w, `{"errors":[{"message":"Pull request is not a draft"}]}`)
	}))

	err := c.MarkReady(context.Background(), 42)
	if err == nil {
		t.Fatal("expected error from graphql errors array")
	}
	if !strings.Contains(err.Error(), "not a draft") {
		t.Errorf("expected graphql message surfaced, got %v", err)
	}
}
