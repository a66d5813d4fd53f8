package gitflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase    = "https://api.github.com"
	defaultBaseBranch = "main"
	apiVersion        = "2022-11-28"
)

// GitHubClient implements Forge against the GitHub REST and GraphQL
// APIs using a per-session access token.
type GitHubClient struct {
	owner   string
	repo    string
	token   string
	apiBase string
	httpc   *http.Client
}

// NewGitHubClient creates a forge client for the repository identified
// by repoURL.
func NewGitHubClient(repoURL, token string) (*GitHubClient, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	return &GitHubClient{
		owner:   owner,
		repo:    repo,
		token:   token,
		apiBase: defaultAPIBase,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// RepoPath returns the owner/repo path.
func (c *GitHubClient) RepoPath() string {
	return c.owner + "/" + c.repo
}

type prResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	Draft   bool   `json:"draft"`
	NodeID  string `json:"node_id"`
}

func (r prResponse) toPullRequest() *PullRequest {
	return &PullRequest{
		Number: r.Number,
		URL:    r.HTMLURL,
		Title:  r.Title,
		Draft:  r.Draft,
	}
}

// CreatePR creates a pull request. If GitHub reports an open PR for
// the same head branch, that PR is returned instead.
func (c *GitHubClient) CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error) {
	if opts.Base == "" {
		opts.Base = defaultBaseBranch
	}

	payload := map[string]any{
		"title": opts.Title,
		"body":  opts.Body,
		"head":  opts.Head,
		"base":  opts.Base,
		"draft": opts.Draft,
	}

	var created prResponse
	err := c.rest(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo), payload, &created)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return c.prForBranch(ctx, opts.Head)
		}
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return created.toPullRequest(), nil
}

// prForBranch finds the open PR whose head is the given branch.
func (c *GitHubClient) prForBranch(ctx context.Context, branch string) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls?head=%s:%s&state=open", c.owner, c.repo, c.owner, branch)

	var prs []prResponse
	if err := c.rest(ctx, http.MethodGet, path, nil, &prs); err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("no open pull request for branch %s", branch)
	}
	return prs[0].toPullRequest(), nil
}

// MarkReady flips a draft pull request to ready for review. The REST
// API has no endpoint for this; it requires the GraphQL mutation keyed
// by the PR's node id.
func (c *GitHubClient) MarkReady(ctx context.Context, number int) error {
	var pr prResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, c.repo, number)
	if err := c.rest(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return fmt.Errorf("resolve pull request %d: %w", number, err)
	}
	if pr.NodeID == "" {
		return fmt.Errorf("pull request %d has no node id", number)
	}

	query := map[string]any{
		"query": `mutation($id: ID!) {
			markPullRequestReadyForReview(input: {pullRequestId: $id}) {
				pullRequest { isDraft }
			}
		}`,
		"variables": map[string]string{"id": pr.NodeID},
	}

	var out struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.rest(ctx, http.MethodPost, "/graphql", query, &out); err != nil {
		return fmt.Errorf("mark pull request %d ready: %w", number, err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("mark pull request %d ready: %s", number, out.Errors[0].Message)
	}
	return nil
}

func (c *GitHubClient) rest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
