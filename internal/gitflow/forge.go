package gitflow

import (
	"context"
	"fmt"
	"strings"
)

// PullRequest is a pull request on the hosting provider, normalized
// across providers.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Draft  bool   `json:"draft"`
}

// PRCreateOptions contains options for creating a pull request.
type PRCreateOptions struct {
	// Title is required.
	Title string

	// Body is the PR description.
	Body string

	// Head is the source branch (required).
	Head string

	// Base is the target branch (defaults to "main").
	Base string

	// Draft creates the PR as a draft.
	Draft bool
}

// Forge is the hosting-provider surface the git workflow needs.
type Forge interface {
	// CreatePR creates a pull request. If an open PR already exists for
	// the head branch, implementations return that PR instead.
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error)

	// MarkReady flips a draft pull request to ready for review.
	MarkReady(ctx context.Context, number int) error
}

// ParseRepoURL extracts owner and repo from common GitHub URL formats.
func ParseRepoURL(url string) (owner, repo string, err error) {
	// SSH format: git@github.com:owner/repo.git
	if strings.HasPrefix(url, "git@github.com:") {
		path := strings.TrimPrefix(url, "git@github.com:")
		path = strings.TrimSuffix(path, ".git")
		parts := strings.Split(path, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid GitHub SSH URL format: %s", url)
		}
		return parts[0], parts[1], nil
	}

	// HTTPS format: https://github.com/owner/repo.git
	if strings.HasPrefix(url, "https://github.com/") {
		path := strings.TrimPrefix(url, "https://github.com/")
		path = strings.TrimSuffix(path, ".git")
		path = strings.TrimSuffix(path, "/")
		parts := strings.Split(path, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid GitHub HTTPS URL format: %s", url)
		}
		return parts[0], parts[1], nil
	}

	return "", "", fmt.Errorf("unsupported git URL format: %s", url)
}
