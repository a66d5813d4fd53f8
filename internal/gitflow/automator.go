// Package gitflow automates the git lifecycle of a coding session:
// one working branch per session, a commit per completed turn, and a
// draft pull request opened on the first commit. All commands run
// inside the session's sandbox through a Runner.
package gitflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/store"
)

const (
	defaultAuthorName  = "Shipd Agent"
	defaultAuthorEmail = "agent@shipd.dev"
)

// Runner executes a command in a directory and returns its combined
// output and exit code. The error is reserved for failures to run the
// command at all; command failures surface through the exit code.
type Runner interface {
	Run(ctx context.Context, dir string, argv ...string) (string, int, error)
}

// Attribution identifies the commit author.
type Attribution struct {
	Name  string
	Email string
}

// Automator drives the git workflow for one session's clone.
type Automator struct {
	run     Runner
	dir     string // repository path inside the sandbox
	session store.SessionStore
	forge   Forge // nil when no hosting provider is configured
}

// New creates an automator for the repository at dir.
func New(run Runner, dir string, session store.SessionStore, forge Forge) *Automator {
	return &Automator{run: run, dir: dir, session: session, forge: forge}
}

// AutoCommitResult reports what one auto-commit pass produced.
type AutoCommitResult struct {
	Branch     string
	CommitHash string
	PR         *PullRequest // set when this pass opened the draft PR
}

// AutoCommit runs the per-turn git pipeline: ensure the session branch,
// commit the working tree, push, and open a draft PR if this was the
// session's first commit. A clean tree returns ErrNoChanges.
func (a *Automator) AutoCommit(ctx context.Context, seed, message string) (*AutoCommitResult, error) {
	branch, ok, err := a.session.GetMeta(ctx, domain.MetaBranchName)
	if err != nil {
		return nil, fmt.Errorf("read branch name: %w", err)
	}
	if !ok || branch == "" {
		branch = BranchName(seed, a.session.SessionID(), time.Now())
		if err := a.session.SetMeta(ctx, domain.MetaBranchName, branch); err != nil {
			return nil, fmt.Errorf("record branch name: %w", err)
		}
	}

	if err := a.EnsureBranch(ctx, branch); err != nil {
		return nil, err
	}

	hash, err := a.CommitChanges(ctx, message, a.attribution(ctx))
	if err != nil {
		return nil, err
	}

	token, _, err := a.session.GetMeta(ctx, domain.MetaGitToken)
	if err != nil {
		return nil, fmt.Errorf("read git token: %w", err)
	}
	if err := a.PushBranch(ctx, branch, token); err != nil {
		return nil, err
	}

	result := &AutoCommitResult{Branch: branch, CommitHash: hash}

	first, err := a.session.MarkFirstCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("mark first commit: %w", err)
	}
	if first && a.forge != nil {
		pr, err := a.openDraftPR(ctx, branch, seed, message)
		if err != nil {
			// The commit and push already landed; a session without its
			// draft PR is degraded, not broken.
			slog.Error("Draft PR creation failed",
				"session_id", a.session.SessionID(),
				"branch", branch,
				"error", err)
		} else {
			result.PR = pr
		}
	}

	return result, nil
}

// EnsureBranch checks out the session branch, creating it on first use.
func (a *Automator) EnsureBranch(ctx context.Context, branch string) error {
	_, code, err := a.run.Run(ctx, a.dir, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return wrapOp("branch", err)
	}
	if code == 0 {
		_, err := a.git(ctx, "checkout", branch)
		return wrapOp("branch", err)
	}
	_, err = a.git(ctx, "checkout", "-b", branch)
	return wrapOp("branch", err)
}

// CommitChanges stages and commits the working tree. It returns the
// short hash of the new commit, or ErrNoChanges when the tree is clean.
func (a *Automator) CommitChanges(ctx context.Context, message string, author Attribution) (string, error) {
	if _, err := a.git(ctx, "config", "user.name", author.Name); err != nil {
		return "", wrapOp("commit", err)
	}
	if _, err := a.git(ctx, "config", "user.email", author.Email); err != nil {
		return "", wrapOp("commit", err)
	}

	status, err := a.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", wrapOp("commit", err)
	}
	if strings.TrimSpace(status) == "" {
		return "", ErrNoChanges
	}

	if _, err := a.git(ctx, "add", "-A"); err != nil {
		return "", wrapOp("commit", err)
	}
	if _, err := a.git(ctx, "commit", "-m", message); err != nil {
		return "", wrapOp("commit", err)
	}

	hash, err := a.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", wrapOp("commit", err)
	}
	return strings.TrimSpace(hash), nil
}

// PushBranch pushes the branch to origin. When a token is available the
// remote URL temporarily embeds it for the push and is restored
// afterwards, success or not, so the credential never stays in the
// clone's config.
func (a *Automator) PushBranch(ctx context.Context, branch, token string) error {
	origOut, err := a.git(ctx, "remote", "get-url", "origin")
	if err != nil {
		return wrapOp("push", err)
	}
	orig := strings.TrimSpace(origOut)

	pushURL := orig
	if token != "" {
		pushURL, err = injectCredential(orig, token)
		if err != nil {
			return wrapOp("push", err)
		}
	}

	if pushURL != orig {
		if _, err := a.gitRedacted(ctx, token, "remote", "set-url", "origin", pushURL); err != nil {
			return wrapOp("push", err)
		}
		defer func() {
			// Restore with a fresh context so a canceled push can't
			// strand the credentialed URL in the clone.
			restoreCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := a.git(restoreCtx, "remote", "set-url", "origin", orig); err != nil {
				slog.Error("Failed to restore origin URL after push",
					"session_id", a.session.SessionID(),
					"error", err)
			}
		}()
	}

	if _, err := a.gitRedacted(ctx, token, "push", "--set-upstream", "origin", branch); err != nil {
		return wrapOp("push", err)
	}
	return nil
}

// Clone clones repoURL to dest inside the sandbox. When a token is
// available the clone URL embeds it and the remote is scrubbed back to
// the plain URL immediately afterwards.
func (a *Automator) Clone(ctx context.Context, repoURL, token, dest string) error {
	cloneURL := repoURL
	if token != "" {
		var err error
		cloneURL, err = injectCredential(repoURL, token)
		if err != nil {
			return wrapOp("clone", err)
		}
	}

	out, code, err := a.run.Run(ctx, "", "git", "clone", cloneURL, dest)
	if err != nil {
		return wrapOp("clone", err)
	}
	if code != 0 {
		return wrapOp("clone", fmt.Errorf("exit status %d: %s", code, redact(strings.TrimSpace(out), token)))
	}

	if token != "" {
		out, code, err := a.run.Run(ctx, dest, "git", "remote", "set-url", "origin", repoURL)
		if err != nil {
			return wrapOp("clone", err)
		}
		if code != 0 {
			return wrapOp("clone", fmt.Errorf("scrub remote url: exit status %d: %s", code, redact(strings.TrimSpace(out), token)))
		}
	}
	return nil
}

// MarkReadyForReview flips the session's draft PR to ready for review.
func (a *Automator) MarkReadyForReview(ctx context.Context) (*PullRequest, error) {
	numStr, ok, err := a.session.GetMeta(ctx, domain.MetaPRNumber)
	if err != nil {
		return nil, fmt.Errorf("read pr number: %w", err)
	}
	if !ok || numStr == "" {
		return nil, ErrNoPullRequest
	}
	number, err := strconv.Atoi(numStr)
	if err != nil {
		return nil, fmt.Errorf("parse pr number %q: %w", numStr, err)
	}
	if a.forge == nil {
		return nil, wrapOp("pr", errors.New("no hosting provider configured"))
	}

	if err := a.forge.MarkReady(ctx, number); err != nil {
		return nil, wrapOp("pr", err)
	}
	if err := a.session.SetMeta(ctx, domain.MetaPRDraft, "false"); err != nil {
		return nil, fmt.Errorf("record pr state: %w", err)
	}

	prURL, _, _ := a.session.GetMeta(ctx, domain.MetaPRURL)
	slog.Info("Pull request marked ready for review",
		"session_id", a.session.SessionID(),
		"pr_number", number)
	return &PullRequest{Number: number, URL: prURL, Draft: false}, nil
}

func (a *Automator) openDraftPR(ctx context.Context, branch, seed, message string) (*PullRequest, error) {
	title := strings.TrimSpace(seed)
	if title == "" {
		title = "Automated changes"
	}

	body := message
	if issueID, ok, _ := a.session.GetMeta(ctx, domain.MetaIssueID); ok && issueID != "" {
		body = fmt.Sprintf("%s\n\nCloses #%s", body, issueID)
	}

	pr, err := a.forge.CreatePR(ctx, PRCreateOptions{
		Title: title,
		Body:  body,
		Head:  branch,
		Draft: true,
	})
	if err != nil {
		return nil, wrapOp("pr", err)
	}

	if err := a.session.SetMeta(ctx, domain.MetaPRNumber, strconv.Itoa(pr.Number)); err != nil {
		return nil, fmt.Errorf("record pr number: %w", err)
	}
	if err := a.session.SetMeta(ctx, domain.MetaPRURL, pr.URL); err != nil {
		return nil, fmt.Errorf("record pr url: %w", err)
	}
	if err := a.session.SetMeta(ctx, domain.MetaPRDraft, "true"); err != nil {
		return nil, fmt.Errorf("record pr state: %w", err)
	}

	slog.Info("Draft pull request opened",
		"session_id", a.session.SessionID(),
		"pr_number", pr.Number,
		"branch", branch)
	return pr, nil
}

// attribution resolves the commit author from session metadata,
// falling back to the service identity.
func (a *Automator) attribution(ctx context.Context) Attribution {
	author := Attribution{Name: defaultAuthorName, Email: defaultAuthorEmail}
	if name, ok, _ := a.session.GetMeta(ctx, domain.MetaGitUserName); ok && name != "" {
		author.Name = name
	}
	if email, ok, _ := a.session.GetMeta(ctx, domain.MetaGitUserEmail); ok && email != "" {
		author.Email = email
	}
	return author
}

// git runs one git command in the automator's repository directory.
func (a *Automator) git(ctx context.Context, args ...string) (string, error) {
	return a.gitRedacted(ctx, "", args...)
}

// gitRedacted runs one git command, replacing secret with a placeholder
// in any error text. Git prints remote URLs on failure, so commands
// touching a credentialed URL must pass the token here.
func (a *Automator) gitRedacted(ctx context.Context, secret string, args ...string) (string, error) {
	out, code, err := a.run.Run(ctx, a.dir, append([]string{"git"}, args...)...)
	cmd := redact(strings.Join(args, " "), secret)
	if err != nil {
		return out, fmt.Errorf("git %s: %w", cmd, err)
	}
	if code != 0 {
		return out, fmt.Errorf("git %s: exit status %d: %s", cmd, code, redact(strings.TrimSpace(out), secret))
	}
	return out, nil
}

// injectCredential embeds a token into an HTTPS remote URL. SSH remotes
// are rewritten to their HTTPS form first.
func injectCredential(rawURL, token string) (string, error) {
	if strings.HasPrefix(rawURL, "git@github.com:") {
		rawURL = "https://github.com/" + strings.TrimPrefix(rawURL, "git@github.com:")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("cannot embed credential in %s remote", u.Scheme)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}
