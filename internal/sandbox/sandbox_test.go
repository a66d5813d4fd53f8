package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/store"
)

func TestStatusFromState(t *testing.T) {
	cases := map[string]string{
		"running":    domain.SandboxStatusActive,
		"paused":     domain.SandboxStatusPaused,
		"created":    domain.SandboxStatusProvisioning,
		"restarting": domain.SandboxStatusProvisioning,
		"exited":     domain.SandboxStatusStopped,
		"dead":       domain.SandboxStatusStopped,
		"removing":   domain.SandboxStatusStopped,
	}
	for state, want := range cases {
		if got := statusFromState(state); got != want {
			t.Errorf("statusFromState(%q) = %q, want %q", state, got, want)
		}
	}
}

type fakeManager struct {
	Manager

	paused  []string
	failFor string
}

func (f *fakeManager) Pause(_ context.Context, sessionID string) error {
	if sessionID == f.failFor {
		return errors.New("daemon unavailable")
	}
	f.paused = append(f.paused, sessionID)
	return nil
}

type fakeIdleRepo struct {
	store.Repository

	idle []*domain.Session
}

func (f *fakeIdleRepo) ListIdleActiveSessions(_ context.Context, _ time.Duration) ([]*domain.Session, error) {
	return f.idle, nil
}

func TestReaperPausesIdleSandboxes(t *testing.T) {
	repo := &fakeIdleRepo{idle: []*domain.Session{
		{ID: "s-1"},
		{ID: "s-2"},
		{ID: "s-3"},
	}}
	mgr := &fakeManager{failFor: "s-2"}

	var notified []string
	pauseIdleSandboxes(context.Background(), repo, mgr, 30*time.Minute, func(sessionID string) {
		notified = append(notified, sessionID)
	})

	if len(mgr.paused) != 2 {
		t.Fatalf("expected 2 paused sandboxes, got %v", mgr.paused)
	}
	if mgr.paused[0] != "s-1" || mgr.paused[1] != "s-3" {
		t.Errorf("expected pause of s-1 and s-3 despite s-2 failure, got %v", mgr.paused)
	}
	if len(notified) != 2 {
		t.Errorf("expected callback for each paused sandbox, got %v", notified)
	}
}

type fixedExecManager struct {
	Manager

	output string
	code   int

	gotSandbox string
	gotDir     string
	gotArgv    []string
}

func (f *fixedExecManager) Exec(_ context.Context, sandboxID, workdir string, cmd []string) (string, int, error) {
	f.gotSandbox = sandboxID
	f.gotDir = workdir
	f.gotArgv = cmd
	return f.output, f.code, nil
}

func TestShellRunBindsSandboxAndWorkdir(t *testing.T) {
	mgr := &fixedExecManager{output: "ok\n", code: 0}
	sh := Shell(mgr, "box-1", "/workspace/repo")

	out, code, err := sh.Run(context.Background(), "", "git", "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok\n" || code != 0 {
		t.Errorf("unexpected result: %q %d", out, code)
	}
	if mgr.gotSandbox != "box-1" {
		t.Errorf("expected exec in box-1, got %s", mgr.gotSandbox)
	}
	if mgr.gotDir != "/workspace/repo" {
		t.Errorf("expected empty dir to fall back to bound workdir, got %s", mgr.gotDir)
	}
	if len(mgr.gotArgv) != 2 || mgr.gotArgv[0] != "git" {
		t.Errorf("unexpected argv: %v", mgr.gotArgv)
	}

	if _, _, err := sh.Run(context.Background(), "/tmp/elsewhere", "ls"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr.gotDir != "/tmp/elsewhere" {
		t.Errorf("expected explicit dir to win, got %s", mgr.gotDir)
	}
}
