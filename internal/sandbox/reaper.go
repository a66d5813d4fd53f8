package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/shiplabs/shipd/internal/store"
)

const reaperInterval = time.Minute

// PauseCallback is called after the reaper pauses an idle sandbox.
type PauseCallback func(sessionID string)

// StartReaper runs a background goroutine that periodically sweeps for
// sessions whose sandboxes have been idle past the TTL and pauses them.
// Paused sandboxes keep their filesystem and are resumed transparently
// on the next prompt.
func StartReaper(ctx context.Context, repo store.Repository, mgr Manager, ttl time.Duration, onPause PauseCallback) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				pauseIdleSandboxes(ctx, repo, mgr, ttl, onPause)
			case <-ctx.Done():
				slog.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pauseIdleSandboxes(ctx context.Context, repo store.Repository, mgr Manager, ttl time.Duration, onPause PauseCallback) {
	idle, err := repo.ListIdleActiveSessions(ctx, ttl)
	if err != nil {
		slog.Error("Reaper failed to list idle sessions", "error", err)
		return
	}

	if len(idle) == 0 {
		return
	}

	slog.Info("Reaper found idle sandboxes", "count", len(idle))

	for _, sess := range idle {
		if err := mgr.Pause(ctx, sess.ID); err != nil {
			slog.Error("Reaper failed to pause sandbox",
				"error", err,
				"session_id", sess.ID)
			continue
		}

		slog.Info("Reaper paused idle sandbox", "session_id", sess.ID)
		if onPause != nil {
			onPause(sess.ID)
		}
	}
}
