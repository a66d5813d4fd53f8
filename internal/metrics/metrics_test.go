package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveTurn("completed", 2*time.Second)
	rec.ObserveTurn("completed", 5*time.Second)
	rec.ObserveTurn("error", time.Second)
	rec.IncRetry("transient")
	rec.IncSandboxOp("provision", nil)
	rec.IncSandboxOp("provision", errors.New("boom"))
	rec.IncGitOp("push", nil)
	rec.IncFrame("message")
	rec.ConnAttached()
	rec.ConnAttached()
	rec.ConnDetached()
	rec.IncAgentEvent("message.part.updated")

	if got := testutil.ToFloat64(rec.turnsTotal.WithLabelValues("completed")); got != 2 {
		t.Fatalf("expected 2 completed turns, got %v", got)
	}
	if got := testutil.ToFloat64(rec.turnsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 errored turn, got %v", got)
	}
	if got := testutil.ToFloat64(rec.sandboxOps.WithLabelValues("provision", "ok")); got != 1 {
		t.Fatalf("expected 1 ok provision, got %v", got)
	}
	if got := testutil.ToFloat64(rec.sandboxOps.WithLabelValues("provision", "error")); got != 1 {
		t.Fatalf("expected 1 failed provision, got %v", got)
	}
	if got := testutil.ToFloat64(rec.wsConnections); got != 1 {
		t.Fatalf("expected 1 live connection, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder

	rec.ObserveTurn("completed", time.Second)
	rec.IncRetry("transient")
	rec.IncSandboxOp("pause", nil)
	rec.IncGitOp("commit", nil)
	rec.IncFrame("echo")
	rec.ConnAttached()
	rec.ConnDetached()
	rec.IncAgentEvent("session.idle")
}
