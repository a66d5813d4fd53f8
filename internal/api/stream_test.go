package api

import (
	"bufio"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/shiplabs/shipd/internal/orchestrator"
)

// parseSSE collects the event names in order and the data payload of
// the last event with each name.
func parseSSE(t *testing.T, body string) (names []string, data map[string]string) {
	t.Helper()
	data = make(map[string]string)
	var current string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			names = append(names, current)
		case strings.HasPrefix(line, "data: "):
			data[current] = strings.TrimPrefix(line, "data: ")
		}
	}
	return names, data
}

func TestPromptStreamsEvents(t *testing.T) {
	env := newTestEnv(t, "s-1")
	env.turns.events = []orchestrator.StreamEvent{
		orchestrator.StatusEvent{Phase: orchestrator.PhaseReceived, Message: "prompt accepted"},
		orchestrator.StatusEvent{Phase: orchestrator.PhaseStreaming, Message: "agent working"},
		orchestrator.PRCreatedEvent{Number: 7, URL: "https://github.com/acme/site/pull/7", Draft: true},
		orchestrator.DoneEvent{MessageID: "m-2", HasChanges: true},
	}

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/prompt", map[string]string{"content": "fix the bug"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	names, data := parseSSE(t, rec.Body.String())
	want := []string{"status", "status", "pr-created", "done"}
	if len(names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], names[i])
		}
	}
	if !strings.Contains(data["done"], `"m-2"`) {
		t.Errorf("done payload missing message id: %s", data["done"])
	}

	if len(env.turns.prompts) != 1 || env.turns.prompts[0] != "fix the bug" {
		t.Errorf("expected prompt forwarded once, got %v", env.turns.prompts)
	}
}

func TestPromptInternalErrorBecomesErrorEvent(t *testing.T) {
	env := newTestEnv(t, "s-1")
	env.turns.err = errors.New("persist user message: disk full, token=ghp_secret12345")

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/prompt", map[string]string{"content": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (stream already open), got %d", rec.Code)
	}

	names, data := parseSSE(t, rec.Body.String())
	if len(names) != 1 || names[0] != "error" {
		t.Fatalf("expected a single error event, got %v", names)
	}
	if strings.Contains(data["error"], "ghp_secret12345") {
		t.Errorf("error payload leaked a credential: %s", data["error"])
	}
	if !strings.Contains(data["error"], "[REDACTED]") {
		t.Errorf("expected redaction marker in payload: %s", data["error"])
	}
}

func TestPromptValidation(t *testing.T) {
	env := newTestEnv(t, "s-1")

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/prompt", map[string]string{"content": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty content: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/prompt", map[string]string{"content": "x", "mode": "yolo"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/sessions/missing/prompt", map[string]string{"content": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestStop(t *testing.T) {
	env := newTestEnv(t, "s-1")

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/stop", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.turns.stops != 1 {
		t.Errorf("expected one stop call, got %d", env.turns.stops)
	}

	env.turns.stopErr = orchestrator.ErrNoActiveAgent
	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("no active agent: expected 409, got %d", rec.Code)
	}
}
