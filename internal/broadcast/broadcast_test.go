package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shiplabs/shipd/internal/domain"
)

func TestFrameRingWrapsAndReplaysInOrder(t *testing.T) {
	ring := newFrameRing(3)

	for i := 0; i < 5; i++ {
		ring.push(ErrorFrame(fmt.Sprintf("e%d", i)))
	}

	got := ring.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	for i, want := range []string{"e2", "e3", "e4"} {
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(got[i].Data, &payload); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if payload.Message != want {
			t.Errorf("frame %d: expected %q, got %q", i, want, payload.Message)
		}
	}
}

func TestFrameRingEmpty(t *testing.T) {
	ring := newFrameRing(4)
	if got := ring.snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %d frames", len(got))
	}
}

func newTestServer(t *testing.T, hub *Hub, sessionID, userID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Attach(w, r, sessionID, userID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func readFrame(t *testing.T, ctx context.Context, ws *websocket.Conn) Frame {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func waitConns(t *testing.T, hub *Hub, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectionCount(sessionID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connections, got %d", want, hub.ConnectionCount(sessionID))
}

func TestAttachReplaysThenStreams(t *testing.T) {
	hub := NewHub(8, nil)

	// Broadcast before anyone attaches; the ring must hold it.
	hub.Broadcast("s-1", ErrorFrame("early"))

	srv := newTestServer(t, hub, "s-1", "u-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, srv)

	f := readFrame(t, ctx, ws)
	if f.Type != FrameError {
		t.Fatalf("expected replayed %q frame first, got %q", FrameError, f.Type)
	}

	hub.MessageAppended("s-1", &domain.Message{ID: "m-1", SessionID: "s-1", Role: domain.RoleUser, Content: "hi"})

	f = readFrame(t, ctx, ws)
	if f.Type != FrameMessage {
		t.Fatalf("expected %q frame, got %q", FrameMessage, f.Type)
	}
	var msg domain.Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	if msg.ID != "m-1" || msg.Content != "hi" {
		t.Errorf("unexpected message payload: %+v", msg)
	}
}

func TestNotifierFrameTypes(t *testing.T) {
	hub := NewHub(8, nil)
	srv := newTestServer(t, hub, "s-2", "u-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, srv)
	waitConns(t, hub, "s-2", 1)

	hub.MessagePartsUpdated("s-2", "m-1", []domain.MessagePart{{Type: domain.PartTypeText, Content: "chunk"}})
	hub.TaskCreated("s-2", &domain.Task{ID: "t-1", SessionID: "s-2", Title: "build"})
	hub.TaskUpdated("s-2", &domain.Task{ID: "t-1", SessionID: "s-2", Title: "build", Status: domain.TaskStatusRunning})
	hub.Broadcast("s-2", AgentEventFrame(json.RawMessage(`{"type":"session.idle"}`)))

	want := []string{FrameMessageParts, FrameTaskCreated, FrameTaskUpdated, FrameAgentEvent}
	for i, wantType := range want {
		f := readFrame(t, ctx, ws)
		if f.Type != wantType {
			t.Fatalf("frame %d: expected type %q, got %q", i, wantType, f.Type)
		}
	}
}

func TestEchoBumpsLastSeen(t *testing.T) {
	hub := NewHub(8, nil)
	srv := newTestServer(t, hub, "s-3", "u-7")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, srv)
	waitConns(t, hub, "s-3", 1)

	before := hub.Connections("s-3")[0]
	if before.UserID != "u-7" {
		t.Errorf("expected user u-7, got %q", before.UserID)
	}

	time.Sleep(20 * time.Millisecond)
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	f := readFrame(t, ctx, ws)
	if f.Type != FrameEcho {
		t.Fatalf("expected %q frame, got %q", FrameEcho, f.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("decode echo payload: %v", err)
	}
	if payload["hello"] != "world" {
		t.Errorf("expected echo to carry the inbound frame, got %v", payload)
	}

	after := hub.Connections("s-3")[0]
	if !after.LastSeen.After(before.LastSeen) {
		t.Errorf("expected LastSeen to advance past %v, got %v", before.LastSeen, after.LastSeen)
	}
}

func TestForgetClosesConnections(t *testing.T) {
	hub := NewHub(8, nil)
	srv := newTestServer(t, hub, "s-4", "u-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, srv)
	waitConns(t, hub, "s-4", 1)

	hub.Broadcast("s-4", ErrorFrame("before forget"))
	hub.Forget("s-4")

	if got := hub.ConnectionCount("s-4"); got != 0 {
		t.Fatalf("expected 0 connections after forget, got %d", got)
	}

	// The client eventually observes the close.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			break
		}
	}

	// The replay ring was discarded with the session.
	hub.mu.RLock()
	_, kept := hub.sessions["s-4"]
	hub.mu.RUnlock()
	if kept {
		t.Error("expected session state to be discarded")
	}
}

func TestBroadcastToSessionWithoutConnections(t *testing.T) {
	hub := NewHub(4, nil)

	// Must not panic or block.
	for i := 0; i < 10; i++ {
		hub.Broadcast("s-5", ErrorFrame(fmt.Sprintf("e%d", i)))
	}
	if got := hub.ConnectionCount("s-5"); got != 0 {
		t.Fatalf("expected 0 connections, got %d", got)
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	if testing.Short() {
		t.Skip("needs socket buffers to saturate")
	}

	hub := NewHub(1, nil)
	srv := newTestServer(t, hub, "s-6", "u-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dial(t, ctx, srv) // never reads
	waitConns(t, hub, "s-6", 1)

	// Large frames saturate the socket buffers, wedging the write loop;
	// the send queue then overflows and the hub drops the connection.
	payload := strings.Repeat("x", 1<<20)
	for i := 0; i < 64; i++ {
		hub.Broadcast("s-6", ErrorFrame(payload))
		if hub.ConnectionCount("s-6") == 0 {
			return
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectionCount("s-6") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected slow connection to be dropped, still attached")
}
