package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/shiplabs/shipd/internal/domain"
)

// writeTimeout bounds a single frame write so one wedged client cannot
// pin its write loop.
const writeTimeout = 10 * time.Second

// Attach upgrades the request to a websocket, replays recent frames,
// and serves the duplex protocol until the client disconnects. Inbound
// client frames bump the connection's last-seen time and are echoed
// back verbatim.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}

	now := time.Now()
	c := &conn{
		ws:   ws,
		send: make(chan Frame, h.replay+sendQueueSlack),
		done: make(chan struct{}),
		state: domain.ConnectionState{
			ConnectedAt: now,
			LastSeen:    now,
			UserID:      userID,
		},
	}

	h.register(sessionID, c)
	defer h.detach(sessionID, c)
	defer c.drop(websocket.StatusNormalClosure, "session ended")

	slog.Info("Duplex connection attached", "session_id", sessionID, "user_id", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, c, sessionID)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, c, sessionID)
	}()

	wg.Wait()
	slog.Info("Duplex connection detached", "session_id", sessionID, "user_id", userID)
}

func (h *Hub) readLoop(ctx context.Context, c *conn, sessionID string) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Duplex connection closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("Duplex read error", "error", err, "session_id", sessionID)
			}
			return
		}

		c.touch(time.Now())

		if !json.Valid(data) {
			data = marshalData(struct {
				Raw string `json:"raw"`
			}{string(data)})
		}
		select {
		case c.send <- EchoFrame(data):
			h.metrics.IncFrame(FrameEcho)
		case <-c.done:
			return
		default:
			// Echo is best-effort; a full queue drops it, not the conn.
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *conn, sessionID string) {
	for {
		select {
		case f := <-c.send:
			if err := writeFrame(ctx, c.ws, f); err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
					slog.Debug("Duplex write error", "error", err, "session_id", sessionID)
				}
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
