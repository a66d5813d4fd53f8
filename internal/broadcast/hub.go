package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/metrics"
)

// sendQueueSlack is how many frames beyond the replay window a
// connection may fall behind before it is dropped.
const sendQueueSlack = 32

// Hub tracks live duplex connections per session and fans frames out to
// them. It also implements store.Notifier, so persisted changes reach
// attached clients without the writer knowing about connections.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	replay   int
	metrics  *metrics.Recorder
}

// sessionState is the hub's view of one session: its attached
// connections and the replay ring of recent frames.
type sessionState struct {
	conns map[*conn]struct{}
	ring  *frameRing
}

// conn is one attached duplex connection.
type conn struct {
	ws   *websocket.Conn
	send chan Frame
	done chan struct{}

	closeOnce sync.Once

	mu    sync.Mutex
	state domain.ConnectionState
}

// drop closes the connection once. Both read and write loops observe
// done and exit.
func (c *conn) drop(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) touch(now time.Time) {
	c.mu.Lock()
	c.state.Touch(now)
	c.mu.Unlock()
}

func (c *conn) snapshot() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NewHub creates a hub that replays up to replayFrames recent frames to
// each late attacher. rec may be nil.
func NewHub(replayFrames int, rec *metrics.Recorder) *Hub {
	if replayFrames <= 0 {
		replayFrames = 64
	}
	return &Hub{
		sessions: make(map[string]*sessionState),
		replay:   replayFrames,
		metrics:  rec,
	}
}

// Broadcast records the frame in the session's replay ring and queues
// it to every attached connection. A connection whose send queue is
// full is dropped rather than allowed to stall the others.
func (h *Hub) Broadcast(sessionID string, frame Frame) {
	h.mu.Lock()
	st := h.state(sessionID)
	st.ring.push(frame)
	conns := make([]*conn, 0, len(st.conns))
	for c := range st.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.metrics.IncFrame(frame.Type)

	for _, c := range conns {
		select {
		case c.send <- frame:
		case <-c.done:
		default:
			slog.Warn("Dropping slow duplex connection", "session_id", sessionID, "frame_type", frame.Type)
			h.detach(sessionID, c)
			c.drop(websocket.StatusPolicyViolation, "send queue overflow")
		}
	}
}

// MessageAppended implements store.Notifier.
func (h *Hub) MessageAppended(sessionID string, msg *domain.Message) {
	h.Broadcast(sessionID, MessageFrame(msg))
}

// MessagePartsUpdated implements store.Notifier.
func (h *Hub) MessagePartsUpdated(sessionID, messageID string, parts []domain.MessagePart) {
	h.Broadcast(sessionID, MessagePartsFrame(messageID, parts))
}

// TaskCreated implements store.Notifier.
func (h *Hub) TaskCreated(sessionID string, task *domain.Task) {
	h.Broadcast(sessionID, TaskCreatedFrame(task))
}

// TaskUpdated implements store.Notifier.
func (h *Hub) TaskUpdated(sessionID string, task *domain.Task) {
	h.Broadcast(sessionID, TaskUpdatedFrame(task))
}

// Forget closes every connection for a session and discards its replay
// ring. Called when a session is deleted or terminated.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for c := range st.conns {
		c.drop(websocket.StatusNormalClosure, "session ended")
	}
}

// ConnectionCount returns how many connections are attached to a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.conns)
}

// Connections returns the state of every connection attached to a session.
func (h *Hub) Connections(sessionID string) []domain.ConnectionState {
	h.mu.RLock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.RUnlock()
		return nil
	}
	conns := make([]*conn, 0, len(st.conns))
	for c := range st.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	out := make([]domain.ConnectionState, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	return out
}

// state returns the session's state, creating it on first use. The ring
// exists independently of connections so frames broadcast before anyone
// attaches are still replayed. Callers hold h.mu.
func (h *Hub) state(sessionID string) *sessionState {
	st, ok := h.sessions[sessionID]
	if !ok {
		st = &sessionState{
			conns: make(map[*conn]struct{}),
			ring:  newFrameRing(h.replay),
		}
		h.sessions[sessionID] = st
	}
	return st
}

// register adds the connection and queues the replay snapshot into its
// send channel under the lock, so frames broadcast afterwards land
// strictly behind the replay.
func (h *Hub) register(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(sessionID)
	for _, f := range st.ring.snapshot() {
		c.send <- f
	}
	st.conns[c] = struct{}{}
	h.metrics.ConnAttached()
}

func (h *Hub) detach(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if _, attached := st.conns[c]; !attached {
		return
	}
	delete(st.conns, c)
	h.metrics.ConnDetached()
}
