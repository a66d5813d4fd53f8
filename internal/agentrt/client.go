// Package agentrt is the HTTP client for the agent server that runs
// inside each sandbox. It exposes session control as unary calls and
// the server's event feed as an iterator over decoded events.
package agentrt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const unaryTimeout = 30 * time.Second

// Client talks to one agent server scoped to one workspace directory.
type Client struct {
	baseURL   string
	workspace string
	httpc     *http.Client
}

// NewClient creates a client for the agent server at baseURL operating
// on the given workspace directory inside the sandbox.
func NewClient(baseURL, workspace string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workspace: workspace,
		// No client-wide timeout: Subscribe holds its response open for
		// the life of the turn. Unary calls bound themselves per call.
		httpc: &http.Client{},
	}
}

// BaseURL returns the agent server base URL this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Health probes the agent server. A nil error means it is accepting
// requests.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/app", nil, nil)
}

// CreateSession opens a new agent session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", struct{}{}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("agent server returned session without id")
	}
	return out.ID, nil
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Model string       `json:"model,omitempty"`
	Mode  string       `json:"mode,omitempty"`
	Parts []promptPart `json:"parts"`
}

// Prompt submits user text to an agent session. It returns once the
// prompt is accepted; progress arrives on the event feed.
func (c *Client) Prompt(ctx context.Context, sessionID, text, model, mode string) error {
	req := promptRequest{
		Model: model,
		Mode:  mode,
		Parts: []promptPart{{Type: "text", Text: text}},
	}
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", req, nil)
}

// Abort asks the agent server to stop processing a session's current
// prompt. Aborting an idle session is a no-op.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", struct{}{}, nil)
}

// Subscribe opens the agent server's event feed. The returned
// subscription is live once Subscribe returns without error; events
// published after this point will be observed.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/event"), nil)
	if err != nil {
		return nil, fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe to agent events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe to agent events: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &Subscription{body: resp.Body}, nil
}

// Subscription is one open event feed.
type Subscription struct {
	body io.ReadCloser
}

// Events iterates decoded events until the feed closes or the caller
// stops. Lines that fail to decode are skipped.
func (s *Subscription) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		scanner := bufio.NewScanner(s.body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			ev, err := decodeEvent([]byte(payload))
			if err != nil {
				slog.Debug("Skipping undecodable agent event", "error", err)
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			yield(nil, fmt.Errorf("agent event feed: %w", err))
		}
	}
}

// Close releases the underlying response body, unblocking any pending
// iteration.
func (s *Subscription) Close() error {
	return s.body.Close()
}

func (c *Client) url(path string) string {
	u := c.baseURL + path
	if c.workspace != "" {
		u += "?directory=" + url.QueryEscape(c.workspace)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("agent server %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent server %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
