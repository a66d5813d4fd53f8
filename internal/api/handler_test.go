package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shiplabs/shipd/internal/broadcast"
	"github.com/shiplabs/shipd/internal/config"
	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/gitflow"
	"github.com/shiplabs/shipd/internal/orchestrator"
	"github.com/shiplabs/shipd/internal/sandbox"
	"github.com/shiplabs/shipd/internal/store"
)

// fakeSession is an in-memory store.SessionStore covering what the API
// layer touches.
type fakeSession struct {
	store.SessionStore
	mu sync.Mutex

	id       string
	messages []*domain.Message
	tasks    []*domain.Task
	meta     map[string]string
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, meta: make(map[string]string)}
}

func (s *fakeSession) SessionID() string { return s.id }

func (s *fakeSession) AppendMessage(_ context.Context, role, content string, parts []domain.MessagePart) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &domain.Message{
		ID:        fmt.Sprintf("m-%d", len(s.messages)+1),
		SessionID: s.id,
		Role:      role,
		Content:   content,
		Parts:     parts,
		CreatedAt: time.Now(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeSession) ListMessages(_ context.Context, limit int, before string) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if before != "" {
		found := false
		for _, m := range s.messages {
			if m.ID == before {
				found = true
				break
			}
		}
		if !found {
			return nil, store.ErrMessageNotFound
		}
	}
	return append([]*domain.Message(nil), s.messages...), nil
}

func (s *fakeSession) EnqueueTask(_ context.Context, title, description, mode string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == "" {
		mode = domain.TaskModeBuild
	}
	task := &domain.Task{
		ID:          fmt.Sprintf("t-%d", len(s.tasks)+1),
		SessionID:   s.id,
		Title:       title,
		Description: description,
		Status:      domain.TaskStatusPending,
		Mode:        mode,
		CreatedAt:   time.Now(),
	}
	s.tasks = append(s.tasks, task)
	return task, nil
}

func (s *fakeSession) UpdateTaskStatus(_ context.Context, taskID, status string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == taskID {
			if !domain.ValidTaskTransition(t.Status, status) {
				return nil, fmt.Errorf("%w: %s -> %s", store.ErrBadTransition, t.Status, status)
			}
			t.Status = status
			return t, nil
		}
	}
	return nil, store.ErrTaskNotFound
}

func (s *fakeSession) NextPendingTask(context.Context) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusPending {
			return t, nil
		}
	}
	return nil, nil
}

func (s *fakeSession) ListTasks(_ context.Context, status string, _ int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeSession) Meta(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.meta))
	for k, v := range s.meta {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSession) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *fakeSession) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

// fakeRepo hands out one fakeSession per id.
type fakeRepo struct {
	store.Repository
	mu       sync.Mutex
	sessions map[string]*domain.Session
	stores   map[string]*fakeSession
	deleted  map[string]bool
}

func newFakeRepo(ids ...string) *fakeRepo {
	r := &fakeRepo{
		sessions: make(map[string]*domain.Session),
		stores:   make(map[string]*fakeSession),
		deleted:  make(map[string]bool),
	}
	for _, id := range ids {
		r.sessions[id] = &domain.Session{ID: id, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		r.stores[id] = newFakeSession(id)
	}
	return r
}

func (r *fakeRepo) CreateSession(_ context.Context, title, userID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := &domain.Session{
		ID:        fmt.Sprintf("s-%d", len(r.sessions)+1),
		Title:     title,
		UserID:    userID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.sessions[sess.ID] = sess
	r.stores[sess.ID] = newFakeSession(sess.ID)
	return sess, nil
}

func (r *fakeRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	if r.deleted[id] {
		now := time.Now()
		copied := *sess
		copied.DeletedAt = &now
		return &copied, nil
	}
	return sess, nil
}

func (r *fakeRepo) ListSessions(_ context.Context, userID string, _ int) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for id, sess := range r.sessions {
		if r.deleted[id] {
			continue
		}
		if userID == "" || sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (r *fakeRepo) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted[id] = true
	return nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }

func (r *fakeRepo) ForSession(sessionID string) store.SessionStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[sessionID]; ok {
		return s
	}
	s := newFakeSession(sessionID)
	r.stores[sessionID] = s
	return s
}

// fakeBoxes answers sandbox lifecycle calls from a scripted state.
type fakeBoxes struct {
	sandbox.Manager
	mu sync.Mutex

	status     string
	resumeErr  error
	pauseErr   error
	provisions int
	terminates int
}

func (b *fakeBoxes) Provision(context.Context, string) (*sandbox.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provisions++
	return &sandbox.Info{ID: "box-1", Status: domain.SandboxStatusActive, CreatedAt: time.Now()}, nil
}

func (b *fakeBoxes) Resume(context.Context, string) (*sandbox.Info, error) {
	if b.resumeErr != nil {
		return nil, b.resumeErr
	}
	return &sandbox.Info{ID: "box-1", Status: domain.SandboxStatusActive}, nil
}

func (b *fakeBoxes) Pause(context.Context, string) error { return b.pauseErr }

func (b *fakeBoxes) Terminate(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminates++
	return nil
}

func (b *fakeBoxes) Status(context.Context, string) (string, error) {
	if b.status == "" {
		return domain.SandboxStatusUninitialized, nil
	}
	return b.status, nil
}

// fakeTurns scripts the orchestrator's stream for the prompt endpoint.
type fakeTurns struct {
	events  []orchestrator.StreamEvent
	err     error
	stopErr error

	mu      sync.Mutex
	prompts []string
	stops   int
}

func (f *fakeTurns) HandlePrompt(_ context.Context, sessionID, content, mode string) iter.Seq2[orchestrator.StreamEvent, error] {
	f.mu.Lock()
	f.prompts = append(f.prompts, content)
	f.mu.Unlock()
	return func(yield func(orchestrator.StreamEvent, error) bool) {
		for _, ev := range f.events {
			if !yield(ev, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func (f *fakeTurns) Stop(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

type testEnv struct {
	repo   *fakeRepo
	boxes  *fakeBoxes
	turns  *fakeTurns
	router *chi.Mux
}

func newTestEnv(t *testing.T, sessionIDs ...string) *testEnv {
	t.Helper()
	cfg := &config.Config{Port: "0", DBPath: "ignored", Turn: config.Turn{ReplayFrames: 8}}
	repo := newFakeRepo(sessionIDs...)
	boxes := &fakeBoxes{}
	turns := &fakeTurns{}
	hub := broadcast.NewHub(8, nil)

	h := NewHandler(repo, boxes, turns, hub, cfg)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)

	return &testEnv{repo: repo, boxes: boxes, turns: turns, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/sessions", map[string]string{"title": "fix login"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	sess := decodeBody[*domain.Session](t, rec)
	if sess.Title != "fix login" {
		t.Errorf("expected title to round-trip, got %q", sess.Title)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}

	// A deleted session reads as gone.
	rec = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestGetSessionUnknown(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, "s-1")

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/messages", map[string]string{
		"role": "user", "content": "hello",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/messages", map[string]string{
		"role": "robot", "content": "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad role: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/s-1/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	messages := decodeBody[[]*domain.Message](t, rec)
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Errorf("unexpected messages: %+v", messages)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/s-1/messages?before=missing", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad cursor: expected 400, got %d", rec.Code)
	}
}

func TestTasks(t *testing.T) {
	env := newTestEnv(t, "s-1")

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/tasks", map[string]string{"title": "add tests"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	task := decodeBody[*domain.Task](t, rec)
	if task.Status != domain.TaskStatusPending || task.Mode != domain.TaskModeBuild {
		t.Errorf("unexpected task defaults: %+v", task)
	}

	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/tasks", map[string]string{"title": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing title: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/s-1/tasks/next", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("next: expected 200, got %d", rec.Code)
	}
	next := decodeBody[*domain.Task](t, rec)
	if next.ID != task.ID {
		t.Errorf("expected next task %s, got %s", task.ID, next.ID)
	}

	rec = env.do(t, http.MethodPatch, "/api/sessions/s-1/tasks/"+task.ID, map[string]string{"status": "complete"})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Terminal statuses are never left.
	rec = env.do(t, http.MethodPatch, "/api/sessions/s-1/tasks/"+task.ID, map[string]string{"status": "running"})
	if rec.Code != http.StatusConflict {
		t.Errorf("backwards transition: expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, "/api/sessions/s-1/tasks/missing", map[string]string{"status": "running"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task: expected 404, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/s-1/tasks/next", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("drained queue: expected 204, got %d", rec.Code)
	}
}

func TestMetaRedactsSecrets(t *testing.T) {
	env := newTestEnv(t, "s-1")

	for _, kv := range []map[string]string{
		{"key": domain.MetaModel, "value": "claude-sonnet"},
		{"key": domain.MetaGitToken, "value": "ghp_supersecret1234"},
	} {
		rec := env.do(t, http.MethodPut, "/api/sessions/s-1/meta", kv)
		if rec.Code != http.StatusOK {
			t.Fatalf("set meta %v: expected 200, got %d", kv, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/sessions/s-1/meta", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get meta: expected 200, got %d", rec.Code)
	}
	meta := decodeBody[map[string]string](t, rec)
	if meta[domain.MetaModel] != "claude-sonnet" {
		t.Errorf("expected model to be readable, got %q", meta[domain.MetaModel])
	}
	if _, ok := meta[domain.MetaGitToken]; ok {
		t.Error("git token must never be returned through the meta read")
	}
}

func TestSandboxEndpoints(t *testing.T) {
	env := newTestEnv(t, "s-1")

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/sandbox/provision", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("provision: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	env.boxes.resumeErr = sandbox.ErrNoSandbox
	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/sandbox/resume", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("resume without sandbox: expected 404, got %d", rec.Code)
	}

	env.boxes.pauseErr = sandbox.ErrNoSandbox
	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/sandbox/pause", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("pause without sandbox: expected 404, got %d", rec.Code)
	}

	// Terminate is a no-op without a sandbox, not an error.
	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/sandbox/terminate", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("terminate: expected 200, got %d", rec.Code)
	}

	env.boxes.status = domain.SandboxStatusPaused
	rec = env.do(t, http.MethodGet, "/api/sessions/s-1/sandbox/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != domain.SandboxStatusPaused {
		t.Errorf("expected paused status, got %q", body["status"])
	}
}

func TestGitStateAndExecutor(t *testing.T) {
	env := newTestEnv(t, "s-1")

	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/executor", map[string]string{
		"repo_url":  "https://github.com/acme/site.git",
		"git_token": "ghp_secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("executor: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sess := env.repo.ForSession("s-1")
	token, _, _ := sess.GetMeta(context.Background(), domain.MetaGitToken)
	if token != "ghp_secret" {
		t.Errorf("expected credential stored, got %q", token)
	}

	_ = sess.SetMeta(context.Background(), domain.MetaBranchName, "ship-fix-2026-08-29-34567890")
	_ = sess.SetMeta(context.Background(), domain.MetaPRNumber, "7")
	_ = sess.SetMeta(context.Background(), domain.MetaPRURL, "https://github.com/acme/site/pull/7")

	rec = env.do(t, http.MethodGet, "/api/sessions/s-1/git", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("git state: expected 200, got %d", rec.Code)
	}
	state := decodeBody[map[string]interface{}](t, rec)
	if state["branch"] != "ship-fix-2026-08-29-34567890" {
		t.Errorf("unexpected branch: %v", state["branch"])
	}
	if state["pr_number"] != "7" {
		t.Errorf("unexpected pr number: %v", state["pr_number"])
	}

	// The executor request body is the only place the token travels.
	if bytes.Contains(rec.Body.Bytes(), []byte("ghp_secret")) {
		t.Error("git state response leaked the credential")
	}
}

func TestExecutorRequiresRepoURL(t *testing.T) {
	env := newTestEnv(t, "s-1")
	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/executor", map[string]string{"git_token": "t"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

type readyForge struct {
	mu    sync.Mutex
	ready []int
}

func (f *readyForge) CreatePR(context.Context, gitflow.PRCreateOptions) (*gitflow.PullRequest, error) {
	return nil, fmt.Errorf("unexpected CreatePR")
}

func (f *readyForge) MarkReady(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, number)
	return nil
}

func TestMarkReady(t *testing.T) {
	cfg := &config.Config{Port: "0", DBPath: "ignored"}
	repo := newFakeRepo("s-1")
	forge := &readyForge{}

	h := NewHandler(repo, &fakeBoxes{}, &fakeTurns{}, broadcast.NewHub(8, nil), cfg)
	h.forgeFor = func(repoURL, token string) gitflow.Forge { return forge }
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	env := &testEnv{repo: repo, router: r}

	// No PR recorded yet.
	rec := env.do(t, http.MethodPost, "/api/sessions/s-1/git/ready", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any PR, got %d", rec.Code)
	}

	sess := repo.ForSession("s-1")
	_ = sess.SetMeta(context.Background(), domain.MetaPRNumber, "42")
	_ = sess.SetMeta(context.Background(), domain.MetaPRDraft, "true")

	rec = env.do(t, http.MethodPost, "/api/sessions/s-1/git/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(forge.ready) != 1 || forge.ready[0] != 42 {
		t.Errorf("expected MarkReady(42), got %v", forge.ready)
	}
	draft, _, _ := sess.GetMeta(context.Background(), domain.MetaPRDraft)
	if draft != "false" {
		t.Errorf("expected draft flag cleared, got %q", draft)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
