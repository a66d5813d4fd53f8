// Package orchestrator drives one prompt turn end to end: sandbox
// readiness, agent server, workspace clone, agent session, event
// consumption and the git follow-up, surfaced as a typed event stream
// the API layer renders over SSE.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/shiplabs/shipd/internal/agentrt"
	"github.com/shiplabs/shipd/internal/broadcast"
	"github.com/shiplabs/shipd/internal/config"
	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/faults"
	"github.com/shiplabs/shipd/internal/gitflow"
	"github.com/shiplabs/shipd/internal/metrics"
	"github.com/shiplabs/shipd/internal/sandbox"
	"github.com/shiplabs/shipd/internal/store"
)

// ErrNoActiveAgent is returned by Stop when the session has no agent
// session to abort.
var ErrNoActiveAgent = errors.New("no agent session to stop")

// AgentClient is the slice of the agent runtime client a turn uses.
// *agentrt.Client satisfies it through the dialer adapter.
type AgentClient interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context) (string, error)
	Prompt(ctx context.Context, sessionID, text, model, mode string) error
	Abort(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context) (AgentSubscription, error)
}

// AgentSubscription is a live agent event feed.
type AgentSubscription interface {
	Events() iter.Seq2[agentrt.Event, error]
	Close() error
}

// realClient adapts *agentrt.Client's concrete Subscribe return type to
// the AgentSubscription interface.
type realClient struct{ *agentrt.Client }

func (c realClient) Subscribe(ctx context.Context) (AgentSubscription, error) {
	sub, err := c.Client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Orchestrator coordinates prompt turns across the store, the sandbox
// provider, the agent runtime and the git workflow.
type Orchestrator struct {
	repo  store.Repository
	boxes sandbox.Manager
	hub   *broadcast.Hub
	cache *agentrt.ClientCache
	rec   *metrics.Recorder
	cfg   *config.Config

	// dial and forgeFor are swappable in tests.
	dial     func(baseURL, workspace string) AgentClient
	forgeFor func(repoURL, token string) gitflow.Forge
}

// New creates an orchestrator. It owns the agent client cache; Close
// releases it.
func New(repo store.Repository, boxes sandbox.Manager, hub *broadcast.Hub, cfg *config.Config, rec *metrics.Recorder) (*Orchestrator, error) {
	cache, err := agentrt.NewClientCache(cfg.Agent.CacheSize, cfg.Agent.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create agent client cache: %w", err)
	}

	o := &Orchestrator{
		repo:  repo,
		boxes: boxes,
		hub:   hub,
		cache: cache,
		rec:   rec,
		cfg:   cfg,
	}
	o.dial = func(baseURL, workspace string) AgentClient {
		return realClient{cache.Get(baseURL, workspace)}
	}
	o.forgeFor = defaultForge
	return o, nil
}

// defaultForge builds a pull-request client for the repository, or nil
// when no credential is stored or the host is not supported. A nil
// forge skips PR creation; commits and pushes still happen.
func defaultForge(repoURL, token string) gitflow.Forge {
	if token == "" {
		return nil
	}
	forge, err := gitflow.NewGitHubClient(repoURL, token)
	if err != nil {
		slog.Warn("Repository host not supported for pull requests", "error", err)
		return nil
	}
	return forge
}

// Close releases cached agent clients.
func (o *Orchestrator) Close() {
	o.cache.Reset()
}

// emitter tracks whether the stream consumer is still ranging. Once the
// consumer stops or a terminal frame is sent, further sends are no-ops.
type emitter struct {
	yield func(StreamEvent, error) bool
	live  bool
}

func (e *emitter) send(ev StreamEvent) bool {
	if !e.live {
		return false
	}
	if !e.yield(ev, nil) {
		e.live = false
	}
	return e.live
}

func (e *emitter) status(phase, message string) bool {
	return e.send(StatusEvent{Phase: phase, Message: message})
}

// fail surfaces an internal error through the stream's error slot.
func (e *emitter) fail(err error) {
	if e.live {
		e.yield(nil, err)
		e.live = false
	}
}

// failure classifies err and emits a terminal error frame.
func (e *emitter) failure(err error, attempt int) {
	details := faults.Classify(err)
	e.send(ErrorEvent{
		Message:   faults.SanitizeErr(err),
		Category:  details.Category.String(),
		Retryable: details.Retryable,
		Attempt:   attempt,
	})
	e.live = false
}

// HandlePrompt runs one prompt turn and streams its progress. The
// sequence ends with exactly one done frame, one terminal error frame,
// or an error in the stream's error slot for internal failures.
func (o *Orchestrator) HandlePrompt(ctx context.Context, sessionID, content, mode string) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		e := &emitter{yield: yield, live: true}
		start := time.Now()
		outcome := o.runTurn(ctx, sessionID, content, mode, e)
		o.rec.ObserveTurn(outcome, time.Since(start))
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, sessionID, content, mode string, e *emitter) string {
	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		e.fail(fmt.Errorf("load session: %w", err))
		return "error"
	}
	if session == nil || session.Deleted() {
		e.failure(fmt.Errorf("session %s not found", sessionID), 0)
		return "error"
	}
	if err := o.repo.TouchSession(ctx, sessionID); err != nil {
		slog.Warn("Failed to touch session", "session_id", sessionID, "error", err)
	}

	sess := o.repo.ForSession(sessionID)

	// Durability before any external call.
	if _, err := sess.AppendMessage(ctx, domain.RoleUser, content, nil); err != nil {
		e.fail(fmt.Errorf("persist user message: %w", err))
		return "error"
	}
	if !e.status(PhaseReceived, "prompt accepted") {
		return "disconnect"
	}

	sandboxID, ok := o.ensureSandbox(ctx, sess, e)
	if !ok {
		return "error"
	}

	baseURL, ok := o.ensureAgentServer(ctx, sess, sandboxID, e)
	if !ok {
		return "error"
	}

	clonePath, repoURL, ok := o.ensureWorkspace(ctx, sess, sandboxID, e)
	if !ok {
		return "error"
	}

	client := o.dial(baseURL, clonePath)

	agentSID, ok := o.ensureAgentSession(ctx, sess, client, e)
	if !ok {
		return "error"
	}

	// Subscribe before prompting so no early event is lost.
	sub, err := client.Subscribe(ctx)
	if err != nil {
		e.failure(fmt.Errorf("subscribe to agent events: %w", err), 0)
		return "error"
	}
	defer sub.Close()
	e.status(PhaseSubscribed, "event stream live")

	model, _, err := sess.GetMeta(ctx, domain.MetaModel)
	if err != nil {
		e.fail(fmt.Errorf("read model: %w", err))
		return "error"
	}
	if err := client.Prompt(ctx, agentSID, content, model, mode); err != nil {
		e.failure(fmt.Errorf("send prompt: %w", err), 0)
		return "error"
	}

	turn := newTurnState(sess, mode)
	defer turn.seal()

	if err := turn.begin(ctx); err != nil {
		e.fail(fmt.Errorf("create assistant message: %w", err))
		return "error"
	}
	e.status(PhaseStreaming, "agent working")

	res := o.consume(ctx, sessionID, agentSID, turn, sub, e)

	switch res.terminal {
	case terminalDisconnect:
		turn.seal()
		return "disconnect"
	case terminalTimeout:
		turn.seal()
		e.failure(fmt.Errorf("turn timed out after %s of inactivity", o.cfg.Turn.InactivityTimeout), 0)
		return "timeout"
	case terminalError:
		turn.seal()
		e.failure(res.err, 0)
		return "error"
	case terminalStreamEnd:
		turn.seal()
		e.failure(errors.New("agent event stream ended before the turn finished"), 0)
		return "error"
	}

	done := DoneEvent{HasChanges: turn.hasChanges}
	if turn.hasChanges {
		e.status(PhaseCommitting, "committing changes")
		if result := o.autoCommit(ctx, sess, sandboxID, clonePath, repoURL, turn, content, e); result != nil {
			done.Branch = result.Branch
			done.CommitHash = result.CommitHash
		}
	}

	// Seal before reporting done so done always means persisted.
	turn.seal()
	done.MessageID = turn.messageID
	e.send(done)
	return "completed"
}

// ensureSandbox lands the session on an active sandbox: reusing a live
// one, resuming a paused one, waiting out a concurrent provision, or
// provisioning fresh with transient-failure retries.
func (o *Orchestrator) ensureSandbox(ctx context.Context, sess store.SessionStore, e *emitter) (string, bool) {
	status, _, err := sess.GetMeta(ctx, domain.MetaSandboxStatus)
	if err != nil {
		e.fail(fmt.Errorf("read sandbox status: %w", err))
		return "", false
	}
	id, hasID, err := sess.GetMeta(ctx, domain.MetaSandboxID)
	if err != nil {
		e.fail(fmt.Errorf("read sandbox id: %w", err))
		return "", false
	}

	// Another request is provisioning this session; wait for its id.
	if !hasID && status == domain.SandboxStatusProvisioning {
		id, hasID = o.waitForSandbox(ctx, sess, e)
		if ctx.Err() != nil {
			e.fail(ctx.Err())
			return "", false
		}
	}

	if hasID && id != "" {
		if status == domain.SandboxStatusPaused || status == domain.SandboxStatusStopped {
			e.status(PhaseSandboxWait, "resuming sandbox")
			info, err := o.boxes.Resume(ctx, sess.SessionID())
			o.rec.IncSandboxOp("resume", err)
			switch {
			case err == nil:
				e.status(PhaseSandbox, "sandbox active")
				return info.ID, true
			case errors.Is(err, sandbox.ErrNoSandbox):
				slog.Warn("Recorded sandbox is gone; provisioning a new one", "session_id", sess.SessionID())
			default:
				e.failure(fmt.Errorf("resume sandbox: %w", err), 0)
				return "", false
			}
		} else {
			e.status(PhaseSandbox, "sandbox active")
			return id, true
		}
	}

	e.status(PhaseSandboxWait, "provisioning sandbox")
	var attempts int
	info, err := faults.Execute(ctx, func(ctx context.Context) (*sandbox.Info, error) {
		return o.boxes.Provision(ctx, sess.SessionID())
	}, faults.Options{
		OnError: func(attempt int, details faults.Details, err error) {
			attempts = attempt
			slog.Warn("Sandbox provision attempt failed",
				"session_id", sess.SessionID(), "attempt", attempt,
				"category", details.Category.String(), "error", faults.SanitizeErr(err))
			if details.Retryable {
				o.rec.IncRetry(details.Category.String())
			}
		},
		OnRetry: func(next int, delay time.Duration) {
			e.status(PhaseSandboxWait, fmt.Sprintf("retrying provision (attempt %d)", next))
		},
	})
	o.rec.IncSandboxOp("provision", err)
	if err != nil {
		e.failure(fmt.Errorf("provision sandbox: %w", err), attempts)
		return "", false
	}
	e.status(PhaseSandbox, "sandbox active")
	return info.ID, true
}

// waitForSandbox polls session meta while another request provisions
// the sandbox. Gives up on an error status or after the configured
// window; the caller then provisions itself.
func (o *Orchestrator) waitForSandbox(ctx context.Context, sess store.SessionStore, e *emitter) (string, bool) {
	deadline := time.Now().Add(o.cfg.Sandbox.WaitTimeout)
	ticker := time.NewTicker(o.cfg.Sandbox.PollEvery)
	defer ticker.Stop()

	for {
		if !e.status(PhaseSandboxWait, "waiting for sandbox provisioning") {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}

		id, ok, err := sess.GetMeta(ctx, domain.MetaSandboxID)
		if err == nil && ok && id != "" {
			return id, true
		}
		status, _, _ := sess.GetMeta(ctx, domain.MetaSandboxStatus)
		if status == domain.SandboxStatusError || status == domain.SandboxStatusTerminated {
			return "", false
		}
		if time.Now().After(deadline) {
			slog.Warn("Timed out waiting for concurrent provision", "session_id", sess.SessionID())
			return "", false
		}
	}
}

// ensureAgentServer makes sure an agent server is listening inside the
// sandbox and returns its published base URL. A healthy recorded URL
// short-circuits; otherwise the serve command is started detached and
// polled until healthy.
func (o *Orchestrator) ensureAgentServer(ctx context.Context, sess store.SessionStore, sandboxID string, e *emitter) (string, bool) {
	baseURL, ok, err := sess.GetMeta(ctx, domain.MetaAgentServerURL)
	if err != nil {
		e.fail(fmt.Errorf("read agent server url: %w", err))
		return "", false
	}
	if ok && baseURL != "" {
		if herr := o.dial(baseURL, o.cfg.Sandbox.WorkDir).Health(ctx); herr == nil {
			return baseURL, true
		}
		slog.Info("Recorded agent server unhealthy; restarting", "session_id", sess.SessionID(), "url", baseURL)
	}

	e.status(PhaseServerStart, "starting agent server")
	cmd := strings.Fields(o.cfg.Agent.ServeCommand)
	if len(cmd) == 0 {
		e.fail(errors.New("agent serve command not configured"))
		return "", false
	}
	err = o.boxes.ExecDetached(ctx, sandboxID, o.cfg.Sandbox.WorkDir, cmd)
	o.rec.IncSandboxOp("exec-detached", err)
	if err != nil {
		e.failure(fmt.Errorf("start agent server: %w", err), 0)
		return "", false
	}

	baseURL, err = o.awaitServerHealthy(ctx, sandboxID)
	if err != nil {
		e.failure(err, 0)
		return "", false
	}
	if err := sess.SetMeta(ctx, domain.MetaAgentServerURL, baseURL); err != nil {
		e.fail(fmt.Errorf("persist agent server url: %w", err))
		return "", false
	}
	e.status(PhaseServer, "agent server healthy")
	return baseURL, true
}

func (o *Orchestrator) awaitServerHealthy(ctx context.Context, sandboxID string) (string, error) {
	deadline := time.Now().Add(o.cfg.Agent.StartTimeout)
	ticker := time.NewTicker(o.cfg.Sandbox.PollEvery)
	defer ticker.Stop()

	for {
		url, err := o.boxes.AgentServerURL(ctx, sandboxID)
		if err == nil && url != "" {
			if herr := o.dial(url, o.cfg.Sandbox.WorkDir).Health(ctx); herr == nil {
				return url, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("agent server not healthy after %s", o.cfg.Agent.StartTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// ensureWorkspace guarantees the session's repository is cloned inside
// the sandbox. Cloning is required before agent-session creation; a
// session without a configured repository fails the turn.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, sess store.SessionStore, sandboxID string, e *emitter) (clonePath, repoURL string, ok bool) {
	repoURL, hasRepo, err := sess.GetMeta(ctx, domain.MetaRepoURL)
	if err != nil {
		e.fail(fmt.Errorf("read repository url: %w", err))
		return "", "", false
	}
	if !hasRepo || repoURL == "" {
		e.failure(errors.New("no repository configured for this session; initialize the executor first"), 0)
		return "", "", false
	}

	clonePath, hasClone, err := sess.GetMeta(ctx, domain.MetaClonePath)
	if err != nil {
		e.fail(fmt.Errorf("read clone path: %w", err))
		return "", "", false
	}
	if hasClone && clonePath != "" {
		return clonePath, repoURL, true
	}

	e.status(PhaseClone, "cloning repository")
	token, _, err := sess.GetMeta(ctx, domain.MetaGitToken)
	if err != nil {
		e.fail(fmt.Errorf("read git credential: %w", err))
		return "", "", false
	}

	dest := o.clonePathFor(repoURL)
	shell := sandbox.Shell(o.boxes, sandboxID, o.cfg.Sandbox.WorkDir)
	auto := gitflow.New(shell, "", sess, nil)
	err = auto.Clone(ctx, repoURL, token, dest)
	o.rec.IncGitOp("clone", err)
	if err != nil {
		e.failure(fmt.Errorf("clone repository: %w", err), 0)
		return "", "", false
	}
	if err := sess.SetMeta(ctx, domain.MetaClonePath, dest); err != nil {
		e.fail(fmt.Errorf("persist clone path: %w", err))
		return "", "", false
	}
	return dest, repoURL, true
}

func (o *Orchestrator) clonePathFor(repoURL string) string {
	if _, repo, err := gitflow.ParseRepoURL(repoURL); err == nil {
		return path.Join(o.cfg.Sandbox.WorkDir, repo)
	}
	return path.Join(o.cfg.Sandbox.WorkDir, "workspace")
}

// ensureAgentSession returns the session's agent-side session id,
// creating one scoped to the workspace when none is recorded.
func (o *Orchestrator) ensureAgentSession(ctx context.Context, sess store.SessionStore, client AgentClient, e *emitter) (string, bool) {
	agentSID, ok, err := sess.GetMeta(ctx, domain.MetaAgentSessionID)
	if err != nil {
		e.fail(fmt.Errorf("read agent session id: %w", err))
		return "", false
	}
	if ok && agentSID != "" {
		return agentSID, true
	}

	e.status(PhaseAgent, "creating agent session")
	agentSID, err = client.CreateSession(ctx)
	if err != nil {
		e.failure(fmt.Errorf("create agent session: %w", err), 0)
		return "", false
	}
	if err := sess.SetMeta(ctx, domain.MetaAgentSessionID, agentSID); err != nil {
		e.fail(fmt.Errorf("persist agent session id: %w", err))
		return "", false
	}
	return agentSID, true
}

type terminal int

const (
	terminalIdle terminal = iota
	terminalError
	terminalTimeout
	terminalDisconnect
	terminalStreamEnd
)

type consumeResult struct {
	terminal terminal
	err      error
}

// consume pumps agent events until a terminal event, the inactivity
// window elapses, the stream fails, or the consumer goes away.
// Heartbeats keep the consumer's connection alive while the agent works
// without emitting.
func (o *Orchestrator) consume(ctx context.Context, sessionID, agentSessionID string, turn *turnState, sub AgentSubscription, e *emitter) consumeResult {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type item struct {
		ev  agentrt.Event
		err error
	}
	feed := make(chan item)
	go func() {
		defer close(feed)
		for ev, err := range sub.Events() {
			select {
			case feed <- item{ev, err}:
			case <-cctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(o.cfg.Turn.HeartbeatEvery)
	defer heartbeat.Stop()
	idle := time.NewTimer(o.cfg.Turn.InactivityTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return consumeResult{terminal: terminalDisconnect}
		case <-idle.C:
			return consumeResult{terminal: terminalTimeout}
		case <-heartbeat.C:
			if !e.send(HeartbeatEvent{}) {
				return consumeResult{terminal: terminalDisconnect}
			}
		case it, open := <-feed:
			if !open {
				return consumeResult{terminal: terminalStreamEnd}
			}
			if it.err != nil {
				return consumeResult{terminal: terminalError, err: fmt.Errorf("agent event stream: %w", it.err)}
			}
			idle.Reset(o.cfg.Turn.InactivityTimeout)

			if res, done := o.handleEvent(ctx, sessionID, agentSessionID, turn, it.ev, e); done {
				return res
			}
		}
	}
}

// handleEvent relays one agent event to the requesting stream and the
// broadcaster, then interprets it. done reports a terminal outcome.
func (o *Orchestrator) handleEvent(ctx context.Context, sessionID, agentSessionID string, turn *turnState, ev agentrt.Event, e *emitter) (consumeResult, bool) {
	// Events for other agent sessions on the same server are not ours.
	if s := ev.Session(); s != "" && s != agentSessionID {
		slog.Debug("Skipping event for foreign agent session", "session_id", sessionID, "agent_session", s)
		return consumeResult{}, false
	}

	o.rec.IncAgentEvent(ev.Kind())
	if !e.send(AgentEvent{Raw: ev.Raw()}) {
		return consumeResult{terminal: terminalDisconnect}, true
	}
	o.hub.Broadcast(sessionID, broadcast.AgentEventFrame(ev.Raw()))

	switch typed := ev.(type) {
	case *agentrt.MessagePartEvent:
		turn.applyPart(ctx, typed)
	case *agentrt.TodoEvent:
		turn.syncTodos(ctx, typed.Items)
	case *agentrt.PermissionEvent:
		if !e.send(PermissionRequestEvent{PermissionID: typed.PermissionID, Action: typed.Action, Title: typed.Title}) {
			return consumeResult{terminal: terminalDisconnect}, true
		}
	case *agentrt.SessionIdleEvent:
		return consumeResult{terminal: terminalIdle}, true
	case *agentrt.SessionErrorEvent:
		return consumeResult{terminal: terminalError, err: typed}, true
	}
	return consumeResult{}, false
}

// autoCommit runs the git follow-up after a changeful turn. Failures
// are logged and swallowed; the chat response stands either way.
func (o *Orchestrator) autoCommit(ctx context.Context, sess store.SessionStore, sandboxID, clonePath, repoURL string, turn *turnState, prompt string, e *emitter) *gitflow.AutoCommitResult {
	token, _, err := sess.GetMeta(ctx, domain.MetaGitToken)
	if err != nil {
		slog.Error("Failed to read git credential", "session_id", sess.SessionID(), "error", err)
		return nil
	}

	shell := sandbox.Shell(o.boxes, sandboxID, o.cfg.Sandbox.WorkDir)
	auto := gitflow.New(shell, clonePath, sess, o.forgeFor(repoURL, token))

	seed := turn.firstTask
	if seed == "" {
		seed = prompt
	}
	message := commitSummary(turn.content(), seed)

	result, err := auto.AutoCommit(ctx, seed, message)
	if errors.Is(err, gitflow.ErrNoChanges) {
		o.rec.IncGitOp("auto-commit", nil)
		slog.Debug("Working tree clean; nothing to commit", "session_id", sess.SessionID())
		return nil
	}
	o.rec.IncGitOp("auto-commit", err)
	if err != nil {
		slog.Error("Git follow-up failed", "session_id", sess.SessionID(), "error", faults.SanitizeErr(err))
		return nil
	}

	if result.PR != nil {
		e.send(PRCreatedEvent{
			Number: result.PR.Number,
			URL:    result.PR.URL,
			Title:  result.PR.Title,
			Branch: result.Branch,
			Draft:  result.PR.Draft,
		})
	}
	return result
}

// Stop asks the agent runtime to abort the session's current
// generation. Fire-and-forget: a live event subscription ends on the
// runtime's own terminal event, not here.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	sess := o.repo.ForSession(sessionID)

	baseURL, ok, err := sess.GetMeta(ctx, domain.MetaAgentServerURL)
	if err != nil {
		return fmt.Errorf("read agent server url: %w", err)
	}
	if !ok || baseURL == "" {
		return ErrNoActiveAgent
	}
	agentSID, ok, err := sess.GetMeta(ctx, domain.MetaAgentSessionID)
	if err != nil {
		return fmt.Errorf("read agent session id: %w", err)
	}
	if !ok || agentSID == "" {
		return ErrNoActiveAgent
	}

	workspace, _, _ := sess.GetMeta(ctx, domain.MetaClonePath)
	if workspace == "" {
		workspace = o.cfg.Sandbox.WorkDir
	}

	if err := o.dial(baseURL, workspace).Abort(ctx, agentSID); err != nil {
		slog.Warn("Abort request failed", "session_id", sessionID, "error", err)
	}
	return nil
}
