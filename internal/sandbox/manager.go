// Package sandbox provides Docker-backed execution environments for
// coding sessions. Each session owns at most one sandbox; lifecycle
// transitions are persisted to session metadata so concurrent requests
// and restarts observe a consistent view.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/shiplabs/shipd/internal/config"
	"github.com/shiplabs/shipd/internal/domain"
	"github.com/shiplabs/shipd/internal/store"
)

const (
	stopTimeoutSecs = 10
	pidsLimit       = 512

	sandboxSubnet = "172.29.0.0/16"

	// Label identifying containers owned by this service.
	labelSession = "shipd.session"

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// Info describes a provisioned sandbox.
type Info struct {
	ID        string
	Status    string
	CreatedAt time.Time
}

// Manager defines the sandbox provider operations the rest of the
// service depends on.
type Manager interface {
	// Provision creates and starts a fresh sandbox for a session and
	// records its id and status in session metadata.
	Provision(ctx context.Context, sessionID string) (*Info, error)

	// Resume reconnects a session to its recorded sandbox, unpausing or
	// restarting it as needed.
	Resume(ctx context.Context, sessionID string) (*Info, error)

	// Pause freezes the session's sandbox. The filesystem and processes
	// are kept; a later Resume continues where it left off.
	Pause(ctx context.Context, sessionID string) error

	// Terminate removes the session's sandbox and clears its bookkeeping.
	// Terminating a session without a sandbox is a no-op.
	Terminate(ctx context.Context, sessionID string) error

	// Status reports the sandbox lifecycle status for a session. Provider
	// probe failures degrade to "stopped" rather than propagating.
	Status(ctx context.Context, sessionID string) (string, error)

	// Exec runs a command to completion inside a sandbox and returns its
	// combined output and exit code.
	Exec(ctx context.Context, sandboxID, workdir string, cmd []string) (string, int, error)

	// ExecDetached starts a command inside a sandbox without waiting for
	// it to finish.
	ExecDetached(ctx context.Context, sandboxID, workdir string, cmd []string) error

	// AgentServerURL returns the host-reachable base URL of the agent
	// server port published by a sandbox.
	AgentServerURL(ctx context.Context, sandboxID string) (string, error)

	// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli  *client.Client
	repo store.Repository

	image       string
	networkName string
	runtime     string // "" = default (runc), "runsc" = gVisor
	workdir     string
	memoryBytes int64
	nanoCPUs    int64
	agentPort   nat.Port
}

// NewDockerManager creates a Docker-backed sandbox manager and verifies
// the daemon is reachable.
func NewDockerManager(ctx context.Context, cfg config.Sandbox, agentPort int, repo store.Repository) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}

	memoryBytes, err := units.RAMInBytes(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("parse sandbox memory limit %q: %w", cfg.Memory, err)
	}

	slog.Info("Docker client initialized",
		"image", cfg.Image,
		"memory", units.BytesSize(float64(memoryBytes)),
		"cpus", cfg.NanoCPUs,
	)

	return &DockerManager{
		cli:         cli,
		repo:        repo,
		image:       cfg.Image,
		networkName: cfg.Network,
		runtime:     cfg.Runtime,
		workdir:     cfg.WorkDir,
		memoryBytes: memoryBytes,
		nanoCPUs:    int64(cfg.NanoCPUs * 1e9),
		agentPort:   nat.Port(fmt.Sprintf("%d/tcp", agentPort)),
	}, nil
}

// Provision creates and starts a fresh sandbox for a session.
func (m *DockerManager) Provision(ctx context.Context, sessionID string) (*Info, error) {
	meta := m.repo.ForSession(sessionID)
	if err := meta.SetMeta(ctx, domain.MetaSandboxStatus, domain.SandboxStatusProvisioning); err != nil {
		return nil, fmt.Errorf("record provisioning status: %w", err)
	}

	info, err := m.create(ctx, sessionID)
	if err != nil {
		if metaErr := meta.SetMeta(ctx, domain.MetaSandboxStatus, domain.SandboxStatusError); metaErr != nil {
			slog.Warn("Failed to record sandbox error status", "session_id", sessionID, "error", metaErr)
		}
		return nil, &ProvisionError{SessionID: sessionID, Err: err}
	}

	if err := meta.SetMeta(ctx, domain.MetaSandboxID, info.ID); err != nil {
		return nil, fmt.Errorf("record sandbox id: %w", err)
	}
	if err := meta.SetMeta(ctx, domain.MetaSandboxStatus, domain.SandboxStatusActive); err != nil {
		return nil, fmt.Errorf("record sandbox status: %w", err)
	}

	slog.Info("Sandbox provisioned", "sandbox_id", info.ID, "session_id", sessionID)
	return info, nil
}

func (m *DockerManager) create(ctx context.Context, sessionID string) (*Info, error) {
	containerName := fmt.Sprintf("shipd-%s", sessionID)
	volumeName := fmt.Sprintf("shipd-%s-data", sessionID)

	if err := m.ensureImage(ctx); err != nil {
		return nil, err
	}

	config := &container.Config{
		Image:      m.image,
		WorkingDir: m.workdir,
		Tty:        true,
		Labels:     map[string]string{labelSession: sessionID},
		ExposedPorts: nat.PortSet{
			m.agentPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.runtime,
		NetworkMode: container.NetworkMode(m.networkName),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: m.workdir,
		}},
		PortBindings: nat.PortMap{
			// Empty HostPort lets the daemon pick an ephemeral port;
			// AgentServerURL reads the assignment back from inspect.
			m.agentPort: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
		Resources: container.Resources{
			Memory:    m.memoryBytes,
			NanoCPUs:  m.nanoCPUs,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("create container: %w", createErr)
		}

		// A stale container from a lost session can still hold the name.
		// Remove it by name and retry shortly.
		slog.Warn("Container name conflict during provision, retrying",
			"session_id", sessionID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := m.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if removeErr := m.removeContainer(ctx, inspect.ID); removeErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", inspect.ID, "error", removeErr)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	return &Info{ID: resp.ID, Status: domain.SandboxStatusActive, CreatedAt: time.Now()}, nil
}

// ensureImage pulls the sandbox image if it isn't present locally.
func (m *DockerManager) ensureImage(ctx context.Context) error {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, m.image); err == nil {
		return nil
	}

	slog.Info("Pulling sandbox image", "image", m.image)
	reader, err := m.cli.ImagePull(ctx, m.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", m.image, err)
	}
	defer reader.Close()

	// The pull only completes once its progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull progress: %w", err)
	}
	return nil
}

// Resume reconnects a session to its recorded sandbox.
func (m *DockerManager) Resume(ctx context.Context, sessionID string) (*Info, error) {
	meta := m.repo.ForSession(sessionID)
	sandboxID, ok, err := meta.GetMeta(ctx, domain.MetaSandboxID)
	if err != nil {
		return nil, fmt.Errorf("read sandbox id: %w", err)
	}
	if !ok || sandboxID == "" {
		return nil, ErrNoSandbox
	}

	inspect, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// The container is gone; clear the stale binding so the
			// caller can provision a fresh one.
			if delErr := meta.DeleteMeta(ctx, domain.MetaSandboxID); delErr != nil {
				slog.Warn("Failed to clear stale sandbox id", "session_id", sessionID, "error", delErr)
			}
			return nil, ErrNoSandbox
		}
		return nil, fmt.Errorf("inspect container %s: %w", sandboxID, err)
	}

	switch {
	case inspect.State.Paused:
		if err := m.cli.ContainerUnpause(ctx, sandboxID); err != nil {
			return nil, fmt.Errorf("unpause container %s: %w", sandboxID, err)
		}
		slog.Info("Sandbox resumed from pause", "sandbox_id", sandboxID, "session_id", sessionID)
	case !inspect.State.Running:
		if err := m.cli.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("restart container %s: %w", sandboxID, err)
		}
		slog.Info("Sandbox restarted", "sandbox_id", sandboxID, "session_id", sessionID)
	}

	if err := meta.SetMeta(ctx, domain.MetaSandboxStatus, domain.SandboxStatusActive); err != nil {
		return nil, fmt.Errorf("record sandbox status: %w", err)
	}
	return &Info{ID: sandboxID, Status: domain.SandboxStatusActive, CreatedAt: time.Now()}, nil
}

// Pause freezes the session's sandbox in place.
func (m *DockerManager) Pause(ctx context.Context, sessionID string) error {
	meta := m.repo.ForSession(sessionID)
	sandboxID, ok, err := meta.GetMeta(ctx, domain.MetaSandboxID)
	if err != nil {
		return fmt.Errorf("read sandbox id: %w", err)
	}
	if !ok || sandboxID == "" {
		return ErrNoSandbox
	}

	if err := m.cli.ContainerPause(ctx, sandboxID); err != nil {
		if errdefs.IsNotFound(err) {
			if metaErr := meta.SetMeta(ctx, domain.MetaSandboxStatus, domain.SandboxStatusStopped); metaErr != nil {
				slog.Warn("Failed to record stopped status", "session_id", sessionID, "error", metaErr)
			}
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "is already paused") {
			return nil
		}
		return fmt.Errorf("pause container %s: %w", sandboxID, err)
	}

	if err := meta.SetMeta(ctx, domain.MetaSandboxStatus, domain.SandboxStatusPaused); err != nil {
		return fmt.Errorf("record sandbox status: %w", err)
	}
	slog.Info("Sandbox paused", "sandbox_id", sandboxID, "session_id", sessionID)
	return nil
}

// Terminate removes the session's sandbox and clears its bookkeeping.
func (m *DockerManager) Terminate(ctx context.Context, sessionID string) error {
	meta := m.repo.ForSession(sessionID)
	sandboxID, ok, err := meta.GetMeta(ctx, domain.MetaSandboxID)
	if err != nil {
		return fmt.Errorf("read sandbox id: %w", err)
	}
	if !ok || sandboxID == "" {
		return nil
	}

	if err := m.removeContainer(ctx, sandboxID); err != nil {
		return err
	}

	// The agent server and its sessions died with the container.
	for _, key := range []string{domain.MetaSandboxID, domain.MetaAgentServerURL, domain.MetaAgentSessionID} {
		if err := meta.DeleteMeta(ctx, key); err != nil {
			slog.Warn("Failed to clear sandbox metadata", "session_id", sessionID, "key", key, "error", err)
		}
	}
	if err := meta.SetMeta(ctx, domain.MetaSandboxStatus, domain.SandboxStatusTerminated); err != nil {
		return fmt.Errorf("record sandbox status: %w", err)
	}

	slog.Info("Sandbox terminated", "sandbox_id", sandboxID, "session_id", sessionID)
	return nil
}

// removeContainer stops and removes a container. It is idempotent and
// tolerates concurrent removal.
func (m *DockerManager) removeContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Status reports the lifecycle status of a session's sandbox.
func (m *DockerManager) Status(ctx context.Context, sessionID string) (string, error) {
	meta := m.repo.ForSession(sessionID)
	sandboxID, ok, err := meta.GetMeta(ctx, domain.MetaSandboxID)
	if err != nil {
		return "", fmt.Errorf("read sandbox id: %w", err)
	}
	if !ok || sandboxID == "" {
		status, ok, err := meta.GetMeta(ctx, domain.MetaSandboxStatus)
		if err != nil {
			return "", fmt.Errorf("read sandbox status: %w", err)
		}
		if !ok {
			return domain.SandboxStatusUninitialized, nil
		}
		return status, nil
	}

	inspect, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		// Status checks are advisory; a probe failure reads as stopped.
		if !errdefs.IsNotFound(err) {
			slog.Warn("Sandbox status probe failed", "sandbox_id", sandboxID, "error", err)
		}
		return domain.SandboxStatusStopped, nil
	}
	return statusFromState(inspect.State.Status), nil
}

// statusFromState maps a Docker container state to a sandbox status.
func statusFromState(state string) string {
	switch state {
	case "running":
		return domain.SandboxStatusActive
	case "paused":
		return domain.SandboxStatusPaused
	case "created", "restarting":
		return domain.SandboxStatusProvisioning
	default: // exited, dead, removing
		return domain.SandboxStatusStopped
	}
}

// Exec runs a command to completion inside a sandbox and returns its
// combined output and exit code.
func (m *DockerManager) Exec(ctx context.Context, sandboxID, workdir string, cmd []string) (string, int, error) {
	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
		Cmd:          cmd,
	}

	resp, err := m.cli.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return "", 0, fmt.Errorf("create exec in container %s: %w", sandboxID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	// Demux both streams into one buffer so output keeps arrival order,
	// matching what a combined-output shell invocation would produce.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attachResp.Reader); err != nil {
		return "", 0, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return buf.String(), inspect.ExitCode, nil
}

// ExecDetached starts a command inside a sandbox without waiting.
func (m *DockerManager) ExecDetached(ctx context.Context, sandboxID, workdir string, cmd []string) error {
	execConfig := container.ExecOptions{
		Detach:     true,
		WorkingDir: workdir,
		Cmd:        cmd,
	}

	resp, err := m.cli.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return fmt.Errorf("create detached exec in container %s: %w", sandboxID, err)
	}
	if err := m.cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("start detached exec %s: %w", resp.ID, err)
	}
	return nil
}

// AgentServerURL returns the host-reachable base URL for the agent
// server port published by a sandbox.
func (m *DockerManager) AgentServerURL(ctx context.Context, sandboxID string) (string, error) {
	inspect, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", sandboxID, err)
	}

	bindings := inspect.NetworkSettings.Ports[m.agentPort]
	if len(bindings) == 0 {
		return "", fmt.Errorf("container %s has no host binding for port %s", sandboxID, m.agentPort)
	}

	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort), nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == m.networkName {
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, m.networkName, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: sandboxSubnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", m.networkName, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}
