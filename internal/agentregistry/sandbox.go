package agentregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/agent/docker"
	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/domain"
)

// ExecutionBackend is where a worker agent's process actually runs.
type ExecutionBackend string

const (
	BackendLocal     ExecutionBackend = "local"
	BackendSandboxed ExecutionBackend = "sandboxed"
	BackendRemote    ExecutionBackend = "remote"
)

// BackendFor resolves the configured execution backend for an identity,
// defaulting to local when unset or unrecognized.
func BackendFor(cfg config.AutomationConfig, identity string) ExecutionBackend {
	switch ExecutionBackend(cfg.AgentExecutionBackend[identity]) {
	case BackendSandboxed:
		return BackendSandboxed
	case BackendRemote:
		return BackendRemote
	default:
		return BackendLocal
	}
}

// defaultSandboxImage is the fallback image a sandboxed container runs when
// no per-deployment override is configured.
const defaultSandboxImage = "kagan-agent-sandbox:latest"

// DockerSandbox provisions one long-lived container per sandboxed task run,
// bind-mounting the task's worktree, and execs the worker agent's ACP-stdio
// command inside it instead of running the process directly on the host.
// The Docker client is created lazily on first use, deferring the daemon
// dial until a container is actually needed.
type DockerSandbox struct {
	cfg config.DockerConfig
	log *logger.Logger
	img string

	newClientFunc func(config.DockerConfig, *logger.Logger) (*docker.Client, error)

	mu         sync.Mutex
	client     *docker.Client
	containers map[string]string // task_id -> container_id
}

// NewDockerSandbox creates a sandbox launcher around the deployment's Docker
// configuration. It does not dial the daemon until Wrap's returned launcher
// first sees a sandboxed backend.
func NewDockerSandbox(cfg config.DockerConfig, log *logger.Logger) *DockerSandbox {
	return &DockerSandbox{
		cfg:           cfg,
		log:           log.WithFields(zap.String("component", "agent-sandbox")),
		img:           defaultSandboxImage,
		newClientFunc: docker.NewClient,
		containers:    make(map[string]string),
	}
}

func (s *DockerSandbox) ensureClient() (*docker.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	cli, err := s.newClientFunc(s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	s.client = cli
	return cli, nil
}

// Wrap returns an automation.AgentLauncher-shaped function that provisions
// (or reuses) a container for tasks whose resolved identity backend is
// sandboxed, and otherwise returns base's command unchanged.
func (s *DockerSandbox) Wrap(cfg config.AutomationConfig, base func(task *domain.Task, workspace *domain.Workspace, readOnly bool) (string, []string, []string)) func(*domain.Task, *domain.Workspace, bool) (string, []string, []string) {
	return func(task *domain.Task, workspace *domain.Workspace, readOnly bool) (string, []string, []string) {
		cmd, args, env := base(task, workspace, readOnly)

		identity := task.AgentBackend
		if identity == "" {
			identity = cfg.DefaultWorkerAgent
		}
		if !s.cfg.Enabled || BackendFor(cfg, identity) != BackendSandboxed {
			return cmd, args, env
		}

		containerID, err := s.provision(context.Background(), task, workspace, env, readOnly)
		if err != nil {
			s.log.Warn("sandboxed launch failed, falling back to local execution",
				zap.String("task_id", task.ID), zap.Error(err))
			return cmd, args, env
		}
		dockerArgs := append([]string{"exec", "-i", containerID, cmd}, args...)
		return "docker", dockerArgs, env
	}
}

// provision creates (or reuses, if one is already tracked for this task) a
// container bind-mounting the workspace read-write (or read-only for a
// review pass), and returns its ID.
func (s *DockerSandbox) provision(ctx context.Context, task *domain.Task, workspace *domain.Workspace, env []string, readOnly bool) (string, error) {
	s.mu.Lock()
	if id, ok := s.containers[task.ID]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	cli, err := s.ensureClient()
	if err != nil {
		return "", fmt.Errorf("docker unavailable: %w", err)
	}

	name := fmt.Sprintf("kagan-agent-%s", task.ID)
	_ = cli.RemoveContainer(ctx, name, true) // best-effort clean slate from a prior crashed run

	containerID, err := cli.CreateContainer(ctx, docker.ContainerConfig{
		Name:       name,
		Image:      s.img,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: workspace.Path,
		Mounts: []docker.MountConfig{
			{Source: workspace.Path, Target: workspace.Path, ReadOnly: readOnly},
		},
		Labels:     map[string]string{"kagan.task_id": task.ID},
		AutoRemove: false,
	})
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	if err := cli.StartContainer(ctx, containerID); err != nil {
		return "", fmt.Errorf("start sandbox container: %w", err)
	}

	s.mu.Lock()
	s.containers[task.ID] = containerID
	s.mu.Unlock()
	return containerID, nil
}

// Teardown stops and removes a task's sandbox container, if one exists. It
// is a no-op for tasks that never ran sandboxed. Orchestrator calls this
// alongside every runtimeregistry.Registry.End.
func (s *DockerSandbox) Teardown(ctx context.Context, taskID string) {
	s.mu.Lock()
	containerID, ok := s.containers[taskID]
	if ok {
		delete(s.containers, taskID)
	}
	cli := s.client
	s.mu.Unlock()
	if !ok || cli == nil {
		return
	}
	if err := cli.StopContainer(ctx, containerID, 10*time.Second); err != nil {
		s.log.Warn("stop sandbox container failed", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := cli.RemoveContainer(ctx, containerID, true); err != nil {
		s.log.Warn("remove sandbox container failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
