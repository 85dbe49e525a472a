// Package host assembles every subsystem a core instance needs into one
// running process: the domain store, the automation scheduler, the
// capability dispatch table, and the IPC front door. It sits above
// internal/corehost and internal/plugin (rather than inside either) so it
// can depend on both without creating an import cycle between them.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/agentregistry"
	"github.com/kagan-sh/kagan/internal/automation"
	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/copilotsummary"
	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/events/bus"
	ghsvc "github.com/kagan-sh/kagan/internal/github"
	"github.com/kagan-sh/kagan/internal/instrumentation"
	"github.com/kagan-sh/kagan/internal/jobs"
	"github.com/kagan-sh/kagan/internal/lease"
	"github.com/kagan-sh/kagan/internal/mergeservice"
	pluginreg "github.com/kagan-sh/kagan/internal/plugin"
	auditcap "github.com/kagan-sh/kagan/internal/plugin/audit"
	diagnosticscap "github.com/kagan-sh/kagan/internal/plugin/diagnostics"
	githubcap "github.com/kagan-sh/kagan/internal/plugin/github"
	jobscap "github.com/kagan-sh/kagan/internal/plugin/jobs"
	projectscap "github.com/kagan-sh/kagan/internal/plugin/projects"
	reviewcap "github.com/kagan-sh/kagan/internal/plugin/review"
	sandboxescap "github.com/kagan-sh/kagan/internal/plugin/sandboxes"
	sessionscap "github.com/kagan-sh/kagan/internal/plugin/sessions"
	settingscap "github.com/kagan-sh/kagan/internal/plugin/settings"
	taskscap "github.com/kagan-sh/kagan/internal/plugin/tasks"
	"github.com/kagan-sh/kagan/internal/queuedmsg"
	"github.com/kagan-sh/kagan/internal/runtimeregistry"
	"github.com/kagan-sh/kagan/internal/secrets"
	"github.com/kagan-sh/kagan/internal/sprites"
	"github.com/kagan-sh/kagan/internal/store"
	"github.com/kagan-sh/kagan/internal/transport"
)

// Host owns every long-lived subsystem a core instance wires together.
// New assembles them; Run acquires the single-instance lease, starts
// serving, and blocks until ctx is canceled.
type Host struct {
	cfg *config.Config
	v   *viper.Viper
	log *logger.Logger

	store       *store.Store
	closeSecret func() error
	eventBus    bus.EventBus
	registry    *runtimeregistry.Registry
	jobsSvc     *jobs.Service
	merges      *mergeservice.Service
	queue       *queuedmsg.Service
	orch        *automation.Orchestrator
	instr       *instrumentation.Registry
	ghPoller    *ghsvc.Poller

	dispatcher *corehost.Dispatcher
	idem       *corehost.IdempotencyCache
	plugins    *pluginreg.Registry

	lease       *lease.Lease
	runtimeDir  string
	bearerToken string

	server    *corehost.Server
	transport transport.Transport
	handle    *transport.Handle
}

// New wires every subsystem described in the capability dispatch map
// against an already-loaded configuration, but does not yet acquire the
// lease or start serving; call Run for that.
func New(ctx context.Context, cfg *config.Config, v *viper.Viper, log *logger.Logger, repoRoot string) (*Host, error) {
	runtimeDir := cfg.Core.RuntimeDir
	if runtimeDir == "" {
		var err error
		runtimeDir, err = lease.RuntimeDir(repoRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve runtime dir: %w", err)
		}
	}

	eventBus := bus.NewMemoryEventBus(log)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "kagan.db"
	}
	st, err := store.Open(dbPath, eventBus, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := runtimeregistry.New()
	merges := mergeservice.New(cfg.Automation.SerializeMerges, eventBus)
	queue := queuedmsg.New(log)
	instr := instrumentation.New(log)

	jobsSvc := jobs.New(buildJobExecutor(registry, st), eventBus)

	baseLauncher := agentregistry.Launcher(cfg.Automation)
	sandbox := agentregistry.NewDockerSandbox(cfg.Docker, log)
	launcher := sandbox.Wrap(cfg.Automation, baseLauncher)
	orch := automation.New(cfg.Automation, cfg.Worktree, st, registry, jobsSvc, merges, queue,
		automation.AgentLauncher(launcher), log).WithSandbox(sandbox)

	writer, reader := st.Pools()
	masterKey, err := secrets.NewMasterKeyProvider(runtimeDir)
	if err != nil {
		return nil, fmt.Errorf("init secret master key: %w", err)
	}
	secretStore, closeSecret, err := secrets.Provide(writer, reader, masterKey)
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}

	ghClient, ghAuthMethod, err := ghsvc.NewClient(ctx, &githubSecretAdapter{secretStore}, log)
	if err != nil {
		return nil, fmt.Errorf("build github client: %w", err)
	}
	ghStore, err := ghsvc.NewStore(writer, reader)
	if err != nil {
		return nil, fmt.Errorf("open github store: %w", err)
	}
	ghService := ghsvc.NewService(ghClient, ghAuthMethod, ghStore, eventBus, log)
	ghPoller := ghsvc.NewPoller(ghService, eventBus, log)
	spritesSvc := sprites.NewService(secretStore, log)

	plugins := pluginreg.New(log)
	dispatcher := corehost.NewDispatcher()
	idem := corehost.NewIdempotencyCache(corehost.DefaultIdempotencyCacheSize)

	builtins := []pluginreg.Plugin{
		taskscap.New(st),
		sessionscap.New(st),
		projectscap.New(st),
		jobscap.New(jobsSvc),
		reviewcap.New(st, merges),
		settingscap.New(cfg, v, orch),
		auditcap.New(st),
		diagnosticscap.New(instr),
		githubcap.New(st, ghService, copilotsummary.NewGenerator(cfg.Automation.DefaultModelCopilot, log), log),
		sandboxescap.New(spritesSvc),
	}
	for _, p := range builtins {
		if err := plugins.Register(dispatcher, p); err != nil {
			return nil, fmt.Errorf("register %s plugin: %w", p.Capability(), err)
		}
	}

	token, err := transport.NewHandshakeToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate bearer token: %w", err)
	}

	server := corehost.NewServer(token, dispatcher, idem, log)
	tr := transport.ForPreference(cfg.Core.TransportPreference, lease.LockPath(runtimeDir)+".sock")
	if tcp, ok := tr.(*transport.TCPLoopbackTransport); ok {
		tcp.SetHandshakeToken(token)
	}

	heartbeat := time.Duration(cfg.Core.HeartbeatSeconds) * time.Second
	staleAfter := time.Duration(cfg.Core.StaleAfterSeconds) * time.Second
	l := lease.New(lease.LockPath(runtimeDir), lease.LeasePath(runtimeDir), log)
	if heartbeat > 0 && staleAfter > 0 {
		l = l.WithIntervals(heartbeat, staleAfter)
	}

	return &Host{
		cfg: cfg, v: v, log: log,
		store: st, closeSecret: closeSecret, eventBus: eventBus, registry: registry,
		jobsSvc: jobsSvc, merges: merges, queue: queue, orch: orch, instr: instr, ghPoller: ghPoller,
		dispatcher: dispatcher, idem: idem, plugins: plugins,
		lease: l, runtimeDir: runtimeDir, bearerToken: token,
		server: server, transport: tr,
	}, nil
}

// githubSecretAdapter satisfies ghsvc.SecretProvider against the generic
// encrypted secret store, so a GitHub PAT saved through the settings
// capability can back the GitHub client when the gh CLI itself isn't
// authenticated.
type githubSecretAdapter struct {
	store secrets.SecretStore
}

func (a *githubSecretAdapter) List(ctx context.Context) ([]*ghsvc.SecretListItem, error) {
	items, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ghsvc.SecretListItem, len(items))
	for i, item := range items {
		out[i] = &ghsvc.SecretListItem{ID: item.ID, Name: item.Name, HasValue: item.HasValue}
	}
	return out, nil
}

func (a *githubSecretAdapter) Reveal(ctx context.Context, id string) (string, error) {
	return a.store.Reveal(ctx, id)
}

// buildJobExecutor adapts jobs.submit's two supported actions onto the
// automation scheduler: start_agent flips an AUTO task to IN_PROGRESS so
// the scheduler's next tick picks it up (Handoff=true, since the
// orchestrator now owns the run), stop_agent tears down any live agent the
// runtime registry holds for the task.
func buildJobExecutor(registry *runtimeregistry.Registry, st *store.Store) jobs.Executor {
	return func(ctx context.Context, action jobs.Action, taskID string, params map[string]interface{}) jobs.Outcome {
		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			return jobs.Outcome{Err: fmt.Errorf("task %s not found", taskID)}
		}
		switch action {
		case jobs.ActionStartAgent:
			if task.TaskType != domain.TaskTypeAuto {
				return jobs.Outcome{Err: fmt.Errorf("task %s is not an AUTO task", taskID)}
			}
			if task.Status != domain.TaskStatusInProgress {
				if _, err := st.MoveTask(ctx, taskID, domain.TaskStatusInProgress, "job submit: start_agent"); err != nil {
					return jobs.Outcome{Err: err}
				}
			}
			snap := registry.Snapshot(taskID)
			return jobs.Outcome{Success: true, Handoff: true, Result: map[string]interface{}{"runtime": snap}}
		case jobs.ActionStopAgent:
			view := registry.Get(taskID)
			if view == nil {
				return jobs.Outcome{Err: fmt.Errorf("task %s has no running agent", taskID)}
			}
			if view.RunningAgent != nil {
				view.RunningAgent.Stop()
			}
			if view.ReviewAgent != nil {
				view.ReviewAgent.Stop()
			}
			registry.End(taskID)
			return jobs.Outcome{Success: true, Result: map[string]interface{}{"stopped": true}}
		default:
			return jobs.Outcome{Err: fmt.Errorf("unsupported action %q", action)}
		}
	}
}

// Run acquires the single-instance lease, starts the automation scheduler
// and the IPC transport, publishes the discovery endpoint, and blocks until
// ctx is canceled. It returns nil only after a clean shutdown.
func (h *Host) Run(ctx context.Context) error {
	acquired, err := h.lease.Acquire()
	if err != nil {
		return fmt.Errorf("acquire instance lease: %w", err)
	}
	if !acquired {
		return fmt.Errorf("another core instance already holds the lease at %s", h.runtimeDir)
	}
	stop := make(chan struct{})
	go h.lease.Run(stop)
	defer func() {
		close(stop)
		_ = h.lease.Release()
	}()

	h.orch.Start(ctx)
	defer h.orch.Stop()

	h.ghPoller.Start(ctx)
	defer h.ghPoller.Stop()

	handle, err := h.transport.Start(ctx, h.server.HandleConn)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	h.handle = handle
	defer handle.Close()

	if err := transport.WriteEndpoint(h.runtimeDir, handle, h.bearerToken); err != nil {
		return fmt.Errorf("publish endpoint: %w", err)
	}
	defer transport.RemoveEndpoint(h.runtimeDir)

	h.log.Info("core host listening",
		zap.String("transport", string(handle.Kind)),
		zap.String("address", handle.Address),
		zap.Int("port", handle.Port),
		zap.Strings("capabilities", h.dispatcher.Capabilities()),
	)

	<-ctx.Done()
	h.log.Info("core host shutting down")
	return h.drain()
}

// drain waits for in-flight IPC clients to disconnect on their own, up to a
// bounded grace period, before returning control to Run's deferred cleanup.
func (h *Host) drain() error {
	const drainTimeout = 10 * time.Second
	deadline := time.Now().Add(drainTimeout)
	for h.server.ActiveClients() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := h.server.ActiveClients(); n > 0 {
		h.log.Warn("shutting down with clients still connected", zap.Int64("active_clients", n))
	}
	if h.closeSecret != nil {
		if err := h.closeSecret(); err != nil {
			h.log.Warn("failed to close secret store", zap.Error(err))
		}
	}
	return h.store.Close()
}
