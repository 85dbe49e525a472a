// Package automation drives AUTO tasks through the run_task_loop: resolve
// or create a workspace, spawn a worker agent, feed it the scratchpad and
// any queued follow-ups, react to its end-of-turn signal, and hand the task
// to review or merge as the signal dictates.
package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/acpsupervisor"
	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/jobs"
	"github.com/kagan-sh/kagan/internal/mergeservice"
	"github.com/kagan-sh/kagan/internal/queuedmsg"
	"github.com/kagan-sh/kagan/internal/runtimeregistry"
	"github.com/kagan-sh/kagan/internal/store"
)

// schedulerTick is how often the scheduler scans for eligible AUTO tasks.
const schedulerTick = 2 * time.Second

// AgentLauncher builds the command/args/env used to spawn a task's worker
// (or reviewer) agent; swappable across multiple agent backends (the
// worker's AgentBackend field selects which launcher a deployment wires in).
type AgentLauncher func(task *domain.Task, workspace *domain.Workspace, readOnly bool) (cmd string, args []string, env []string)

// Orchestrator is the scheduler and per-task run loop.
type Orchestrator struct {
	cfg         config.AutomationConfig
	worktreeCfg config.WorktreeConfig
	store       *store.Store
	registry    *runtimeregistry.Registry
	jobsSvc     *jobs.Service
	merges      *mergeservice.Service
	queue       *queuedmsg.Service
	launcher    AgentLauncher
	log         *logger.Logger

	// sandboxSvc tears down any sandboxed container a task's launcher
	// provisioned, if one was registered via WithSandbox.
	sandboxSvc sandboxTeardowner

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// sandboxTeardowner is the container-cleanup half of a container-isolated
// AgentLauncher (implemented by *agentregistry.DockerSandbox); kept as a
// narrow interface here so internal/automation doesn't import
// internal/agentregistry back.
type sandboxTeardowner interface {
	Teardown(ctx context.Context, taskID string)
}

// New creates an automation orchestrator. It does nothing until Start.
func New(cfg config.AutomationConfig, worktreeCfg config.WorktreeConfig, st *store.Store, registry *runtimeregistry.Registry, jobsSvc *jobs.Service, merges *mergeservice.Service, queue *queuedmsg.Service, launcher AgentLauncher, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, worktreeCfg: worktreeCfg, store: st, registry: registry, jobsSvc: jobsSvc,
		merges: merges, queue: queue, launcher: launcher,
		log: log.WithFields(zap.String("component", "automation")),
	}
}

// WithSandbox registers the container-isolation teardown side of a
// sandboxed AgentLauncher, so ending a task's runtime view also tears down
// any container that launcher provisioned for it.
func (o *Orchestrator) WithSandbox(s sandboxTeardowner) *Orchestrator {
	o.sandboxSvc = s
	return o
}

// endTask tears down a task's runtime view and, if it ran on a sandboxed
// backend, its container.
func (o *Orchestrator) endTask(ctx context.Context, taskID string) {
	o.registry.End(taskID)
	if o.sandboxSvc != nil {
		o.sandboxSvc.Teardown(ctx, taskID)
	}
}

// Start launches the scheduler tick loop in the background. It is a no-op
// if the orchestrator is already running; while AutoStart is false the
// loop's ticks launch nothing.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.mu.Unlock()

	go o.schedulerLoop(ctx)
}

// Config returns a snapshot of the orchestrator's current automation
// settings. Safe for concurrent use.
func (o *Orchestrator) Config() config.AutomationConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfig swaps the orchestrator's automation settings, taking effect
// on the next scheduler tick and the next iteration of any in-flight task
// loop. It's how settings.update reaches a running orchestrator without a
// restart.
func (o *Orchestrator) UpdateConfig(cfg config.AutomationConfig) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

// Stop halts the scheduler; in-flight task loops are left to finish their
// current iteration and observe ctx cancellation on their next blocking
// call.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()
	<-o.doneCh
}

func (o *Orchestrator) schedulerLoop(ctx context.Context) {
	defer close(o.doneCh)
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick enumerates eligible candidates (AUTO + IN_PROGRESS + no runtime
// view) and launches up to the remaining MaxConcurrentAgents slots. It does
// nothing while AutoStart is false.
func (o *Orchestrator) tick(ctx context.Context) {
	cfg := o.Config()
	if !cfg.AutoStart {
		return
	}
	slots := cfg.MaxConcurrentAgents - o.registry.RunningCount()
	if slots <= 0 {
		return
	}

	tasks, err := o.store.ListTasks(ctx, store.ListTasksFilter{
		Status: domain.TaskStatusInProgress, TaskType: domain.TaskTypeAuto,
	})
	if err != nil {
		o.log.Warn("list eligible tasks failed", zap.Error(err))
		return
	}

	for _, t := range tasks {
		if slots <= 0 {
			return
		}
		if o.registry.HasView(t.ID) {
			continue
		}
		slots--
		go o.runTaskLoop(ctx, t)
	}
}

// runTaskLoop drives one AUTO task's worker agent through up to
// MaxIterations end-of-turn cycles, reacting to the signal each turn ends
// with.
func (o *Orchestrator) runTaskLoop(ctx context.Context, task *domain.Task) {
	log := o.log.WithFields(zap.String("task_id", task.ID))

	ws, execID, sv, err := o.setupRun(ctx, task)
	if err != nil {
		log.Error("failed to set up run", zap.Error(err))
		o.registry.MarkBlocked(task.ID, "setup failed: "+err.Error(), nil)
		return
	}
	o.registry.Start(task.ID, execID, sv)
	// registry.End is called explicitly at each terminal branch below rather
	// than deferred: the COMPLETE branch hands the view off to a still-live
	// review agent, and End would delete that view out from under it.

	cfg := o.Config()
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		prompt, err := o.buildPrompt(ctx, task)
		if err != nil {
			log.Error("failed to build prompt", zap.Error(err))
			break
		}

		turnStart := len(sv.Messages())
		turnCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.AgentTimeoutSeconds)*time.Second)
		err = sv.Prompt(turnCtx, prompt)
		cancel()
		if err != nil {
			log.Error("prompt failed", zap.Error(err))
			_ = o.store.AppendExecutionLog(ctx, execID, fmt.Sprintf("[iteration %d] prompt error: %v\n", iter, err))
			break
		}

		summary := turnText(sv, turnStart)
		_ = o.store.AppendExecutionLog(ctx, execID, summary+"\n")
		if _, err := o.store.PersistTurn(ctx, execID, prompt, summary, sv.SessionID()); err != nil {
			log.Warn("persist turn failed", zap.Error(err))
		}

		if _, err := o.store.UpsertScratch(ctx, task.ID, appendScratch(ctx, o.store, task.ID, summary)); err != nil {
			log.Warn("scratchpad update failed", zap.Error(err))
		}

		parsed := ParseSignal(summary)
		switch parsed.Signal {
		case SignalComplete:
			o.onComplete(ctx, task, ws, execID, sv)
			return
		case SignalBlocked:
			sv.Stop()
			_ = o.store.FinishExecution(ctx, execID, domain.ExecutionStatusCompleted, nil, false)
			o.registry.MarkBlocked(task.ID, parsed.Reason, nil)
			return
		case SignalApprove:
			o.onApprove(ctx, task, ws, execID)
			o.endTask(ctx, task.ID)
			return
		case SignalReject:
			log.Info("review rejected, returning to implementation", zap.String("reason", parsed.Reason))
			continue
		default:
			continue
		}
	}

	log.Warn("max iterations reached without a terminal signal")
	_ = o.store.FinishExecution(ctx, execID, domain.ExecutionStatusCompleted, nil, true)
	o.endTask(ctx, task.ID)
}

func (o *Orchestrator) setupRun(ctx context.Context, task *domain.Task) (*domain.Workspace, string, *acpsupervisor.Supervisor, error) {
	ws, err := o.resolveOrCreateWorkspace(ctx, task)
	if err != nil {
		return nil, "", nil, fmt.Errorf("resolve workspace: %w", err)
	}

	sess, err := o.store.CreateSession(ctx, ws.ID, domain.SessionTypeACP, domain.TaskTypeAuto)
	if err != nil {
		return nil, "", nil, fmt.Errorf("create session: %w", err)
	}

	exec, err := o.store.CreateExecution(ctx, sess.ID, domain.RunReasonCodingAgent, map[string]interface{}{"worktree_path": ws.Path})
	if err != nil {
		return nil, "", nil, fmt.Errorf("create execution: %w", err)
	}

	cmd, args, env := o.launcher(task, ws, false)
	sv, err := acpsupervisor.New(ctx, acpsupervisor.Config{
		TaskID: task.ID, Command: cmd, Args: args, WorkDir: ws.Path, Env: env, ReadOnly: false,
	}, o.log, nil)
	if err != nil {
		return nil, "", nil, fmt.Errorf("spawn agent: %w", err)
	}
	if _, err := sv.NewSession(ctx); err != nil {
		sv.Stop()
		return nil, "", nil, fmt.Errorf("acp session/new: %w", err)
	}

	return ws, exec.ID, sv, nil
}

// onComplete finishes the worker's run and either hands the task straight
// to a review agent (keeping the registry view alive for it) or, with
// review disabled, ends the view and leaves the task sitting in REVIEW for
// a human.
func (o *Orchestrator) onComplete(ctx context.Context, task *domain.Task, ws *domain.Workspace, execID string, sv *acpsupervisor.Supervisor) {
	sv.Stop()
	_ = o.store.FinishExecution(ctx, execID, domain.ExecutionStatusCompleted, nil, false)
	if _, err := o.store.MoveTask(ctx, task.ID, domain.TaskStatusReview, "worker signalled COMPLETE"); err != nil {
		o.log.Warn("move to review failed", zap.Error(err))
		o.endTask(ctx, task.ID)
		return
	}
	if o.Config().AutoReview {
		o.registry.RequestReview(task.ID)
		go o.runReviewLoop(ctx, task, ws)
		return
	}
	o.endTask(ctx, task.ID)
}

func (o *Orchestrator) onApprove(ctx context.Context, task *domain.Task, ws *domain.Workspace, execID string) {
	_ = o.store.FinishExecution(ctx, execID, domain.ExecutionStatusCompleted, nil, false)
	cfg := o.Config()
	if cfg.RequireReviewApproval && !cfg.AutoApprove {
		o.log.Info("review approved but requires human confirmation, leaving in REVIEW", zap.String("task_id", task.ID))
		return
	}
	o.triggerMerge(ctx, task, ws)
}

// runReviewLoop spawns a read-only reviewer agent against the same
// workspace and handles its APPROVE/REJECT signal in its own switch. Review is a
// second, read-only pass over the same worktree (no clone) — see the Open
// Question decision recorded in DESIGN.md.
func (o *Orchestrator) runReviewLoop(ctx context.Context, task *domain.Task, ws *domain.Workspace) {
	log := o.log.WithFields(zap.String("task_id", task.ID), zap.String("phase", "review"))
	defer o.endTask(ctx, task.ID)

	sess, err := o.store.CreateSession(ctx, ws.ID, domain.SessionTypeACP, "")
	if err != nil {
		log.Error("create review session failed", zap.Error(err))
		return
	}
	exec, err := o.store.CreateExecution(ctx, sess.ID, domain.RunReasonReview, nil)
	if err != nil {
		log.Error("create review execution failed", zap.Error(err))
		return
	}

	cmd, args, env := o.launcher(task, ws, true)
	sv, err := acpsupervisor.New(ctx, acpsupervisor.Config{
		TaskID: task.ID, Command: cmd, Args: args, WorkDir: ws.Path, Env: env, ReadOnly: true,
	}, o.log, nil)
	if err != nil {
		log.Error("spawn reviewer failed", zap.Error(err))
		return
	}
	o.registry.AttachReviewAgent(task.ID, sv)
	defer sv.Stop()

	if _, err := sv.NewSession(ctx); err != nil {
		log.Error("reviewer acp session/new failed", zap.Error(err))
		return
	}

	turnStart := len(sv.Messages())
	turnCtx, cancel := context.WithTimeout(ctx, time.Duration(o.Config().AgentTimeoutSeconds)*time.Second)
	err = sv.Prompt(turnCtx, reviewPrompt(task))
	cancel()
	if err != nil {
		log.Error("review prompt failed", zap.Error(err))
		return
	}

	summary := turnText(sv, turnStart)
	_ = o.store.AppendExecutionLog(ctx, exec.ID, summary+"\n")
	_, _ = o.store.PersistTurn(ctx, exec.ID, reviewPrompt(task), summary, "")

	parsed := ParseSignal(summary)
	switch parsed.Signal {
	case SignalApprove:
		o.onApprove(ctx, task, ws, exec.ID)
	case SignalReject:
		_ = o.store.FinishExecution(ctx, exec.ID, domain.ExecutionStatusCompleted, nil, false)
		if _, err := o.store.MoveTask(ctx, task.ID, domain.TaskStatusInProgress, "review rejected: "+parsed.Reason); err != nil {
			log.Warn("move back to in-progress failed", zap.Error(err))
		}
	default:
		log.Warn("reviewer ended without APPROVE/REJECT", zap.String("signal", string(parsed.Signal)))
	}
}

func (o *Orchestrator) triggerMerge(ctx context.Context, task *domain.Task, ws *domain.Workspace) {
	repos, err := o.store.GetWorkspaceRepos(ctx, ws.ID)
	if err != nil {
		o.log.Error("load workspace repos for merge failed", zap.Error(err))
		return
	}
	for _, wr := range repos {
		repo, err := o.store.GetRepo(ctx, wr.RepoID)
		if err != nil {
			o.log.Error("load repo for merge failed", zap.Error(err))
			continue
		}
		commit, mergeErr := o.merges.Merge(ctx, repo.Path, ws.BranchName, wr.TargetBranch)
		m := &domain.Merge{
			ID: "", WorkspaceID: ws.ID, RepoID: repo.ID, MergeType: domain.MergeTypeDirect,
			TargetBranch: wr.TargetBranch,
		}
		if mergeErr != nil {
			if _, ok := mergeErr.(*mergeservice.ErrConflict); ok {
				o.log.Warn("merge conflict, returning to review", zap.String("task_id", task.ID))
				_, _ = o.store.MoveTask(ctx, task.ID, domain.TaskStatusReview, "merge conflict")
				return
			}
			o.log.Error("merge failed", zap.Error(mergeErr))
			return
		}
		m.MergeCommit = commit
		if err := o.store.CreateMerge(ctx, m); err != nil {
			o.log.Warn("persist merge record failed", zap.Error(err))
		}
	}
	if _, err := o.store.MoveTask(ctx, task.ID, domain.TaskStatusDone, "merged"); err != nil {
		o.log.Warn("move to done failed", zap.Error(err))
	}
	_ = o.store.ArchiveWorkspace(ctx, ws.ID)
}

func reviewPrompt(task *domain.Task) string {
	return fmt.Sprintf("Review the changes made for task %q against its acceptance criteria. "+
		"Reply with <approve/> if they satisfy the task, or <reject reason=\"...\"/> otherwise.", task.Title)
}

func appendScratch(ctx context.Context, st *store.Store, taskID, addition string) string {
	sc, _ := st.GetScratch(ctx, taskID)
	if sc == nil || sc.Content == "" {
		return addition
	}
	return sc.Content + "\n---\n" + addition
}

// turnText concatenates every agent message chunk recorded since from (the
// message count before the turn's Prompt call), giving the full assistant
// reply rather than just its last streamed fragment.
func turnText(sv *acpsupervisor.Supervisor, from int) string {
	msgs := sv.Messages()
	if from > len(msgs) {
		from = 0
	}
	var b strings.Builder
	for _, n := range msgs[from:] {
		if n.Update.AgentMessageChunk != nil && n.Update.AgentMessageChunk.Content.Text != nil {
			b.WriteString(n.Update.AgentMessageChunk.Content.Text.Text)
		}
	}
	return b.String()
}
