// Package tasks implements the "tasks" capability: the Kanban-board CRUD
// surface (get/list/search/create/update/move/delete), the per-task
// scratchpad, and the read-side views (context, logs, wait) a TUI or agent
// supervisor polls to find out what a task's latest session actually did.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/events/bus"
	"github.com/kagan-sh/kagan/internal/store"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "tasks"

// defaultWaitTimeout bounds tasks.wait when the caller doesn't specify one,
// so a forgotten subscription can't pin a connection handler open forever.
const defaultWaitTimeout = 30 * time.Second

// Plugin serves the tasks capability over the store.
type Plugin struct {
	store *store.Store
}

// New builds the tasks plugin over an already-opened store.
func New(st *store.Store) *Plugin {
	return &Plugin{store: st}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"get":               p.handleGet,
		"list":              p.handleList,
		"search":            p.handleSearch,
		"scratchpad":        p.handleScratchpad,
		"update_scratchpad": p.handleUpdateScratchpad,
		"context":           p.handleContext,
		"logs":              p.handleLogs,
		"wait":              p.handleWait,
		"create":            p.handleCreate,
		"update":            p.handleUpdate,
		"move":              p.handleMove,
		"delete":            p.handleDelete,
	}
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}

func paramStringPtr(params map[string]interface{}, key string) *string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil
	}
	v, _ := raw.(string)
	return &v
}

func paramStringSlicePtr(params map[string]interface{}, key string) *[]string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return &out
}

func paramFloat(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func taskNotFound(id string) error {
	return corehost.NewError(corehost.ErrTaskNotFound, fmt.Sprintf("task not found: %s", id))
}

func validationError(message string) error {
	return corehost.NewError(corehost.ErrValidationError, message)
}

// handleGet implements tasks.get.
func (p *Plugin) handleGet(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, taskNotFound(taskID)
	}
	return map[string]interface{}{"task": task}, nil
}

// handleList implements tasks.list.
func (p *Plugin) handleList(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	filter := store.ListTasksFilter{
		ProjectID: paramString(req.Params, "project_id"),
		Status:    domain.TaskStatus(paramString(req.Params, "status")),
		TaskType:  domain.TaskType(paramString(req.Params, "task_type")),
	}
	list, err := p.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"tasks": list}, nil
}

// handleSearch implements tasks.search: a substring search over title and
// description, scoped to a project.
func (p *Plugin) handleSearch(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	projectID := paramString(req.Params, "project_id")
	if projectID == "" {
		return nil, validationError("project_id is required")
	}
	query := paramString(req.Params, "query")
	list, err := p.store.SearchTasks(ctx, projectID, query)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"tasks": list}, nil
}

// handleScratchpad implements tasks.scratchpad: reads the task's notepad.
func (p *Plugin) handleScratchpad(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	scratch, err := p.store.GetScratch(ctx, taskID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"scratch": scratch}, nil
}

// handleUpdateScratchpad implements tasks.update_scratchpad: last-write-wins
// overwrite of the task's notepad.
func (p *Plugin) handleUpdateScratchpad(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	content := paramString(req.Params, "content")
	scratch, err := p.store.UpsertScratch(ctx, taskID, content)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"scratch": scratch}, nil
}

// handleContext implements tasks.context: assembles the task's current
// workspace, latest session, latest execution and its turn history, for a
// client rendering "what has this task's agent actually done" without
// chaining four separate calls.
func (p *Plugin) handleContext(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, taskNotFound(taskID)
	}
	result := map[string]interface{}{"task": task}

	ws, err := p.store.GetActiveWorkspaceForTask(ctx, taskID)
	if err != nil {
		return result, nil
	}
	result["workspace"] = ws

	sess, err := p.store.GetLatestSessionForWorkspace(ctx, ws.ID)
	if err != nil {
		return result, nil
	}
	result["session"] = sess

	exec, err := p.store.GetLatestExecutionForSession(ctx, sess.ID)
	if err != nil {
		return result, nil
	}
	result["execution"] = exec

	turns, err := p.store.ListTurns(ctx, exec.ID)
	if err == nil {
		result["turns"] = turns
	}
	return result, nil
}

// handleLogs implements tasks.logs: the accumulated log text for the task's
// current workspace's latest execution.
func (p *Plugin) handleLogs(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	ws, err := p.store.GetActiveWorkspaceForTask(ctx, taskID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrWorkspaceNotFound, "task has no active workspace")
	}
	sess, err := p.store.GetLatestSessionForWorkspace(ctx, ws.ID)
	if err != nil {
		return map[string]interface{}{"execution_id": "", "log": ""}, nil
	}
	exec, err := p.store.GetLatestExecutionForSession(ctx, sess.ID)
	if err != nil {
		return map[string]interface{}{"execution_id": "", "log": ""}, nil
	}
	log, err := p.store.GetExecutionLog(ctx, exec.ID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"execution_id": exec.ID, "log": log}, nil
}

// handleWait implements tasks.wait: blocks until the task's status changes
// (optionally to a specific target_status), or timeout_ms elapses. It
// subscribes to domain.TaskStatusChanged rather than polling, so a long
// wait costs nothing but the open subscription.
func (p *Plugin) handleWait(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	target := domain.TaskStatus(paramString(req.Params, "target_status"))

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, taskNotFound(taskID)
	}
	if target != "" && task.Status == target {
		return map[string]interface{}{"task": task, "timed_out": false}, nil
	}

	timeout := defaultWaitTimeout
	if ms, ok := paramFloat(req.Params, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	eventBus := p.store.Bus()
	if eventBus == nil {
		return map[string]interface{}{"task": task, "timed_out": true}, nil
	}

	type waitResult struct {
		status domain.TaskStatus
	}
	results := make(chan waitResult, 1)

	sub, err := eventBus.Subscribe("domain.TaskStatusChanged", func(_ context.Context, ev *bus.Event) error {
		if ev.Data["task_id"] != taskID {
			return nil
		}
		to, _ := ev.Data["to"].(string)
		if target != "" && domain.TaskStatus(to) != target {
			return nil
		}
		select {
		case results <- waitResult{status: domain.TaskStatus(to)}:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, fmt.Sprintf("subscribe: %s", err))
	}
	defer func() { _ = sub.Unsubscribe() }()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-results:
		task.Status = res.status
		return map[string]interface{}{"task": task, "timed_out": false}, nil
	case <-waitCtx.Done():
		latest, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			latest = task
		}
		return map[string]interface{}{"task": latest, "timed_out": true}, nil
	}
}

// handleCreate implements tasks.create.
func (p *Plugin) handleCreate(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	projectID := paramString(req.Params, "project_id")
	if projectID == "" {
		return nil, validationError("project_id is required")
	}
	title := paramString(req.Params, "title")
	if title == "" {
		return nil, validationError("title is required")
	}
	if backend := paramString(req.Params, "agent_backend"); backend != "" && !config.WorkerAgents[backend] {
		return nil, validationError(fmt.Sprintf("agent_backend %q is not a known worker agent", backend))
	}
	in := store.CreateTaskInput{
		ProjectID:    projectID,
		Title:        title,
		Description:  paramString(req.Params, "description"),
		Priority:     domain.TaskPriority(paramString(req.Params, "priority")),
		TaskType:     domain.TaskType(paramString(req.Params, "task_type")),
		AssignedHat:  paramString(req.Params, "assigned_hat"),
		AgentBackend: paramString(req.Params, "agent_backend"),
		BaseBranch:   paramString(req.Params, "base_branch"),
	}
	if ac := paramStringSlicePtr(req.Params, "acceptance_criteria"); ac != nil {
		in.AcceptanceCriteria = *ac
	}
	task, err := p.store.CreateTask(ctx, in)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"task": task}, nil
}

// handleUpdate implements tasks.update: patches non-status fields.
func (p *Plugin) handleUpdate(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	in := store.UpdateTaskInput{
		Title:              paramStringPtr(req.Params, "title"),
		Description:        paramStringPtr(req.Params, "description"),
		AssignedHat:        paramStringPtr(req.Params, "assigned_hat"),
		AgentBackend:       paramStringPtr(req.Params, "agent_backend"),
		BaseBranch:         paramStringPtr(req.Params, "base_branch"),
		AcceptanceCriteria: paramStringSlicePtr(req.Params, "acceptance_criteria"),
	}
	if raw, ok := req.Params["priority"]; ok && raw != nil {
		pr := domain.TaskPriority(paramString(req.Params, "priority"))
		in.Priority = &pr
	}
	task, err := p.store.UpdateTask(ctx, taskID, in)
	if err != nil {
		return nil, taskNotFound(taskID)
	}
	return map[string]interface{}{"task": task}, nil
}

// handleMove implements tasks.move: drives the Kanban status transition.
func (p *Plugin) handleMove(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	to := domain.TaskStatus(paramString(req.Params, "to"))
	if to == "" {
		return nil, validationError("to is required")
	}
	reason := paramString(req.Params, "reason")
	task, err := p.store.MoveTask(ctx, taskID, to, reason)
	if err != nil {
		if err == store.ErrInvalidTransition {
			return nil, corehost.NewError(corehost.ErrInvalidArgument,
				fmt.Sprintf("cannot move task to %s from its current status", to))
		}
		return nil, taskNotFound(taskID)
	}
	return map[string]interface{}{"task": task}, nil
}

// handleDelete implements tasks.delete.
func (p *Plugin) handleDelete(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	if err := p.store.DeleteTask(ctx, taskID); err != nil {
		return nil, taskNotFound(taskID)
	}
	return map[string]interface{}{"deleted": true}, nil
}
