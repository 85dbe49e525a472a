// Package sessions implements the "sessions" capability: opening and
// attaching to ACP conversations against a task's workspace, and tearing
// them down. The agent supervisor owns the actual ACP handshake; this
// capability only owns the session row's lifecycle in the store.
package sessions

import (
	"context"

	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/store"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "sessions"

// Plugin serves the sessions capability over the store.
type Plugin struct {
	store *store.Store
}

// New builds the sessions plugin over an already-opened store.
func New(st *store.Store) *Plugin {
	return &Plugin{store: st}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"create": p.handleCreate,
		"attach": p.handleAttach,
		"exists": p.handleExists,
		"kill":   p.handleKill,
	}
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func validationError(message string) error {
	return corehost.NewError(corehost.ErrValidationError, message)
}

// resolveWorkspace finds the workspace a session should be created against:
// an explicit workspace_id wins, otherwise task_id is resolved to its
// current ACTIVE workspace.
func (p *Plugin) resolveWorkspace(ctx context.Context, params map[string]interface{}) (*domain.Workspace, error) {
	if wsID := paramString(params, "workspace_id"); wsID != "" {
		ws, err := p.store.GetWorkspace(ctx, wsID)
		if err != nil {
			return nil, corehost.NewError(corehost.ErrWorkspaceNotFound, "workspace not found: "+wsID)
		}
		return ws, nil
	}
	taskID := paramString(params, "task_id")
	if taskID == "" {
		return nil, validationError("workspace_id or task_id is required")
	}
	ws, err := p.store.GetActiveWorkspaceForTask(ctx, taskID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrWorkspaceNotFound, "task has no active workspace: "+taskID)
	}
	return ws, nil
}

// handleCreate implements sessions.create: opens a new ACP (or terminal
// attach) session against a task's active workspace.
func (p *Plugin) handleCreate(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	ws, err := p.resolveWorkspace(ctx, req.Params)
	if err != nil {
		return nil, err
	}
	sessionType := domain.SessionType(paramString(req.Params, "session_type"))
	if sessionType == "" {
		sessionType = domain.SessionTypeACP
	}
	requireTaskType := domain.TaskType(paramString(req.Params, "require_task_type"))

	sess, err := p.store.CreateSession(ctx, ws.ID, sessionType, requireTaskType)
	if err != nil {
		if err == store.ErrTaskTypeMismatch {
			return nil, corehost.NewError(corehost.ErrTaskTypeMismatch, "task type does not match the requested session type")
		}
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"session": sess}, nil
}

// handleAttach implements sessions.attach: returns the full session record
// plus its owning workspace, so a client reconnecting to a live
// conversation doesn't need a second round trip.
func (p *Plugin) handleAttach(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	sessionID := paramString(req.Params, "session_id")
	if sessionID == "" {
		return nil, validationError("session_id is required")
	}
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrNotFound, "session not found: "+sessionID)
	}
	result := map[string]interface{}{"session": sess}
	if ws, err := p.store.GetWorkspace(ctx, sess.WorkspaceID); err == nil {
		result["workspace"] = ws
	}
	return result, nil
}

// handleExists implements sessions.exists.
func (p *Plugin) handleExists(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	sessionID := paramString(req.Params, "session_id")
	if sessionID == "" {
		return nil, validationError("session_id is required")
	}
	exists, err := p.store.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"exists": exists}, nil
}

// handleKill implements sessions.kill.
func (p *Plugin) handleKill(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	sessionID := paramString(req.Params, "session_id")
	if sessionID == "" {
		return nil, validationError("session_id is required")
	}
	if err := p.store.KillSession(ctx, sessionID); err != nil {
		return nil, corehost.NewError(corehost.ErrNotFound, "session not found: "+sessionID)
	}
	return map[string]interface{}{"killed": true}, nil
}
