// Package audit implements the "audit" capability: a single read-only
// method over the audit log the store appends to as every domain event
// crosses the bus.
package audit

import (
	"context"
	"time"

	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/store"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "audit"

// Plugin serves the audit capability over the store's audit log.
type Plugin struct {
	store *store.Store
}

// New builds the audit plugin over an already-opened store.
func New(st *store.Store) *Plugin {
	return &Plugin{store: st}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"list": p.handleList,
	}
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func paramInt(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// handleList implements audit.list: the event log filtered by task,
// project, event type, and/or a "since" RFC3339 timestamp, newest first.
func (p *Plugin) handleList(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	f := store.ListAuditLogFilter{
		TaskID:    paramString(req.Params, "task_id"),
		ProjectID: paramString(req.Params, "project_id"),
		EventType: paramString(req.Params, "event_type"),
		Limit:     paramInt(req.Params, "limit", 0),
		Offset:    paramInt(req.Params, "offset", 0),
	}
	if since := paramString(req.Params, "since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, corehost.NewError(corehost.ErrValidationError, "since must be an RFC3339 timestamp")
		}
		f.Since = t
	}

	entries, err := p.store.ListAuditLog(ctx, f)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"entries": entries}, nil
}
