// Package sandboxes implements the "sandboxes" capability: status, listing,
// and teardown of the remote Sprites instances the "remote" agent execution
// backend runs work on, plus a connectivity self-test. It has no say over
// which backend a given task actually runs on (that's
// internal/agentregistry.BackendFor at launch time) — this is the
// management surface an operator uses to see what's running and confirm a
// configured token actually works.
package sandboxes

import (
	"context"

	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/sprites"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "sandboxes"

// Plugin serves the sandboxes capability over a sprites.Service.
type Plugin struct {
	sprites *sprites.Service
}

// New builds the sandboxes plugin over an already-constructed Sprites
// service.
func New(svc *sprites.Service) *Plugin {
	return &Plugin{sprites: svc}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"remote_status":         p.handleStatus,
		"list_remote_instances": p.handleListInstances,
		"destroy_instance":      p.handleDestroyInstance,
		"destroy_all":           p.handleDestroyAll,
		"test_connection":       p.handleTestConnection,
	}
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func validationError(message string) error {
	return corehost.NewError(corehost.ErrValidationError, message)
}

// handleStatus implements sandboxes.remote_status: whether a Sprites token
// is configured and the API is reachable with it.
func (p *Plugin) handleStatus(ctx context.Context, _ *corehost.Request) (map[string]interface{}, error) {
	status := p.sprites.Status(ctx)
	return map[string]interface{}{
		"connected":        status.Connected,
		"token_configured": status.TokenConfigured,
		"instance_count":   status.InstanceCount,
		"error":            status.Error,
	}, nil
}

// handleListInstances implements sandboxes.list_remote_instances.
func (p *Plugin) handleListInstances(ctx context.Context, _ *corehost.Request) (map[string]interface{}, error) {
	instances, err := p.sprites.ListInstances(ctx)
	if err != nil {
		return nil, corehost.NewError("SANDBOX_LIST_FAILED", err.Error())
	}
	return map[string]interface{}{"instances": instances}, nil
}

// handleDestroyInstance implements sandboxes.destroy_instance: tears down
// one named leftover instance, e.g. one orphaned by a core crash mid-run.
func (p *Plugin) handleDestroyInstance(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	name := paramString(req.Params, "name")
	if name == "" {
		return nil, validationError("name is required")
	}
	if err := p.sprites.DestroyInstance(ctx, name); err != nil {
		return nil, corehost.NewError("SANDBOX_DESTROY_FAILED", err.Error())
	}
	return map[string]interface{}{"destroyed": name}, nil
}

// handleDestroyAll implements sandboxes.destroy_all.
func (p *Plugin) handleDestroyAll(ctx context.Context, _ *corehost.Request) (map[string]interface{}, error) {
	count, err := p.sprites.DestroyAll(ctx)
	if err != nil {
		return nil, corehost.NewError("SANDBOX_DESTROY_FAILED", err.Error())
	}
	return map[string]interface{}{"destroyed_count": count}, nil
}

// handleTestConnection implements sandboxes.test_connection: runs the
// create/exec/destroy self-test and returns its per-step timing, so an
// operator can diagnose a misconfigured token before assigning any task to
// the remote backend.
func (p *Plugin) handleTestConnection(ctx context.Context, _ *corehost.Request) (map[string]interface{}, error) {
	result := p.sprites.TestConnection(ctx)
	return map[string]interface{}{
		"success":           result.Success,
		"steps":             result.Steps,
		"total_duration_ms": result.TotalDurationMs,
		"sprite_name":       result.SpriteName,
		"error":             result.Error,
	}, nil
}
