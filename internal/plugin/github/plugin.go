package github

import (
	"context"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/copilotsummary"
	"github.com/kagan-sh/kagan/internal/corehost"
	ghsvc "github.com/kagan-sh/kagan/internal/github"
	"github.com/kagan-sh/kagan/internal/store"
)

// Plugin is the official GitHub capability plugin. It wraps the core's
// existing internal/github.Service (PR watches, review queues, feedback
// polling) and adds the operations the bundled plugin contract also
// expects: repo connection, issue sync, and the cross-instance issue lease.
type Plugin struct {
	store    *store.Store
	gh       *ghsvc.Service
	ghClient ghsvc.Client
	// summarizer drafts a PR body from the task's acceptance criteria when
	// the caller of create_pr_for_task left body blank; nil disables the
	// feature and handleCreatePRForTask falls back to task.Description.
	summarizer *copilotsummary.Generator
	log        *logger.Logger
}

// New builds the GitHub plugin over an already-constructed Service.
// summarizer may be nil to disable Copilot-drafted PR bodies.
func New(st *store.Store, gh *ghsvc.Service, summarizer *copilotsummary.Generator, log *logger.Logger) *Plugin {
	return &Plugin{store: st, gh: gh, ghClient: gh.Client(), summarizer: summarizer, log: log}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		contractProbeMethod: func(_ context.Context, req *corehost.Request) (map[string]interface{}, error) {
			return buildContractProbePayload(req.Params), nil
		},
		"connect_repo":        p.wrap(p.handleConnectRepo),
		"sync_issues":         p.wrap(p.handleSyncIssues),
		"acquire_lease":       p.wrap(p.handleAcquireLease),
		"release_lease":       p.wrap(p.handleReleaseLease),
		"get_lease_state":     p.wrap(p.handleGetLeaseState),
		"create_pr_for_task":  p.wrap(p.handleCreatePRForTask),
		"link_pr_to_task":     p.wrap(p.handleLinkPRToTask),
		"reconcile_pr_status": p.wrap(p.handleReconcilePRStatus),
	}
}

// wrap adapts a (ctx, params) -> (opResult, error) operation into a
// corehost.Handler, unpacking opResult's "success" field into the envelope
// error channel the dispatcher expects on failure.
func (p *Plugin) wrap(fn func(context.Context, map[string]interface{}) (opResult, error)) corehost.Handler {
	return func(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
		result, err := fn(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		if ok, _ := result["success"].(bool); !ok {
			code, _ := result["code"].(string)
			msg, _ := result["message"].(string)
			return nil, corehost.NewError(code, msg)
		}
		return map[string]interface{}(result), nil
	}
}
