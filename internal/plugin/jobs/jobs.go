// Package jobs implements the "jobs" capability: the thin IPC surface over
// internal/jobs.Service's submit/cancel/get/wait/events lifecycle envelope.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/corehost"
	jobsvc "github.com/kagan-sh/kagan/internal/jobs"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "jobs"

// defaultWaitTimeout bounds jobs.wait when the caller doesn't specify one.
const defaultWaitTimeout = 30 * time.Second

// Plugin serves the jobs capability over an internal/jobs.Service.
type Plugin struct {
	jobs *jobsvc.Service
}

// New builds the jobs plugin over an already-constructed job service.
func New(svc *jobsvc.Service) *Plugin {
	return &Plugin{jobs: svc}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"submit": p.handleSubmit,
		"cancel": p.handleCancel,
		"get":    p.handleGet,
		"wait":   p.handleWait,
		"events": p.handleEvents,
	}
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func paramMap(params map[string]interface{}, key string) map[string]interface{} {
	v, _ := params[key].(map[string]interface{})
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

func validationError(message string) error {
	return corehost.NewError(corehost.ErrValidationError, message)
}

// handleSubmit implements jobs.submit.
func (p *Plugin) handleSubmit(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	action := jobsvc.Action(paramString(req.Params, "action"))
	valid := false
	for _, a := range jobsvc.ValidActions {
		if a == action {
			valid = true
			break
		}
	}
	if !valid {
		return nil, corehost.NewError(corehost.ErrUnsupportedAction,
			fmt.Sprintf("unsupported job action %q, expected one of %v", action, jobsvc.ValidActions))
	}
	rec := p.jobs.Submit(ctx, taskID, action, paramMap(req.Params, "params"))
	return map[string]interface{}{"job": rec}, nil
}

// handleCancel implements jobs.cancel.
func (p *Plugin) handleCancel(_ context.Context, req *corehost.Request) (map[string]interface{}, error) {
	jobID := paramString(req.Params, "job_id")
	if jobID == "" {
		return nil, validationError("job_id is required")
	}
	canceled := p.jobs.Cancel(jobID)
	return map[string]interface{}{"canceled": canceled}, nil
}

// handleGet implements jobs.get.
func (p *Plugin) handleGet(_ context.Context, req *corehost.Request) (map[string]interface{}, error) {
	jobID := paramString(req.Params, "job_id")
	if jobID == "" {
		return nil, validationError("job_id is required")
	}
	rec, ok := p.jobs.Get(jobID)
	if !ok {
		return nil, corehost.NewError(corehost.ErrJobNotFound, "job not found: "+jobID)
	}
	return map[string]interface{}{"job": rec}, nil
}

// handleWait implements jobs.wait: blocks until the job reaches a terminal
// status or timeout_ms elapses.
func (p *Plugin) handleWait(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	jobID := paramString(req.Params, "job_id")
	if jobID == "" {
		return nil, validationError("job_id is required")
	}
	timeout := defaultWaitTimeout
	if ms := paramInt(req.Params, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	rec, timedOut := p.jobs.Wait(ctx, jobID, timeout)
	if rec == nil {
		return nil, corehost.NewError(corehost.ErrJobNotFound, "job not found: "+jobID)
	}
	return map[string]interface{}{"job": rec, "timed_out": timedOut}, nil
}

// handleEvents implements jobs.events: the job's append-only event ledger,
// optionally paginated.
func (p *Plugin) handleEvents(_ context.Context, req *corehost.Request) (map[string]interface{}, error) {
	jobID := paramString(req.Params, "job_id")
	if jobID == "" {
		return nil, validationError("job_id is required")
	}
	offset := paramInt(req.Params, "offset", 0)
	limit := paramInt(req.Params, "limit", 0)
	events := p.jobs.Events(jobID, offset, limit)
	return map[string]interface{}{"events": events}, nil
}
