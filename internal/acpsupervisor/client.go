// Package acpsupervisor supervises one ACP (Agent Client Protocol) agent
// subprocess per running task: it spawns the child, negotiates capabilities,
// forwards permission requests with a timeout/auto-approve policy, enforces
// the read-only write-guard, and keeps a bounded ring of session
// notifications for the IPC layer to replay.
package acpsupervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
)

// PermissionDecision is how a forwarded permission request was resolved.
type PermissionDecision struct {
	OptionID  acp.PermissionOptionId
	Cancelled bool
}

// PermissionForwarder hands a permission request to whatever surface the
// core exposes to a human (IPC notification, CLI prompt, ...). It must
// either return a decision or block until PermissionTimeout elapses; the
// supervisor treats a returned error the same as a timeout: it selects the
// first reject_once option, or cancels when the request offers none.
type PermissionForwarder func(ctx context.Context, taskID string, req acp.RequestPermissionRequest) (PermissionDecision, error)

// PermissionTimeout bounds how long a forwarded request waits before the
// supervisor auto-rejects it on the agent's behalf.
const PermissionTimeout = 5 * time.Minute

// ErrReadOnly is returned by any mutating ACP callback when the owning
// agent was started in read-only mode.
var ErrReadOnly = fmt.Errorf("acpsupervisor: write operation rejected: agent is read-only")

// client implements acp.Client for a single supervised agent. Write
// operations (file writes, terminal create/write/kill) are rejected before
// they reach the filesystem/process when the agent is read-only; reads and
// session updates always pass through.
type client struct {
	log           *logger.Logger
	workspaceRoot string
	readOnly      bool
	taskID        string

	forwarder PermissionForwarder

	mu            sync.RWMutex
	updateHandler func(acp.SessionNotification)

	terminals *terminalRegistry
}

func newClient(log *logger.Logger, workspaceRoot, taskID string, readOnly bool, forwarder PermissionForwarder) *client {
	return &client{
		log:           log,
		workspaceRoot: workspaceRoot,
		taskID:        taskID,
		readOnly:      readOnly,
		forwarder:     forwarder,
		terminals:     newTerminalRegistry(),
	}
}

func (c *client) setUpdateHandler(h func(acp.SessionNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

// RequestPermission forwards to the configured PermissionForwarder, falling
// back to local auto-approve (first allow_once/allow_always option) when no
// forwarder is installed, matching the agentctl client's fallback idiom.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	c.log.Info("permission requested",
		zap.String("task_id", c.taskID),
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		zap.String("title", title))

	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	if c.forwarder == nil {
		return c.autoApprove(p), nil
	}

	tctx, cancel := context.WithTimeout(ctx, PermissionTimeout)
	defer cancel()

	decision, err := c.forwarder(tctx, c.taskID, p)
	if err != nil {
		for _, opt := range p.Options {
			if opt.Kind == acp.PermissionOptionKindRejectOnce {
				c.log.Warn("permission forward failed, rejecting", zap.Error(err))
				return acp.RequestPermissionResponse{
					Outcome: acp.RequestPermissionOutcome{
						Selected: &acp.RequestPermissionOutcomeSelected{OptionId: opt.OptionId},
					},
				}, nil
			}
		}
		c.log.Warn("permission forward failed, cancelling", zap.Error(err))
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}
	if decision.Cancelled {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: decision.OptionID},
		},
	}, nil
}

func (c *client) autoApprove(p acp.RequestPermissionRequest) acp.RequestPermissionResponse {
	selected := p.Options[0]
	for _, opt := range p.Options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			selected = opt
			break
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}
}

// SessionUpdate forwards every notification to the update handler and
// appends it to the supervisor's bounded ring for replay.
func (c *client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(n)
	}
	return nil
}

func (c *client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if c.readOnly {
		return acp.WriteTextFileResponse{}, ErrReadOnly
	}
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	return acp.WriteTextFileResponse{}, nil
}

func (c *client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	if c.readOnly {
		return acp.CreateTerminalResponse{}, ErrReadOnly
	}
	id, err := c.terminals.Create(ctx, p)
	if err != nil {
		return acp.CreateTerminalResponse{}, err
	}
	return acp.CreateTerminalResponse{TerminalId: id}, nil
}

func (c *client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	if c.readOnly {
		return acp.KillTerminalCommandResponse{}, ErrReadOnly
	}
	c.terminals.Kill(p.TerminalId)
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	out, truncated, _ := c.terminals.Output(p.TerminalId)
	return acp.TerminalOutputResponse{Output: out, Truncated: truncated}, nil
}

func (c *client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	c.terminals.Release(p.TerminalId)
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := c.terminals.WaitForExit(ctx, p.TerminalId)
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*client)(nil)
