// Package runtimeregistry holds the in-memory, never-persisted view of what
// the automation orchestrator is doing with each task right now. It is
// reconciled against storage on startup and torn down whenever a task's
// automation run reaches a terminal state.
package runtimeregistry

import (
	"sync"
	"time"
)

// Phase is a task's current automation state.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseRunning   Phase = "RUNNING"
	PhaseReviewing Phase = "REVIEWING"
	PhaseBlocked   Phase = "BLOCKED"
	PhasePending   Phase = "PENDING"
)

// AgentHandle is an opaque reference to a live ACP agent supervisor; the
// registry never dereferences it, only stores/clears it, so the
// orchestrator<->registry<->agent cycle resolves through this handle rather
// than back-pointers.
type AgentHandle interface {
	Stop()
}

// View is the in-memory snapshot the IPC layer serializes for clients.
// Missing views are reported by callers as "idle, not running" rather than
// an error.
type View struct {
	TaskID          string
	Phase           Phase
	ExecutionID     string
	RunCount        int
	RunningAgent    AgentHandle
	ReviewAgent     AgentHandle
	BlockedReason   string
	BlockedByTaskIDs []string
	OverlapHints    []string
	BlockedAt       *time.Time
	PendingReason   string
	PendingAt       *time.Time
}

// Snapshot is the serializable (no live handles) form of a View, safe to
// hand to a client over the IPC wire.
type Snapshot struct {
	TaskID           string     `json:"task_id"`
	Phase            Phase      `json:"phase"`
	ExecutionID      string     `json:"execution_id,omitempty"`
	RunCount         int        `json:"run_count"`
	Running          bool       `json:"running"`
	Reviewing        bool       `json:"reviewing"`
	BlockedReason    string     `json:"blocked_reason,omitempty"`
	BlockedByTaskIDs []string   `json:"blocked_by_task_ids,omitempty"`
	OverlapHints     []string   `json:"overlap_hints,omitempty"`
	BlockedAt        *time.Time `json:"blocked_at,omitempty"`
	PendingReason    string     `json:"pending_reason,omitempty"`
	PendingAt        *time.Time `json:"pending_at,omitempty"`
}

// Registry is the process-wide task_id -> View map. Guarded by a single
// lock since every mutator runs on the scheduler's goroutine or is invoked
// synchronously by an IPC handler.
type Registry struct {
	mu    sync.RWMutex
	views map[string]*View
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{views: make(map[string]*View)}
}

// Get returns the view for a task, or nil if it has none (idle).
func (r *Registry) Get(taskID string) *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.views[taskID]
}

// Snapshot returns the serializable form of a task's view, defaulting to an
// idle snapshot when none exists.
func (r *Registry) Snapshot(taskID string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[taskID]
	if !ok {
		return Snapshot{TaskID: taskID, Phase: PhaseIdle}
	}
	return Snapshot{
		TaskID: v.TaskID, Phase: v.Phase, ExecutionID: v.ExecutionID, RunCount: v.RunCount,
		Running: v.RunningAgent != nil, Reviewing: v.ReviewAgent != nil,
		BlockedReason: v.BlockedReason, BlockedByTaskIDs: v.BlockedByTaskIDs,
		OverlapHints: v.OverlapHints, BlockedAt: v.BlockedAt,
		PendingReason: v.PendingReason, PendingAt: v.PendingAt,
	}
}

// Start transitions a task from IDLE/PENDING into RUNNING, creating its
// view lazily.
func (r *Registry) Start(taskID, executionID string, agent AgentHandle) *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[taskID]
	if !ok {
		v = &View{TaskID: taskID}
		r.views[taskID] = v
	}
	v.Phase = PhaseRunning
	v.ExecutionID = executionID
	v.RunningAgent = agent
	v.RunCount++
	v.BlockedReason = ""
	v.BlockedAt = nil
	v.PendingReason = ""
	v.PendingAt = nil
	return v
}

// AttachRunningAgent updates the running-agent handle without resetting
// RunCount (used when the scheduler reattaches to a resumed execution).
func (r *Registry) AttachRunningAgent(taskID string, agent AgentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[taskID]; ok {
		v.Phase = PhaseRunning
		v.RunningAgent = agent
	}
}

// RequestReview moves a RUNNING task into REVIEWING.
func (r *Registry) RequestReview(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[taskID]; ok {
		v.Phase = PhaseReviewing
	}
}

// AttachReviewAgent records the live review-agent handle.
func (r *Registry) AttachReviewAgent(taskID string, agent AgentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[taskID]; ok {
		v.Phase = PhaseReviewing
		v.ReviewAgent = agent
	}
}

// End tears a task's view down to IDLE, stopping any live agents still
// referenced. Terminal transitions (REVIEW/BACKLOG/DONE) always call this.
func (r *Registry) End(taskID string) {
	r.mu.Lock()
	v, ok := r.views[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if v.RunningAgent != nil {
		v.RunningAgent.Stop()
	}
	if v.ReviewAgent != nil {
		v.ReviewAgent.Stop()
	}
	r.mu.Lock()
	delete(r.views, taskID)
	r.mu.Unlock()
}

// MarkBlocked moves any phase into BLOCKED, recording a reason and the
// overlapping tasks (if gating detected a conflict).
func (r *Registry) MarkBlocked(taskID, reason string, blockedBy []string) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[taskID]
	if !ok {
		v = &View{TaskID: taskID}
		r.views[taskID] = v
	}
	v.Phase = PhaseBlocked
	v.BlockedReason = reason
	v.BlockedByTaskIDs = blockedBy
	v.BlockedAt = &now
}

// Unblock returns a blocked task to IDLE (callers re-schedule from there;
// "previous phase" is treated as advisory, and the orchestrator always
// re-evaluates eligibility from IDLE on the next tick).
func (r *Registry) Unblock(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[taskID]; ok {
		v.Phase = PhaseIdle
		v.BlockedReason = ""
		v.BlockedAt = nil
	}
}

// MarkPending flags a task as waiting for a concurrency slot.
func (r *Registry) MarkPending(taskID, reason string) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[taskID]
	if !ok {
		v = &View{TaskID: taskID}
		r.views[taskID] = v
	}
	v.Phase = PhasePending
	v.PendingReason = reason
	v.PendingAt = &now
}

// RunningCount returns the number of tasks currently in RUNNING or
// REVIEWING phase, used by the scheduler's max_concurrent_agents gate.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.views {
		if v.Phase == PhaseRunning || v.Phase == PhaseReviewing {
			n++
		}
	}
	return n
}

// HasView reports whether a task currently has any runtime view at all
// (used by the scheduler's eligibility check: AUTO+IN_PROGRESS+no view).
func (r *Registry) HasView(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.views[taskID]
	return ok
}

// AllTaskIDs returns every task_id with a live view, for reconciliation.
func (r *Registry) AllTaskIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.views))
	for id := range r.views {
		out = append(out, id)
	}
	return out
}
