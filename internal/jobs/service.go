// Package jobs implements the externalized lifecycle envelope the core
// exposes for start/stop-style actions: submit returns immediately with a
// QUEUED record, an executor drives it to a terminal status, and clients
// may poll, wait, or read its event ledger.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kagan-sh/kagan/internal/events/bus"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
	StatusTimeout   Status = "TIMEOUT"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Action is one of the closed set of supported job actions.
type Action string

const (
	ActionStartAgent Action = "start_agent"
	ActionStopAgent  Action = "stop_agent"
)

// ValidActions lists every action the Job service accepts; an unknown
// action returns UNSUPPORTED_ACTION with this list as a remediation hint.
var ValidActions = []Action{ActionStartAgent, ActionStopAgent}

// Record is a job's externally visible state.
type Record struct {
	JobID     string                 `json:"job_id"`
	TaskID    string                 `json:"task_id"`
	Action    Action                 `json:"action"`
	Status    Status                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Params    map[string]interface{} `json:"params"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Event is one entry in a job's append-only event ledger.
type Event struct {
	JobID     string    `json:"job_id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// Outcome is what an executor reports back for one job action.
type Outcome struct {
	Success bool
	Handoff bool // true when ownership passes to the orchestrator (stays RUNNING)
	Result  map[string]interface{}
	Err     error
}

// Executor dispatches one job action to its real implementation. It
// returns synchronously; a long-running action should set Handoff=true and
// let the orchestrator (which owns the actual agent lifecycle) report
// completion via Finish.
type Executor func(ctx context.Context, action Action, taskID string, params map[string]interface{}) Outcome

// Service is the in-memory job store plus event ledger. Persistence is
// optional: a caller may snapshot Records to the domain store if job
// history needs to survive a restart; only the in-memory envelope is
// required during a core's lifetime.
type Service struct {
	mu       sync.Mutex
	jobs     map[string]*Record
	events   map[string][]Event
	waiters  map[string][]chan struct{}
	executor Executor
	bus      bus.EventBus
}

// New creates a Job service bound to an executor function.
func New(executor Executor, eventBus bus.EventBus) *Service {
	return &Service{
		jobs:     make(map[string]*Record),
		events:   make(map[string][]Event),
		waiters:  make(map[string][]chan struct{}),
		executor: executor,
		bus:      eventBus,
	}
}

// Submit enqueues a job and runs it on a background goroutine, returning
// the initial QUEUED record immediately.
func (s *Service) Submit(ctx context.Context, taskID string, action Action, params map[string]interface{}) *Record {
	now := time.Now().UTC()
	rec := &Record{
		JobID: uuid.New().String(), TaskID: taskID, Action: action,
		Status: StatusQueued, CreatedAt: now, UpdatedAt: now, Params: params,
	}
	s.mu.Lock()
	s.jobs[rec.JobID] = rec
	s.mu.Unlock()
	s.appendEvent(rec.JobID, "submitted", string(action))
	s.publish("JobSubmitted", rec)

	go s.run(ctx, rec)
	return s.clone(rec)
}

func (s *Service) run(ctx context.Context, rec *Record) {
	s.setStatus(rec.JobID, StatusRunning, nil, "")
	s.appendEvent(rec.JobID, "running", "")

	outcome := s.executor(ctx, rec.Action, rec.TaskID, rec.Params)
	switch {
	case outcome.Handoff:
		// Ownership passed to the orchestrator; it calls Finish later.
		return
	// The ledger entry goes in before the terminal status wakes waiters.
	case outcome.Err != nil:
		s.appendEvent(rec.JobID, "failed", outcome.Err.Error())
		s.setStatus(rec.JobID, StatusFailed, nil, outcome.Err.Error())
	case outcome.Success:
		s.appendEvent(rec.JobID, "succeeded", "")
		s.setStatus(rec.JobID, StatusSucceeded, outcome.Result, "")
	default:
		s.appendEvent(rec.JobID, "failed", "no outcome")
		s.setStatus(rec.JobID, StatusFailed, nil, "action reported no outcome")
	}
}

// Finish is called by the orchestrator (or any long-running owner) once a
// handed-off job reaches a terminal state.
func (s *Service) Finish(jobID string, status Status, result map[string]interface{}, errMsg string) {
	s.setStatus(jobID, status, result, errMsg)
	s.appendEvent(jobID, string(status), errMsg)
}

// Cancel marks a non-terminal job CANCELED, waking any waiters. Returns
// false if the job doesn't exist or has already reached a terminal status.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok || rec.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.setStatus(jobID, StatusCanceled, nil, "canceled by client")
	s.appendEvent(jobID, "canceled", "")
	return true
}

func (s *Service) setStatus(jobID string, status Status, result map[string]interface{}, errMsg string) {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if result != nil {
		rec.Result = result
	}
	rec.Error = errMsg
	waiters := s.waiters[jobID]
	if status.Terminal() {
		delete(s.waiters, jobID)
	}
	s.mu.Unlock()

	if status.Terminal() {
		for _, ch := range waiters {
			close(ch)
		}
	}
}

// Get returns a job's current record.
func (s *Service) Get(jobID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return s.clone(rec), true
}

// Wait blocks until the job reaches a terminal state or timeout elapses.
// On timeout it returns the current (non-terminal) record with a
// JOB_TIMEOUT marker the caller should surface as {timed_out:true}.
func (s *Service) Wait(ctx context.Context, jobID string, timeout time.Duration) (rec *Record, timedOut bool) {
	s.mu.Lock()
	current, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if current.Status.Terminal() {
		s.mu.Unlock()
		return s.clone(current), false
	}
	ch := make(chan struct{})
	s.waiters[jobID] = append(s.waiters[jobID], ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		rec, _ = s.Get(jobID)
		return rec, false
	case <-timer.C:
		rec, _ = s.Get(jobID)
		return rec, true
	case <-ctx.Done():
		rec, _ = s.Get(jobID)
		return rec, false
	}
}

// Events returns a job's event ledger, optionally paginated via offset/limit
// (limit<=0 means "all").
func (s *Service) Events(jobID string, offset, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[jobID]
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Event, end-offset)
	copy(out, all[offset:end])
	return out
}

func (s *Service) appendEvent(jobID, kind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[jobID] = append(s.events[jobID], Event{JobID: jobID, At: time.Now().UTC(), Kind: kind, Detail: detail})
}

func (s *Service) clone(rec *Record) *Record {
	cp := *rec
	return &cp
}

func (s *Service) publish(kind string, rec *Record) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(kind, "core.jobs", map[string]interface{}{
		"job_id": rec.JobID, "task_id": rec.TaskID, "action": string(rec.Action),
	})
	_ = s.bus.Publish(context.Background(), "domain."+kind, ev)
}
