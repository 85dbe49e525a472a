// Package domain defines the persisted entity model the core host operates
// on: projects, repos, tasks, workspaces, sessions, executions, merges, and
// scratchpads. These are the semantic types of the Kagan core; the storage
// engine underneath is swappable (see internal/store).
package domain

import "time"

// TaskStatus is a task's position on the Kanban lifecycle.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "BACKLOG"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusReview     TaskStatus = "REVIEW"
	TaskStatusDone       TaskStatus = "DONE"
)

// TaskPriority orders a task's urgency.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "LOW"
	TaskPriorityMedium TaskPriority = "MEDIUM"
	TaskPriorityHigh   TaskPriority = "HIGH"
)

// TaskType distinguishes human-driven tasks from orchestrator-spawned ones.
type TaskType string

const (
	TaskTypePair TaskType = "PAIR"
	TaskTypeAuto TaskType = "AUTO"
)

// allowedTaskTransitions enumerates every (from, to) edge the status
// machine permits. Anything absent from this set is rejected by the store.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusBacklog:    {TaskStatusInProgress: true},
	TaskStatusInProgress: {TaskStatusBacklog: true, TaskStatusReview: true},
	TaskStatusReview:     {TaskStatusInProgress: true, TaskStatusDone: true, TaskStatusBacklog: true},
	TaskStatusDone:       {},
}

// IsAllowedTaskTransition reports whether a task may move from `from` to `to`.
func IsAllowedTaskTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	edges, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Project is the container for repos and tasks.
type Project struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	LastOpenedAt time.Time `json:"last_opened_at" db:"last_opened_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Repo is a git repository registered with the core.
type Repo struct {
	ID                string            `json:"id" db:"id"`
	Name              string            `json:"name" db:"name"`
	Path              string            `json:"path" db:"path"` // canonical filesystem path
	DefaultBranch     string            `json:"default_branch" db:"default_branch"`
	DisplayName       string            `json:"display_name" db:"display_name"`
	DefaultWorkingDir string            `json:"default_working_dir" db:"default_working_dir"`
	Scripts           map[string]string `json:"scripts"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// ProjectRepo is the many-to-many join between Project and Repo.
type ProjectRepo struct {
	ProjectID    string `json:"project_id" db:"project_id"`
	RepoID       string `json:"repo_id" db:"repo_id"`
	IsPrimary    bool   `json:"is_primary" db:"is_primary"`
	DisplayOrder int    `json:"display_order" db:"display_order"`
}

// Task is a unit of work driven through the Kanban lifecycle.
type Task struct {
	ID                  string       `json:"id" db:"id"`
	ProjectID           string       `json:"project_id" db:"project_id"`
	Title               string       `json:"title" db:"title"`
	Description         string       `json:"description" db:"description"`
	Status              TaskStatus   `json:"status" db:"status"`
	Priority             TaskPriority `json:"priority" db:"priority"`
	TaskType            TaskType     `json:"task_type" db:"task_type"`
	AssignedHat         string       `json:"assigned_hat,omitempty" db:"assigned_hat"`
	AgentBackend        string       `json:"agent_backend,omitempty" db:"agent_backend"`
	BaseBranch          string       `json:"base_branch,omitempty" db:"base_branch"`
	AcceptanceCriteria  []string     `json:"acceptance_criteria"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// IsAutoEligible reports whether the task can be picked up by the
// automation orchestrator: AUTO tasks, and only while IN_PROGRESS.
func (t *Task) IsAutoEligible() bool {
	return t.TaskType == TaskTypeAuto && t.Status == TaskStatusInProgress
}

// WorkspaceStatus tracks whether a workspace is still live.
type WorkspaceStatus string

const (
	WorkspaceStatusActive   WorkspaceStatus = "ACTIVE"
	WorkspaceStatusArchived WorkspaceStatus = "ARCHIVED"
)

// Workspace is one task assignment's isolated working area, spanning
// possibly several repos (each with its own worktree via WorkspaceRepo).
type Workspace struct {
	ID         string          `json:"id" db:"id"`
	ProjectID  string          `json:"project_id" db:"project_id"`
	TaskID     string          `json:"task_id,omitempty" db:"task_id"`
	BranchName string          `json:"branch_name" db:"branch_name"`
	Path       string          `json:"path" db:"path"`
	Status     WorkspaceStatus `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// WorkspaceRepo records the per-repo worktree backing a workspace.
type WorkspaceRepo struct {
	WorkspaceID   string `json:"workspace_id" db:"workspace_id"`
	RepoID        string `json:"repo_id" db:"repo_id"`
	TargetBranch  string `json:"target_branch" db:"target_branch"`
	WorktreePath  string `json:"worktree_path" db:"worktree_path"`
}

// SessionType distinguishes the kind of agent conversation a Session hosts.
type SessionType string

const (
	SessionTypeACP           SessionType = "ACP"
	SessionTypeTerminalAttach SessionType = "TERMINAL_ATTACH"
)

// SessionStatus tracks session liveness.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "ACTIVE"
	SessionStatusClosed SessionStatus = "CLOSED"
)

// Session is one ACP (or terminal-attach) conversation against a workspace.
type Session struct {
	ID          string        `json:"id" db:"id"`
	WorkspaceID string        `json:"workspace_id" db:"workspace_id"`
	SessionType SessionType   `json:"session_type" db:"session_type"`
	Status      SessionStatus `json:"status" db:"status"`
	ExternalID  string        `json:"external_id,omitempty" db:"external_id"`
	StartedAt   time.Time     `json:"started_at" db:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// RunReason classifies why an ExecutionProcess was spawned.
type RunReason string

const (
	RunReasonCodingAgent RunReason = "CODINGAGENT"
	RunReasonReview      RunReason = "REVIEW"
	RunReasonFollowUp    RunReason = "FOLLOW_UP"
)

// ExecutionStatus is the lifecycle of a spawned agent process.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCanceled  ExecutionStatus = "CANCELED"
)

// ExecutionProcess is one spawned agent run within a session.
type ExecutionProcess struct {
	ID             string                 `json:"id" db:"id"`
	SessionID      string                 `json:"session_id" db:"session_id"`
	RunReason      RunReason              `json:"run_reason" db:"run_reason"`
	ExecutorAction map[string]interface{} `json:"executor_action"`
	Status         ExecutionStatus        `json:"status" db:"status"`
	ExitCode       *int                   `json:"exit_code,omitempty" db:"exit_code"`
	Dropped        bool                   `json:"dropped" db:"dropped"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// CodingAgentTurn is one prompt/summary pair within an ExecutionProcess.
type CodingAgentTurn struct {
	ID            string    `json:"id" db:"id"`
	ExecutionID   string    `json:"execution_id" db:"execution_id"`
	Prompt        string    `json:"prompt" db:"prompt"`
	Summary       string    `json:"summary" db:"summary"`
	AgentSessionID string   `json:"agent_session_id,omitempty" db:"agent_session_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// MergeType distinguishes a direct fast-path merge from a PR-mediated one.
type MergeType string

const (
	MergeTypeDirect MergeType = "DIRECT"
	MergeTypePR     MergeType = "PR"
)

// PRStatus tracks a pull request's lifecycle when MergeType is PR.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "OPEN"
	PRStatusMerged PRStatus = "MERGED"
	PRStatusClosed PRStatus = "CLOSED"
)

// Merge records the outcome of merging a workspace's branch into a target.
type Merge struct {
	ID           string    `json:"id" db:"id"`
	WorkspaceID  string    `json:"workspace_id" db:"workspace_id"`
	RepoID       string    `json:"repo_id" db:"repo_id"`
	MergeType    MergeType `json:"merge_type" db:"merge_type"`
	TargetBranch string    `json:"target_branch" db:"target_branch"`
	MergeCommit  string    `json:"merge_commit,omitempty" db:"merge_commit"`
	PRURL        string    `json:"pr_url,omitempty" db:"pr_url"`
	PRNumber     *int      `json:"pr_number,omitempty" db:"pr_number"`
	PRStatus     PRStatus  `json:"pr_status,omitempty" db:"pr_status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Scratch is a task's append-only notepad, upserted between iterations.
type Scratch struct {
	TaskID    string    `json:"task_id" db:"task_id"`
	Content   string    `json:"content" db:"content"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
