package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/domain"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("not found")

type taskRow struct {
	ID                     string    `db:"id"`
	ProjectID              string    `db:"project_id"`
	Title                  string    `db:"title"`
	Description            string    `db:"description"`
	Status                 string    `db:"status"`
	Priority               string    `db:"priority"`
	TaskType               string    `db:"task_type"`
	AssignedHat            string    `db:"assigned_hat"`
	AgentBackend           string    `db:"agent_backend"`
	BaseBranch             string    `db:"base_branch"`
	AcceptanceCriteriaJSON string    `db:"acceptance_criteria"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (r taskRow) toDomain() *domain.Task {
	return &domain.Task{
		ID:                 r.ID,
		ProjectID:          r.ProjectID,
		Title:              r.Title,
		Description:        r.Description,
		Status:             domain.TaskStatus(r.Status),
		Priority:           domain.TaskPriority(r.Priority),
		TaskType:           domain.TaskType(r.TaskType),
		AssignedHat:        r.AssignedHat,
		AgentBackend:       r.AgentBackend,
		BaseBranch:         r.BaseBranch,
		AcceptanceCriteria: unmarshalStrings(r.AcceptanceCriteriaJSON),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// CreateTaskInput carries the client-specified fields for tasks.create.
type CreateTaskInput struct {
	ProjectID          string
	Title              string
	Description        string
	Priority           domain.TaskPriority
	TaskType           domain.TaskType
	AssignedHat        string
	AgentBackend       string
	BaseBranch         string
	AcceptanceCriteria []string
}

// CreateTask inserts a new task in BACKLOG and publishes exactly one
// TaskCreated event.
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput) (*domain.Task, error) {
	if in.Priority == "" {
		in.Priority = domain.TaskPriorityMedium
	}
	if in.TaskType == "" {
		in.TaskType = domain.TaskTypeAuto
	}
	now := time.Now().UTC()
	t := &domain.Task{
		ID:                 newID(),
		ProjectID:          in.ProjectID,
		Title:              in.Title,
		Description:        in.Description,
		Status:             domain.TaskStatusBacklog,
		Priority:           in.Priority,
		TaskType:           in.TaskType,
		AssignedHat:        in.AssignedHat,
		AgentBackend:       in.AgentBackend,
		BaseBranch:         in.BaseBranch,
		AcceptanceCriteria: in.AcceptanceCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority, task_type,
			assigned_hat, agent_backend, base_branch, acceptance_criteria, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.TaskType,
		t.AssignedHat, t.AgentBackend, t.BaseBranch, marshalStrings(t.AcceptanceCriteria), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	publish(s, "TaskCreated", map[string]interface{}{"task_id": t.ID, "project_id": t.ProjectID})
	return t, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var row taskRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toDomain(), nil
}

// ListTasksFilter narrows ListTasks by optional fields; zero values mean
// "no filter" on that field.
type ListTasksFilter struct {
	ProjectID string
	Status    domain.TaskStatus
	TaskType  domain.TaskType
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f ListTasksFilter) ([]*domain.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []interface{}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	query += ` ORDER BY created_at DESC`
	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*domain.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// SearchTasks does a naive substring search over title+description, scoped
// to a project.
func (s *Store) SearchTasks(ctx context.Context, projectID, query string) ([]*domain.Task, error) {
	var rows []taskRow
	like := "%" + query + "%"
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT * FROM tasks WHERE project_id = ? AND (title LIKE ? OR description LIKE ?)
		ORDER BY created_at DESC`, projectID, like, like)
	if err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	out := make([]*domain.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// UpdateTaskInput carries only the fields a client wants to change;
// nil pointers mean "leave unchanged". Status is handled separately by
// MoveTask since it has its own transition-event semantics.
type UpdateTaskInput struct {
	Title              *string
	Description        *string
	Priority           *domain.TaskPriority
	AssignedHat        *string
	AgentBackend       *string
	BaseBranch         *string
	AcceptanceCriteria *[]string
}

// UpdateTask patches non-status fields and emits TaskUpdated with the list
// of fields that actually changed.
func (s *Store) UpdateTask(ctx context.Context, id string, in UpdateTaskInput) (*domain.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	var changed []string
	if in.Title != nil && *in.Title != t.Title {
		t.Title = *in.Title
		changed = append(changed, "title")
	}
	if in.Description != nil && *in.Description != t.Description {
		t.Description = *in.Description
		changed = append(changed, "description")
	}
	if in.Priority != nil && *in.Priority != t.Priority {
		t.Priority = *in.Priority
		changed = append(changed, "priority")
	}
	if in.AssignedHat != nil && *in.AssignedHat != t.AssignedHat {
		t.AssignedHat = *in.AssignedHat
		changed = append(changed, "assigned_hat")
	}
	if in.AgentBackend != nil && *in.AgentBackend != t.AgentBackend {
		t.AgentBackend = *in.AgentBackend
		changed = append(changed, "agent_backend")
	}
	if in.BaseBranch != nil && *in.BaseBranch != t.BaseBranch {
		t.BaseBranch = *in.BaseBranch
		changed = append(changed, "base_branch")
	}
	if in.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = *in.AcceptanceCriteria
		changed = append(changed, "acceptance_criteria")
	}
	if len(changed) == 0 {
		return t, nil
	}
	t.UpdatedAt = time.Now().UTC()
	_, err = s.w.ExecContext(ctx, `
		UPDATE tasks SET title=?, description=?, priority=?, assigned_hat=?, agent_backend=?,
			base_branch=?, acceptance_criteria=?, updated_at=? WHERE id=?`,
		t.Title, t.Description, t.Priority, t.AssignedHat, t.AgentBackend, t.BaseBranch,
		marshalStrings(t.AcceptanceCriteria), t.UpdatedAt, t.ID)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	publish(s, "TaskUpdated", map[string]interface{}{"task_id": t.ID, "changed_fields": changed})
	return t, nil
}

// ErrInvalidTransition is returned when a status move isn't one of the
// allowed (from, to) edges.
var ErrInvalidTransition = errors.New("invalid task status transition")

// MoveTask transitions a task's status, validating against the allowed
// transition graph, and emits TaskStatusChanged{from, to, reason}.
func (s *Store) MoveTask(ctx context.Context, id string, to domain.TaskStatus, reason string) (*domain.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if !domain.IsAllowedTaskTransition(from, to) {
		return nil, ErrInvalidTransition
	}
	if from == to {
		return t, nil
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	_, err = s.w.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, t.Status, t.UpdatedAt, t.ID)
	if err != nil {
		return nil, fmt.Errorf("move task: %w", err)
	}
	publish(s, "TaskStatusChanged", map[string]interface{}{
		"task_id": t.ID, "from": string(from), "to": string(to), "reason": reason,
	})
	return t, nil
}

// DeleteTask removes a task; cascade delete (workspaces, sessions,
// executions, scratch) follows the ownership graph via FK ON DELETE CASCADE
// for workspace-rooted entities, plus an explicit scratch delete since
// scratches key directly off task_id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM scratches WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete scratch: %w", err)
	}
	for _, wsID := range s.workspaceIDsForTask(ctx, tx, id) {
		if err := deleteWorkspaceTx(ctx, tx, wsID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	publish(s, "TaskDeleted", map[string]interface{}{"task_id": id})
	return nil
}

func (s *Store) workspaceIDsForTask(ctx context.Context, tx interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}, taskID string) []string {
	var ids []string
	_ = tx.SelectContext(ctx, &ids, `SELECT id FROM workspaces WHERE task_id = ?`, taskID)
	return ids
}

// GetScratch returns the task's scratchpad content, or an empty one if
// none has been written yet.
func (s *Store) GetScratch(ctx context.Context, taskID string) (*domain.Scratch, error) {
	var sc domain.Scratch
	err := s.ro.GetContext(ctx, &sc, `SELECT task_id, content, updated_at FROM scratches WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Scratch{TaskID: taskID, Content: "", UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scratch: %w", err)
	}
	return &sc, nil
}

// UpsertScratch overwrites a task's scratchpad content (last-write-wins).
func (s *Store) UpsertScratch(ctx context.Context, taskID, content string) (*domain.Scratch, error) {
	now := time.Now().UTC()
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO scratches (task_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		taskID, content, now)
	if err != nil {
		return nil, fmt.Errorf("upsert scratch: %w", err)
	}
	return &domain.Scratch{TaskID: taskID, Content: content, UpdatedAt: now}, nil
}
