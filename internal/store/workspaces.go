package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kagan-sh/kagan/internal/domain"
)

// ErrActiveWorkspaceExists is returned when a task already has an ACTIVE
// workspace and a second one is requested.
var ErrActiveWorkspaceExists = errors.New("task already has an active workspace")

// CreateWorkspaceInput describes a new workspace assignment for a task.
type CreateWorkspaceInput struct {
	ProjectID  string
	TaskID     string
	BranchName string
	Path       string
	Repos      []domain.WorkspaceRepo // RepoID/TargetBranch/WorktreePath per repo
}

// CreateWorkspace inserts a new ACTIVE workspace, enforcing the at-most-one-
// active-per-task invariant via the partial unique index on (task_id) WHERE
// status='ACTIVE'.
func (s *Store) CreateWorkspace(ctx context.Context, in CreateWorkspaceInput) (*domain.Workspace, error) {
	now := time.Now().UTC()
	ws := &domain.Workspace{
		ID:         newID(),
		ProjectID:  in.ProjectID,
		TaskID:     in.TaskID,
		BranchName: in.BranchName,
		Path:       in.Path,
		Status:     domain.WorkspaceStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := s.w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, project_id, task_id, branch_name, path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.ProjectID, ws.TaskID, ws.BranchName, ws.Path, ws.Status, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveWorkspaceExists
		}
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	for _, wr := range in.Repos {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workspace_repos (workspace_id, repo_id, target_branch, worktree_path) VALUES (?, ?, ?, ?)`,
			ws.ID, wr.RepoID, wr.TargetBranch, wr.WorktreePath)
		if err != nil {
			return nil, fmt.Errorf("insert workspace_repo: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ws, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint", "constraint failed"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && stringsContains(s, sub) {
			return true
		}
	}
	return false
}

func stringsContains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// GetWorkspace fetches a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	var ws domain.Workspace
	err := s.ro.GetContext(ctx, &ws, `SELECT * FROM workspaces WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &ws, nil
}

// GetActiveWorkspaceForTask returns the task's ACTIVE workspace, if any.
func (s *Store) GetActiveWorkspaceForTask(ctx context.Context, taskID string) (*domain.Workspace, error) {
	var ws domain.Workspace
	err := s.ro.GetContext(ctx, &ws, `SELECT * FROM workspaces WHERE task_id = ? AND status = 'ACTIVE'`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active workspace: %w", err)
	}
	return &ws, nil
}

// GetWorkspaceRepos returns the per-repo worktree records for a workspace.
func (s *Store) GetWorkspaceRepos(ctx context.Context, workspaceID string) ([]domain.WorkspaceRepo, error) {
	var rows []domain.WorkspaceRepo
	err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM workspace_repos WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("get workspace repos: %w", err)
	}
	return rows, nil
}

// ArchiveWorkspace marks a workspace ARCHIVED, freeing the task to receive
// a new ACTIVE workspace later.
func (s *Store) ArchiveWorkspace(ctx context.Context, id string) error {
	res, err := s.w.ExecContext(ctx, `UPDATE workspaces SET status='ARCHIVED', updated_at=? WHERE id=?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archive workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// deleteWorkspaceTx removes a workspace and everything hanging off its
// sessions (executions, turns, logs) within an existing transaction, per
// the ownership graph in the data model.
func deleteWorkspaceTx(ctx context.Context, tx *sqlx.Tx, workspaceID string) error {
	var sessionIDs []string
	if err := tx.SelectContext(ctx, &sessionIDs, `SELECT id FROM sessions WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("list sessions for workspace: %w", err)
	}
	for _, sid := range sessionIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM execution_processes WHERE session_id = ?`, sid); err != nil {
			return fmt.Errorf("delete executions: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM merges WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("delete merges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspace_repos WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("delete workspace_repos: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, workspaceID); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}
