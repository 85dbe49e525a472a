package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/domain"
)

// CreateMerge records a new merge attempt (or PR) for a workspace/repo pair.
func (s *Store) CreateMerge(ctx context.Context, m *domain.Merge) error {
	if m.ID == "" {
		m.ID = newID()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	if m.MergeType == "" {
		m.MergeType = domain.MergeTypeDirect
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO merges (id, workspace_id, repo_id, merge_type, target_branch, merge_commit,
			pr_url, pr_number, pr_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkspaceID, m.RepoID, m.MergeType, m.TargetBranch, m.MergeCommit,
		m.PRURL, m.PRNumber, m.PRStatus, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert merge: %w", err)
	}
	return nil
}

// GetMerge fetches a merge by id.
func (s *Store) GetMerge(ctx context.Context, id string) (*domain.Merge, error) {
	var m domain.Merge
	err := s.ro.GetContext(ctx, &m, `SELECT * FROM merges WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get merge: %w", err)
	}
	return &m, nil
}

// ListMergesForWorkspace returns every merge recorded for a workspace.
func (s *Store) ListMergesForWorkspace(ctx context.Context, workspaceID string) ([]*domain.Merge, error) {
	var rows []*domain.Merge
	err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM merges WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list merges: %w", err)
	}
	return rows, nil
}
