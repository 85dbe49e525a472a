package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/domain"
)

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, name, description string) (*domain.Project, error) {
	now := time.Now().UTC()
	p := &domain.Project{
		ID: newID(), Name: name, Description: description,
		LastOpenedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, last_opened_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.LastOpenedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	err := s.ro.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns every project, most recently opened first.
func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	var rows []*domain.Project
	if err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM projects ORDER BY last_opened_at DESC`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return rows, nil
}

// OpenProject bumps a project's last_opened_at timestamp.
func (s *Store) OpenProject(ctx context.Context, id string) (*domain.Project, error) {
	now := time.Now().UTC()
	res, err := s.w.ExecContext(ctx, `UPDATE projects SET last_opened_at=?, updated_at=? WHERE id=?`, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetProject(ctx, id)
}

// AddRepoToProject links an existing repo into a project.
func (s *Store) AddRepoToProject(ctx context.Context, projectID, repoID string, isPrimary bool, displayOrder int) error {
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO project_repos (project_id, repo_id, is_primary, display_order) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, repo_id) DO UPDATE SET is_primary=excluded.is_primary, display_order=excluded.display_order`,
		projectID, repoID, isPrimary, displayOrder)
	if err != nil {
		return fmt.Errorf("add repo to project: %w", err)
	}
	return nil
}

// ListProjectRepos returns the repos linked to a project, in display order.
func (s *Store) ListProjectRepos(ctx context.Context, projectID string) ([]*domain.Repo, error) {
	var rows []repoRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT r.* FROM repos r
		JOIN project_repos pr ON pr.repo_id = r.id
		WHERE pr.project_id = ?
		ORDER BY pr.display_order ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project repos: %w", err)
	}
	out := make([]*domain.Repo, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// FindProjectsByRepoPath returns every project the given canonical repo
// path is attached to.
func (s *Store) FindProjectsByRepoPath(ctx context.Context, path string) ([]*domain.Project, error) {
	var rows []*domain.Project
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT p.* FROM projects p
		JOIN project_repos pr ON pr.project_id = p.id
		JOIN repos r ON r.id = pr.repo_id
		WHERE r.path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("find projects by repo path: %w", err)
	}
	return rows, nil
}
