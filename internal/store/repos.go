package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/domain"
)

type repoRow struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	Path              string    `db:"path"`
	DefaultBranch     string    `db:"default_branch"`
	DisplayName       string    `db:"display_name"`
	DefaultWorkingDir string    `db:"default_working_dir"`
	ScriptsJSON       string    `db:"scripts"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r repoRow) toDomain() *domain.Repo {
	return &domain.Repo{
		ID: r.ID, Name: r.Name, Path: r.Path, DefaultBranch: r.DefaultBranch,
		DisplayName: r.DisplayName, DefaultWorkingDir: r.DefaultWorkingDir,
		Scripts: unmarshalScripts(r.ScriptsJSON), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// CreateRepo registers a repository by canonical path.
func (s *Store) CreateRepo(ctx context.Context, name, path, defaultBranch, displayName, defaultWorkingDir string) (*domain.Repo, error) {
	now := time.Now().UTC()
	repo := &domain.Repo{
		ID: newID(), Name: name, Path: path, DefaultBranch: defaultBranch,
		DisplayName: displayName, DefaultWorkingDir: defaultWorkingDir,
		Scripts: map[string]string{}, CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO repos (id, name, path, default_branch, display_name, default_working_dir, scripts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.Name, repo.Path, repo.DefaultBranch, repo.DisplayName, repo.DefaultWorkingDir,
		marshalScripts(repo.Scripts), repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert repo: %w", err)
	}
	return repo, nil
}

// GetRepo fetches a repo by id.
func (s *Store) GetRepo(ctx context.Context, id string) (*domain.Repo, error) {
	var row repoRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM repos WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return row.toDomain(), nil
}

// GetRepoByPath looks a repo up by its canonical filesystem path.
func (s *Store) GetRepoByPath(ctx context.Context, path string) (*domain.Repo, error) {
	var row repoRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM repos WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repo by path: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateRepoScripts merges/sets the opaque scripts map a plugin persists
// against a repo (e.g. the GitHub plugin's connection metadata).
func (s *Store) UpdateRepoScripts(ctx context.Context, id string, scripts map[string]string) error {
	res, err := s.w.ExecContext(ctx, `UPDATE repos SET scripts=?, updated_at=? WHERE id=?`,
		marshalScripts(scripts), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update repo scripts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalScripts(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	return marshalMap(toAnyMap(m))
}

func unmarshalScripts(s string) map[string]string {
	raw := unmarshalMap(s)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}

func toAnyMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
