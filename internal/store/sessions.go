package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/domain"
)

// ErrTaskTypeMismatch is returned when a Session is requested for a PAIR
// task capability that requires AUTO, or vice versa.
var ErrTaskTypeMismatch = errors.New("task type mismatch")

// CreateSession opens a new session against a workspace. Per the data
// model's sessions-per-task rule, creating a session for a PAIR task is
// rejected unless the owning task actually is PAIR type (PAIR sessions are
// driven by a human directly; AUTO sessions are normally owned by the
// orchestrator, but direct creation is still permitted).
func (s *Store) CreateSession(ctx context.Context, workspaceID string, sessionType domain.SessionType, requireTaskType domain.TaskType) (*domain.Session, error) {
	ws, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if requireTaskType != "" && ws.TaskID != "" {
		t, err := s.GetTask(ctx, ws.TaskID)
		if err != nil {
			return nil, err
		}
		if t.TaskType != requireTaskType {
			return nil, ErrTaskTypeMismatch
		}
	}
	now := time.Now().UTC()
	sess := &domain.Session{
		ID:          newID(),
		WorkspaceID: workspaceID,
		SessionType: sessionType,
		Status:      domain.SessionStatusActive,
		StartedAt:   now,
	}
	_, err = s.w.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, session_type, status, external_id, started_at)
		VALUES (?, ?, ?, ?, '', ?)`,
		sess.ID, sess.WorkspaceID, sess.SessionType, sess.Status, sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	err := s.ro.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// SessionExists reports whether a session with the given id exists and is
// still ACTIVE.
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	sess, err := s.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Status == domain.SessionStatusActive, nil
}

// GetLatestSessionForWorkspace returns the most recently started session on
// a workspace, if any.
func (s *Store) GetLatestSessionForWorkspace(ctx context.Context, workspaceID string) (*domain.Session, error) {
	var sess domain.Session
	err := s.ro.GetContext(ctx, &sess, `
		SELECT * FROM sessions WHERE workspace_id = ? ORDER BY started_at DESC LIMIT 1`, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session for workspace: %w", err)
	}
	return &sess, nil
}

// KillSession closes a session.
func (s *Store) KillSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.w.ExecContext(ctx, `UPDATE sessions SET status='CLOSED', ended_at=? WHERE id=?`, now, id)
	if err != nil {
		return fmt.Errorf("kill session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
