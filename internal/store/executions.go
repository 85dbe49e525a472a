package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/domain"
)

type executionRow struct {
	ID                  string    `db:"id"`
	SessionID           string    `db:"session_id"`
	RunReason           string    `db:"run_reason"`
	ExecutorActionJSON  string    `db:"executor_action"`
	Status              string    `db:"status"`
	ExitCode            *int      `db:"exit_code"`
	Dropped             bool      `db:"dropped"`
	MetadataJSON        string    `db:"metadata"`
	Log                 string    `db:"log"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r executionRow) toDomain() *domain.ExecutionProcess {
	return &domain.ExecutionProcess{
		ID:             r.ID,
		SessionID:      r.SessionID,
		RunReason:      domain.RunReason(r.RunReason),
		ExecutorAction: unmarshalMap(r.ExecutorActionJSON),
		Status:         domain.ExecutionStatus(r.Status),
		ExitCode:       r.ExitCode,
		Dropped:        r.Dropped,
		Metadata:       unmarshalMap(r.MetadataJSON),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// CreateExecution starts a new ExecutionProcess row in RUNNING status.
func (s *Store) CreateExecution(ctx context.Context, sessionID string, reason domain.RunReason, executorAction map[string]interface{}) (*domain.ExecutionProcess, error) {
	now := time.Now().UTC()
	ep := &domain.ExecutionProcess{
		ID:             newID(),
		SessionID:      sessionID,
		RunReason:      reason,
		ExecutorAction: executorAction,
		Status:         domain.ExecutionStatusRunning,
		Metadata:       map[string]interface{}{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO execution_processes (id, session_id, run_reason, executor_action, status,
			exit_code, dropped, metadata, log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, 0, ?, '', ?, ?)`,
		ep.ID, ep.SessionID, ep.RunReason, marshalMap(ep.ExecutorAction), ep.Status,
		marshalMap(ep.Metadata), ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return ep, nil
}

// GetExecution fetches an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.ExecutionProcess, error) {
	var row executionRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM execution_processes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return row.toDomain(), nil
}

// AppendExecutionLog appends a newline-delimited chunk to an execution's
// append-only log. Exactly-once per write: this is a single UPDATE, so a
// caller retrying on a network error must dedupe at a higher layer
// (the orchestrator only calls this once per iteration).
func (s *Store) AppendExecutionLog(ctx context.Context, id, chunk string) error {
	res, err := s.w.ExecContext(ctx, `
		UPDATE execution_processes SET log = log || ?, updated_at = ? WHERE id = ?`,
		chunk, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecutionLog returns the full accumulated log text for an execution.
func (s *Store) GetExecutionLog(ctx context.Context, id string) (string, error) {
	var log string
	err := s.ro.GetContext(ctx, &log, `SELECT log FROM execution_processes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get execution log: %w", err)
	}
	return log, nil
}

// GetLatestExecutionForSession returns the most recently created execution
// on a session, if any.
func (s *Store) GetLatestExecutionForSession(ctx context.Context, sessionID string) (*domain.ExecutionProcess, error) {
	var row executionRow
	err := s.ro.GetContext(ctx, &row, `
		SELECT * FROM execution_processes WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest execution for session: %w", err)
	}
	return row.toDomain(), nil
}

// FinishExecution transitions an execution to a terminal status.
func (s *Store) FinishExecution(ctx context.Context, id string, status domain.ExecutionStatus, exitCode *int, dropped bool) error {
	res, err := s.w.ExecContext(ctx, `
		UPDATE execution_processes SET status=?, exit_code=?, dropped=?, updated_at=? WHERE id=?`,
		status, exitCode, dropped, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PersistTurn records one prompt/summary pair for an execution.
func (s *Store) PersistTurn(ctx context.Context, executionID, prompt, summary, agentSessionID string) (*domain.CodingAgentTurn, error) {
	turn := &domain.CodingAgentTurn{
		ID:             newID(),
		ExecutionID:    executionID,
		Prompt:         prompt,
		Summary:        summary,
		AgentSessionID: agentSessionID,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO coding_agent_turns (id, execution_id, prompt, summary, agent_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ExecutionID, turn.Prompt, turn.Summary, turn.AgentSessionID, turn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	return turn, nil
}

// ListTurns returns every turn recorded for an execution, in creation order.
func (s *Store) ListTurns(ctx context.Context, executionID string) ([]*domain.CodingAgentTurn, error) {
	var turns []*domain.CodingAgentTurn
	err := s.ro.SelectContext(ctx, &turns, `
		SELECT * FROM coding_agent_turns WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}
