// Package store persists the domain entity model (internal/domain) to
// SQLite using the single-writer/multi-reader pooling convention established
// by internal/db. It owns the transactional invariants the rest of the core
// relies on: one TaskCreated per create, one TaskStatusChanged per status
// transition, and last-write-wins scratch upserts.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/db"
	"github.com/kagan-sh/kagan/internal/events/bus"
)

// Store is the SQLite-backed entity store for the core host.
type Store struct {
	w        *sqlx.DB
	ro       *sqlx.DB
	bus      bus.EventBus
	log      *logger.Logger
	auditSub bus.Subscription
}

// Open creates (or attaches to) a SQLite database at path and runs schema
// migrations. The writer pool is a single connection per internal/db's
// single-writer convention; bus is used to publish post-commit domain events.
func Open(path string, eventBus bus.EventBus, log *logger.Logger) (*Store, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	s := &Store{
		w:   sqlx.NewDb(writer, "sqlite3"),
		ro:  sqlx.NewDb(reader, "sqlite3"),
		bus: eventBus,
		log: log,
	}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if eventBus != nil {
		sub, err := eventBus.Subscribe("domain.*", s.recordAuditEvent)
		if err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, fmt.Errorf("subscribe audit log: %w", err)
		}
		s.auditSub = sub
	}
	return s, nil
}

// Bus returns the event bus domain events are published to, so capability
// handlers (tasks.wait in particular) can subscribe directly instead of
// polling the store.
func (s *Store) Bus() bus.EventBus {
	return s.bus
}

// Pools exposes the underlying writer/reader connection pools so a
// component that owns its own schema (internal/github's PR-watch tables)
// can share this store's single-writer SQLite file instead of opening a
// second connection to it.
func (s *Store) Pools() (writer, reader *sqlx.DB) {
	return s.w, s.ro
}

// Close releases both pools.
func (s *Store) Close() error {
	if s.auditSub != nil {
		_ = s.auditSub.Unsubscribe()
	}
	if err := s.w.Close(); err != nil {
		return err
	}
	return s.ro.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			last_opened_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repos (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			default_branch TEXT NOT NULL DEFAULT 'main',
			display_name TEXT NOT NULL DEFAULT '',
			default_working_dir TEXT NOT NULL DEFAULT '',
			scripts TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS project_repos (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
			is_primary BOOLEAN NOT NULL DEFAULT 0,
			display_order INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (project_id, repo_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'MEDIUM',
			task_type TEXT NOT NULL DEFAULT 'AUTO',
			assigned_hat TEXT NOT NULL DEFAULT '',
			agent_backend TEXT NOT NULL DEFAULT '',
			base_branch TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_active_task
			ON workspaces(task_id) WHERE status = 'ACTIVE'`,
		`CREATE TABLE IF NOT EXISTS workspace_repos (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			repo_id TEXT NOT NULL,
			target_branch TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workspace_id, repo_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			session_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			external_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS execution_processes (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_reason TEXT NOT NULL,
			executor_action TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'RUNNING',
			exit_code INTEGER,
			dropped BOOLEAN NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			log TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coding_agent_turns (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES execution_processes(id) ON DELETE CASCADE,
			prompt TEXT NOT NULL,
			summary TEXT NOT NULL,
			agent_session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS merges (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			merge_type TEXT NOT NULL DEFAULT 'DIRECT',
			target_branch TEXT NOT NULL,
			merge_commit TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			pr_number INTEGER,
			pr_status TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scratches (
			task_id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_occurred_at ON audit_log(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_task ON audit_log(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.w.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\n%s", err, stmt)
		}
	}
	return nil
}

func newID() string { return uuid.New().String() }

func marshalMap(m map[string]interface{}) string {
	if m == nil {
		m = map[string]interface{}{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMap(s string) map[string]interface{} {
	out := map[string]interface{}{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func publish(s *Store, kind string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(kind, "core.store", data)
	if err := s.bus.Publish(context.Background(), "domain."+kind, ev); err != nil {
		if s.log != nil {
			s.log.Warn("failed to publish domain event", zap.String("event", kind), zap.Error(err))
		}
	}
}
