package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kagan-sh/kagan/internal/events/bus"
)

// AuditEntry is one immutable row in the audit log: a domain event as it
// crossed the bus, kept verbatim rather than reconstructed from current
// entity state.
type AuditEntry struct {
	ID         string                 `db:"id" json:"id"`
	EventType  string                 `db:"event_type" json:"event_type"`
	Source     string                 `db:"source" json:"source"`
	TaskID     string                 `db:"task_id" json:"task_id,omitempty"`
	ProjectID  string                 `db:"project_id" json:"project_id,omitempty"`
	DataJSON   string                 `db:"data" json:"-"`
	OccurredAt time.Time              `db:"occurred_at" json:"occurred_at"`
	Data       map[string]interface{} `db:"-" json:"data"`
}

func (r *AuditEntry) hydrate() {
	r.Data = unmarshalMap(r.DataJSON)
}

// recordAuditEvent is the "domain.*" subscriber wired up in Open: every
// event any component publishes on the bus lands here and is appended to
// audit_log, so audit.list reflects the whole core, not just store-issued
// events (jobs, merges, automation included).
func (s *Store) recordAuditEvent(ctx context.Context, ev *bus.Event) error {
	taskID, _ := ev.Data["task_id"].(string)
	projectID, _ := ev.Data["project_id"].(string)
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, source, task_id, project_id, data, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.Source, taskID, projectID, marshalMap(ev.Data), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// ListAuditLogFilter narrows audit.list; zero values mean "no filter" on
// that dimension.
type ListAuditLogFilter struct {
	TaskID    string
	ProjectID string
	EventType string
	Since     time.Time
	Limit     int
	Offset    int
}

// ListAuditLog returns audit entries newest-first, optionally filtered and
// paginated.
func (s *Store) ListAuditLog(ctx context.Context, f ListAuditLogFilter) ([]*AuditEntry, error) {
	query := `SELECT * FROM audit_log WHERE 1=1`
	var args []interface{}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY occurred_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	var rows []*AuditEntry
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	for _, r := range rows {
		r.hydrate()
	}
	return rows, nil
}
