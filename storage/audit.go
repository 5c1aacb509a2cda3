package storage

import (
	"context"
	"fmt"
	"time"
)

// AuditRecord is one row of the append-only audit log.
type AuditRecord struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AppendAudit writes one audit entry.
func (s *SQLite) AppendAudit(ctx context.Context, eventType, actor string, data map[string]any, at time.Time) error {
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log (event_type, actor, data, created_at) VALUES (?, ?, ?, ?)`,
		eventType, actor, dataJSON, formatTime(at))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first. The
// coordinator never reads the log; this exists for operators and tests.
func (s *SQLite) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_type, actor, data, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec             AuditRecord
			data, createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.Actor, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if err := unmarshalJSON(data, &rec.Data); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
