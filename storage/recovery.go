package storage

import (
	"context"
	"fmt"

	"github.com/c360studio/semcrew/workflow"
)

const recoveryColumns = `id, project_id, task_id, agent_type, failure_reason, failure_context,
	emergency_stop_id, strategy, steps, current_step, status, created_at, updated_at`

// SaveRecoverySession inserts or replaces a recovery session, including its
// step list, current step and total step count.
func (s *SQLite) SaveRecoverySession(ctx context.Context, rs *workflow.RecoverySession) error {
	fctx := rs.FailureContext
	if fctx == nil {
		fctx = map[string]any{}
	}
	fctxJSON, err := marshalJSON(fctx)
	if err != nil {
		return err
	}
	steps := rs.Steps
	if steps == nil {
		steps = []workflow.RecoveryStep{}
	}
	stepsJSON, err := marshalJSON(steps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO recovery_sessions
		(`+recoveryColumns+`, total_steps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			steps = excluded.steps,
			current_step = excluded.current_step,
			total_steps = excluded.total_steps,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rs.ID, rs.ProjectID, rs.TaskID, string(rs.AgentType), rs.FailureReason, fctxJSON,
		rs.EmergencyStopID, string(rs.Strategy), stepsJSON, rs.CurrentStep, string(rs.Status),
		formatTime(rs.CreatedAt), formatTime(rs.UpdatedAt), len(steps))
	if err != nil {
		return fmt.Errorf("save recovery session: %w", err)
	}
	return nil
}

// GetRecoverySession retrieves a recovery session by ID.
func (s *SQLite) GetRecoverySession(ctx context.Context, id string) (*workflow.RecoverySession, error) {
	rs, err := scanRecovery(s.db.QueryRowContext(ctx,
		`SELECT `+recoveryColumns+` FROM recovery_sessions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return rs, nil
}

// ListRecoverySessions returns sessions, optionally for one project, newest first.
func (s *SQLite) ListRecoverySessions(ctx context.Context, projectID string) ([]*workflow.RecoverySession, error) {
	query := `SELECT ` + recoveryColumns + ` FROM recovery_sessions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recovery sessions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.RecoverySession
	for rows.Next() {
		rs, err := scanRecovery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recovery session: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func scanRecovery(row scanner) (*workflow.RecoverySession, error) {
	var (
		rs                   workflow.RecoverySession
		agent, strategy      string
		status               string
		fctx, steps          string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rs.ID, &rs.ProjectID, &rs.TaskID, &agent, &rs.FailureReason, &fctx,
		&rs.EmergencyStopID, &strategy, &steps, &rs.CurrentStep, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rs.AgentType = workflow.AgentType(agent)
	rs.Strategy = workflow.Strategy(strategy)
	rs.Status = workflow.RecoveryStatus(status)
	if err := unmarshalJSON(fctx, &rs.FailureContext); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(steps, &rs.Steps); err != nil {
		return nil, err
	}
	var err error
	if rs.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rs.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rs, nil
}
