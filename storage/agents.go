package storage

import (
	"context"
	"fmt"

	"github.com/c360studio/semcrew/workflow"
)

// SaveAgentStatus mirrors one agent's tracked status.
func (s *SQLite) SaveAgentStatus(ctx context.Context, st workflow.AgentStatus) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_statuses
		(agent_type, status, current_task_id, last_activity, error_message)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_type) DO UPDATE SET
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			last_activity = excluded.last_activity,
			error_message = excluded.error_message`,
		string(st.AgentType), string(st.Status), st.CurrentTaskID, formatTime(st.LastActivity), st.ErrorMessage)
	if err != nil {
		return fmt.Errorf("save agent status: %w", err)
	}
	return nil
}

// ListAgentStatuses returns every mirrored agent status.
func (s *SQLite) ListAgentStatuses(ctx context.Context) ([]workflow.AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_type, status, current_task_id, last_activity, error_message
		FROM agent_statuses ORDER BY agent_type`)
	if err != nil {
		return nil, fmt.Errorf("list agent statuses: %w", err)
	}
	defer rows.Close()

	var out []workflow.AgentStatus
	for rows.Next() {
		var (
			st                   workflow.AgentStatus
			agent, status, since string
		)
		if err := rows.Scan(&agent, &status, &st.CurrentTaskID, &since, &st.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan agent status: %w", err)
		}
		st.AgentType = workflow.AgentType(agent)
		st.Status = workflow.AgentState(status)
		if st.LastActivity, err = parseTime(since); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
