package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semcrew/workflow"
	"github.com/google/uuid"
)

// GetBudget returns the budget control for a scope, or ErrNotFound.
func (s *SQLite) GetBudget(ctx context.Context, projectID string, agentType workflow.AgentType) (*workflow.BudgetControl, error) {
	var (
		b         workflow.BudgetControl
		agent     string
		emergency int
	)
	err := s.db.QueryRowContext(ctx, `SELECT project_id, agent_type, daily_token_limit, session_token_limit,
		emergency_stop_enabled, daily_tokens_used, session_tokens_used, usage_date
		FROM budget_controls WHERE project_id = ? AND agent_type = ?`,
		projectID, string(agentType)).Scan(&b.ProjectID, &agent, &b.DailyTokenLimit, &b.SessionTokenLimit,
		&emergency, &b.DailyTokensUsed, &b.SessionTokensUsed, &b.UsageDate)
	if err != nil {
		return nil, notFound(err)
	}
	b.AgentType = workflow.AgentType(agent)
	b.EmergencyStopEnabled = emergency != 0
	return &b, nil
}

// SetBudget creates or updates the limits of a scope. Accumulated usage is kept.
func (s *SQLite) SetBudget(ctx context.Context, b *workflow.BudgetControl) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO budget_controls
		(project_id, agent_type, daily_token_limit, session_token_limit, emergency_stop_enabled,
		 daily_tokens_used, session_tokens_used, usage_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, agent_type) DO UPDATE SET
			daily_token_limit = excluded.daily_token_limit,
			session_token_limit = excluded.session_token_limit,
			emergency_stop_enabled = excluded.emergency_stop_enabled`,
		b.ProjectID, string(b.AgentType), b.DailyTokenLimit, b.SessionTokenLimit,
		boolToInt(b.EmergencyStopEnabled), b.DailyTokensUsed, b.SessionTokensUsed, b.UsageDate)
	if err != nil {
		return fmt.Errorf("upsert budget: %w", err)
	}
	return nil
}

// AddTokenUsage atomically adds tokens to a scope's daily and session counters
// in a single statement. Daily usage restarts when the UTC date changes. A scope
// without a budget row gets one with unlimited limits so usage is still tracked.
func (s *SQLite) AddTokenUsage(ctx context.Context, projectID string, agentType workflow.AgentType, tokens int, now time.Time) error {
	if tokens < 0 {
		return fmt.Errorf("add token usage: negative tokens %d", tokens)
	}
	day := now.UTC().Format(workflow.UsageDateFormat)
	_, err := s.db.ExecContext(ctx, `INSERT INTO budget_controls
		(project_id, agent_type, daily_tokens_used, session_tokens_used, usage_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, agent_type) DO UPDATE SET
			daily_tokens_used = CASE
				WHEN budget_controls.usage_date = excluded.usage_date
				THEN budget_controls.daily_tokens_used + excluded.daily_tokens_used
				ELSE excluded.daily_tokens_used
			END,
			session_tokens_used = budget_controls.session_tokens_used + excluded.session_tokens_used,
			usage_date = excluded.usage_date`,
		projectID, string(agentType), tokens, tokens, day)
	if err != nil {
		return fmt.Errorf("add token usage: %w", err)
	}
	return nil
}

// ResetSessionUsage zeroes a scope's session counter.
func (s *SQLite) ResetSessionUsage(ctx context.Context, projectID string, agentType workflow.AgentType) error {
	_, err := s.db.ExecContext(ctx, `UPDATE budget_controls SET session_tokens_used = 0
		WHERE project_id = ? AND agent_type = ?`, projectID, string(agentType))
	if err != nil {
		return fmt.Errorf("reset session usage: %w", err)
	}
	return nil
}

// ActivateEmergencyStop turns on the kill switch for a scope. If one is
// already active it is returned unchanged.
func (s *SQLite) ActivateEmergencyStop(ctx context.Context, projectID string, agentType workflow.AgentType, reason string) (*workflow.EmergencyStop, error) {
	var out *workflow.EmergencyStop
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanEmergencyStop(tx.QueryRowContext(ctx, `SELECT id, project_id, agent_type, active,
			reason, activated_at, deactivated_at FROM emergency_stops
			WHERE project_id = ? AND agent_type = ? AND active = 1`, projectID, string(agentType)))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup emergency stop: %w", err)
		}

		stop := &workflow.EmergencyStop{
			ID:          uuid.New().String(),
			ProjectID:   projectID,
			AgentType:   agentType,
			Active:      true,
			Reason:      reason,
			ActivatedAt: s.timestamp(),
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO emergency_stops
			(id, project_id, agent_type, active, reason, activated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			stop.ID, projectID, string(agentType), reason, formatTime(stop.ActivatedAt))
		if err != nil {
			return fmt.Errorf("insert emergency stop: %w", err)
		}
		out = stop
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivateEmergencyStop clears the active kill switch for a scope. It
// returns ErrNotFound when none is active.
func (s *SQLite) DeactivateEmergencyStop(ctx context.Context, projectID string, agentType workflow.AgentType) error {
	res, err := s.db.ExecContext(ctx, `UPDATE emergency_stops SET active = 0, deactivated_at = ?
		WHERE project_id = ? AND agent_type = ? AND active = 1`,
		formatTime(s.timestamp()), projectID, string(agentType))
	if err != nil {
		return fmt.Errorf("deactivate emergency stop: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveEmergencyStop returns the active stop for exactly this scope, or ErrNotFound.
func (s *SQLite) ActiveEmergencyStop(ctx context.Context, projectID string, agentType workflow.AgentType) (*workflow.EmergencyStop, error) {
	stop, err := scanEmergencyStop(s.db.QueryRowContext(ctx, `SELECT id, project_id, agent_type, active,
		reason, activated_at, deactivated_at FROM emergency_stops
		WHERE project_id = ? AND agent_type = ? AND active = 1`, projectID, string(agentType)))
	if err != nil {
		return nil, notFound(err)
	}
	return stop, nil
}

// ListEmergencyStops returns stops, optionally only the active ones.
func (s *SQLite) ListEmergencyStops(ctx context.Context, activeOnly bool) ([]*workflow.EmergencyStop, error) {
	query := `SELECT id, project_id, agent_type, active, reason, activated_at, deactivated_at FROM emergency_stops`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY activated_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list emergency stops: %w", err)
	}
	defer rows.Close()

	var out []*workflow.EmergencyStop
	for rows.Next() {
		stop, err := scanEmergencyStop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan emergency stop: %w", err)
		}
		out = append(out, stop)
	}
	return out, rows.Err()
}

func scanEmergencyStop(row scanner) (*workflow.EmergencyStop, error) {
	var (
		stop          workflow.EmergencyStop
		agent         string
		active        int
		activatedAt   string
		deactivatedAt sql.NullString
	)
	if err := row.Scan(&stop.ID, &stop.ProjectID, &agent, &active, &stop.Reason, &activatedAt, &deactivatedAt); err != nil {
		return nil, err
	}
	stop.AgentType = workflow.AgentType(agent)
	stop.Active = active != 0
	var err error
	if stop.ActivatedAt, err = parseTime(activatedAt); err != nil {
		return nil, err
	}
	if stop.DeactivatedAt, err = parseTimePtr(deactivatedAt); err != nil {
		return nil, err
	}
	return &stop, nil
}
