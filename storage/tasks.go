package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semcrew/workflow"
)

const taskColumns = `id, project_id, agent_type, status, instructions, context_ids,
	output, error_message, started_at, completed_at`

// CreateTask inserts a new PENDING task.
func (s *SQLite) CreateTask(ctx context.Context, t *workflow.Task) error {
	if t.Status == "" {
		t.Status = workflow.TaskPending
	}
	ids, err := marshalJSON(nonNilStrings(t.ContextIDs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks
		(id, project_id, agent_type, status, instructions, context_ids, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, string(t.AgentType), string(t.Status), t.Instructions, ids,
		formatTimePtr(t.StartedAt), formatTime(s.timestamp()))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// BeginTask marks the task WORKING, creating the row when an earlier enqueue
// failed to persist it. The write is committed before returning so later
// gate failures cannot roll it back. A task already in a terminal state is
// left untouched and ErrInvalidTransition is returned.
func (s *SQLite) BeginTask(ctx context.Context, t *workflow.Task) (*workflow.Task, error) {
	startedAt := s.timestamp()
	if t.StartedAt != nil {
		startedAt = t.StartedAt.UTC()
	}

	var out *workflow.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanTask(tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, t.ID))
		switch {
		case err == nil:
			if !existing.Status.CanTransitionTo(workflow.TaskWorking) {
				return fmt.Errorf("task %s is %s: %w", t.ID, existing.Status, ErrInvalidTransition)
			}
			_, err = tx.ExecContext(ctx, `UPDATE tasks
				SET status = ?, started_at = ?, updated_at = ?
				WHERE id = ?`,
				string(workflow.TaskWorking), formatTime(startedAt), formatTime(s.timestamp()), t.ID)
			if err != nil {
				return fmt.Errorf("update task: %w", err)
			}
			existing.Status = workflow.TaskWorking
			existing.StartedAt = &startedAt
			out = existing
			return nil
		case errors.Is(err, sql.ErrNoRows):
			ids, err := marshalJSON(nonNilStrings(t.ContextIDs))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO tasks
				(id, project_id, agent_type, status, instructions, context_ids, started_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.ProjectID, string(t.AgentType), string(workflow.TaskWorking), t.Instructions,
				ids, formatTime(startedAt), formatTime(s.timestamp()))
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			created := *t
			created.Status = workflow.TaskWorking
			created.StartedAt = &startedAt
			out = &created
			return nil
		default:
			return fmt.Errorf("select task: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTask retrieves a task by ID.
func (s *SQLite) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// ListTasks returns a project's tasks, most recently updated first.
func (s *SQLite) ListTasks(ctx context.Context, projectID string) ([]*workflow.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*workflow.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompleteTask persists the output artifact and marks the task COMPLETED in
// one transaction.
func (s *SQLite) CompleteTask(ctx context.Context, taskID string, output any, artifact *workflow.ContextArtifact) error {
	out, err := marshalJSON(output)
	if err != nil {
		return err
	}
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if artifact != nil {
			if err := insertArtifact(ctx, tx, artifact); err != nil {
				return err
			}
		}
		return transitionTask(ctx, tx, taskID, workflow.TaskCompleted, sql.NullString{String: out, Valid: true}, "", now)
	})
}

// FailTask marks a WORKING task FAILED with the given message.
func (s *SQLite) FailTask(ctx context.Context, taskID, message string) error {
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return transitionTask(ctx, tx, taskID, workflow.TaskFailed, sql.NullString{}, message, now)
	})
}

// CancelTask marks a PENDING or WORKING task CANCELLED.
func (s *SQLite) CancelTask(ctx context.Context, taskID, reason string) error {
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return transitionTask(ctx, tx, taskID, workflow.TaskCancelled, sql.NullString{}, reason, now)
	})
}

// RecordTaskError stores an error message on a WORKING task without ending it.
// Used while a retry is still pending.
func (s *SQLite) RecordTaskError(ctx context.Context, taskID, message string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		message, formatTime(s.timestamp()), taskID, string(workflow.TaskWorking))
	if err != nil {
		return fmt.Errorf("record task error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s not working: %w", taskID, ErrInvalidTransition)
	}
	return nil
}

// transitionTask moves a task into a terminal status if the current status allows it.
func transitionTask(ctx context.Context, tx *sql.Tx, taskID string, target workflow.TaskStatus, output sql.NullString, message string, now time.Time) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err != nil {
		return fmt.Errorf("select task %s: %w", taskID, notFound(err))
	}
	if !workflow.TaskStatus(current).CanTransitionTo(target) {
		return fmt.Errorf("task %s %s -> %s: %w", taskID, current, target, ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks
		SET status = ?, output = COALESCE(?, output), error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(target), output, nullString(message), formatTime(now), formatTime(now), taskID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

func scanTask(row scanner) (*workflow.Task, error) {
	var (
		t                      workflow.Task
		agentType, status      string
		contextIDs             string
		output, errMsg         sql.NullString
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &agentType, &status, &t.Instructions, &contextIDs,
		&output, &errMsg, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.AgentType = workflow.AgentType(agentType)
	t.Status = workflow.TaskStatus(status)
	t.ErrorMessage = errMsg.String
	if err := unmarshalJSON(contextIDs, &t.ContextIDs); err != nil {
		return nil, err
	}
	if output.Valid {
		if err := unmarshalJSON(output.String, &t.Output); err != nil {
			return nil, err
		}
	}
	var err error
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
