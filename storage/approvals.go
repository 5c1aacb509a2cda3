package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semcrew/workflow"
)

const approvalColumns = `id, project_id, task_id, agent_type, request_type, request_data,
	estimated_tokens, estimated_cost, status, expires_at, user_comment, created_at, resolved_at`

// ApprovalFilter narrows ListApprovals. Empty fields match everything.
type ApprovalFilter struct {
	ProjectID string
	TaskID    string
	Status    workflow.ApprovalStatus
}

// FindOrCreateApproval returns the open (pending or approved) request for
// req.TaskID if one exists, otherwise inserts req. Lookup and insert share a
// transaction, so repeated calls for the same task never create a second
// open request. A pending request already past its expiry is expired in the
// same transaction rather than reused. The boolean reports whether req was
// inserted.
func (s *SQLite) FindOrCreateApproval(ctx context.Context, req *workflow.ApprovalRequest) (*workflow.ApprovalRequest, bool, error) {
	if req.TaskID == "" {
		if err := s.CreateApproval(ctx, req); err != nil {
			return nil, false, err
		}
		return req, true, nil
	}

	var (
		out     *workflow.ApprovalRequest
		created bool
		expired []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if expired, err = expireOverdueForTask(ctx, tx, req.TaskID, s.timestamp()); err != nil {
			return err
		}

		existing, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+`
			FROM approval_requests
			WHERE task_id = ? AND status IN (?, ?)
			ORDER BY created_at LIMIT 1`,
			req.TaskID, string(workflow.ApprovalPending), string(workflow.ApprovalApproved)))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup approval: %w", err)
		}
		if err := insertApproval(ctx, tx, req); err != nil {
			return err
		}
		out = req
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	for _, id := range expired {
		s.notifier.notify(id)
	}
	return out, created, nil
}

// expireOverdueForTask expires the task's pending requests whose expires_at
// is not after now and returns their IDs.
func expireOverdueForTask(ctx context.Context, tx *sql.Tx, taskID string, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM approval_requests
		WHERE task_id = ? AND status = ? AND expires_at <= ?`,
		taskID, string(workflow.ApprovalPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("find overdue approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan approval id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE approval_requests
			SET status = ?, user_comment = ?, resolved_at = ?
			WHERE id = ?`,
			string(workflow.ApprovalExpired), "expired without decision", formatTime(now), id); err != nil {
			return nil, fmt.Errorf("expire approval: %w", err)
		}
	}
	return ids, nil
}

// CreateApproval inserts a new request.
func (s *SQLite) CreateApproval(ctx context.Context, req *workflow.ApprovalRequest) error {
	return insertApproval(ctx, s.db, req)
}

func insertApproval(ctx context.Context, db execer, req *workflow.ApprovalRequest) error {
	data := req.RequestData
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return err
	}
	if req.Status == "" {
		req.Status = workflow.ApprovalPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx, `INSERT INTO approval_requests
		(id, project_id, task_id, agent_type, request_type, request_data, estimated_tokens,
		 estimated_cost, status, expires_at, user_comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ProjectID, nullString(req.TaskID), string(req.AgentType), req.RequestType, dataJSON,
		req.EstimatedTokens, req.EstimatedCost, string(req.Status), formatTime(req.ExpiresAt),
		req.UserComment, formatTime(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval request by ID.
func (s *SQLite) GetApproval(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	req, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return req, nil
}

// ListApprovals returns requests matching the filter, oldest first.
func (s *SQLite) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*workflow.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE 1 = 1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*workflow.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CountOpenApprovals counts pending or approved requests for a task.
func (s *SQLite) CountOpenApprovals(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_requests
		WHERE task_id = ? AND status IN (?, ?)`,
		taskID, string(workflow.ApprovalPending), string(workflow.ApprovalApproved)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}
	return n, nil
}

// DecideApproval resolves a pending request as approved or rejected and wakes
// any waiter. Deciding a request that is no longer pending returns
// ErrInvalidTransition.
func (s *SQLite) DecideApproval(ctx context.Context, id string, status workflow.ApprovalStatus, comment string) (*workflow.ApprovalRequest, error) {
	if status != workflow.ApprovalApproved && status != workflow.ApprovalRejected {
		return nil, fmt.Errorf("decide approval: unsupported status %q", status)
	}
	if err := s.resolveApproval(ctx, id, status, comment); err != nil {
		return nil, err
	}
	return s.GetApproval(ctx, id)
}

// ExpireApproval marks one pending request expired.
func (s *SQLite) ExpireApproval(ctx context.Context, id, comment string) error {
	return s.resolveApproval(ctx, id, workflow.ApprovalExpired, comment)
}

func (s *SQLite) resolveApproval(ctx context.Context, id string, status workflow.ApprovalStatus, comment string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approval_requests
		SET status = ?, user_comment = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(status), comment, formatTime(s.timestamp()), id, string(workflow.ApprovalPending))
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetApproval(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("approval %s is not pending: %w", id, ErrInvalidTransition)
	}
	s.notifier.notify(id)
	return nil
}

// ExpireOverdue marks every pending request whose expires_at is before now as
// expired and returns the affected requests.
func (s *SQLite) ExpireOverdue(ctx context.Context, now time.Time) ([]*workflow.ApprovalRequest, error) {
	pending, err := s.ListApprovals(ctx, ApprovalFilter{Status: workflow.ApprovalPending})
	if err != nil {
		return nil, err
	}

	var expired []*workflow.ApprovalRequest
	for _, req := range pending {
		if !req.ExpiresAt.Before(now) {
			continue
		}
		err := s.ExpireApproval(ctx, req.ID, "expired without decision")
		if errors.Is(err, ErrInvalidTransition) {
			// Decided between the list and the update.
			continue
		}
		if err != nil {
			return expired, err
		}
		req.Status = workflow.ApprovalExpired
		expired = append(expired, req)
	}
	return expired, nil
}

// WatchApproval returns a channel that receives a signal whenever the request
// is resolved through this store. Call cancel when done watching. Decisions
// made by other processes are not signalled; callers keep polling.
func (s *SQLite) WatchApproval(id string) (<-chan struct{}, func()) {
	return s.notifier.watch(id)
}

func scanApproval(row scanner) (*workflow.ApprovalRequest, error) {
	var (
		req                  workflow.ApprovalRequest
		taskID, resolvedAt   sql.NullString
		agentType, status    string
		data                 string
		expiresAt, createdAt string
	)
	if err := row.Scan(&req.ID, &req.ProjectID, &taskID, &agentType, &req.RequestType, &data,
		&req.EstimatedTokens, &req.EstimatedCost, &status, &expiresAt, &req.UserComment,
		&createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	req.TaskID = taskID.String
	req.AgentType = workflow.AgentType(agentType)
	req.Status = workflow.ApprovalStatus(status)
	if err := unmarshalJSON(data, &req.RequestData); err != nil {
		return nil, err
	}
	var err error
	if req.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return &req, nil
}
