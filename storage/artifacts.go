package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/c360studio/semcrew/workflow"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveArtifact stores an immutable context artifact.
func (s *SQLite) SaveArtifact(ctx context.Context, a *workflow.ContextArtifact) error {
	return insertArtifact(ctx, s.db, a)
}

func insertArtifact(ctx context.Context, db execer, a *workflow.ContextArtifact) error {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		return fmt.Errorf("artifact %s has no created_at", a.ID)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO context_artifacts
		(id, project_id, source_agent, artifact_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, string(a.SourceAgent), a.ArtifactType, a.Content, metaJSON, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetArtifacts returns the artifacts with the given IDs in request order.
// IDs that do not exist are skipped; the caller compares lengths if it cares.
func (s *SQLite) GetArtifacts(ctx context.Context, ids []string) ([]*workflow.ContextArtifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, source_agent, artifact_type, content, metadata, created_at
		FROM context_artifacts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*workflow.ContextArtifact, len(ids))
	for rows.Next() {
		var (
			a                workflow.ContextArtifact
			source, metadata string
			createdAt        string
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &source, &a.ArtifactType, &a.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.SourceAgent = workflow.AgentType(source)
		if err := unmarshalJSON(metadata, &a.Metadata); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		byID[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*workflow.ContextArtifact, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// SaveHandoff stores a handoff between phases.
func (s *SQLite) SaveHandoff(ctx context.Context, h *workflow.Handoff) error {
	ids, err := marshalJSON(nonNilStrings(h.ContextIDs))
	if err != nil {
		return err
	}
	outputs, err := marshalJSON(nonNilStrings(h.ExpectedOutputs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO handoffs
		(id, from_agent, to_agent, project_id, phase, context_ids, instructions, expected_outputs, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, string(h.FromAgent), string(h.ToAgent), h.ProjectID, h.Phase, ids, h.Instructions,
		outputs, h.Priority, formatTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

// ListHandoffs returns a project's handoffs in creation order.
func (s *SQLite) ListHandoffs(ctx context.Context, projectID string) ([]*workflow.Handoff, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, from_agent, to_agent, project_id, phase, context_ids,
		instructions, expected_outputs, priority, created_at
		FROM handoffs WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Handoff
	for rows.Next() {
		var (
			h            workflow.Handoff
			from, to     string
			ids, outputs string
			createdAt    string
		)
		if err := rows.Scan(&h.ID, &from, &to, &h.ProjectID, &h.Phase, &ids, &h.Instructions,
			&outputs, &h.Priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scan handoff: %w", err)
		}
		h.FromAgent = workflow.AgentType(from)
		h.ToAgent = workflow.AgentType(to)
		if err := unmarshalJSON(ids, &h.ContextIDs); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(outputs, &h.ExpectedOutputs); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
