package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/workflow"
)

// Execute runs the session's remaining steps in order. Steps that require
// approval block on a human decision for at most their timeout. A failed
// step, or a gated step that is not approved, fails the session. If ctx is
// cancelled the current step returns to PENDING so a later Execute resumes
// from it.
func (m *Manager) Execute(ctx context.Context, id string) error {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	s.run.Lock()
	defer s.run.Unlock()

	if done := s.snapshot(); done.Status.IsDone() {
		m.finish(id)
		return nil
	}

	m.update(s, func(rs *workflow.RecoverySession) {
		rs.Status = workflow.RecoveryInProgress
	})

	for {
		rs := s.snapshot()
		if rs.CurrentStep >= len(rs.Steps) {
			break
		}
		idx := rs.CurrentStep

		started := m.now().UTC()
		step := m.update(s, func(rs *workflow.RecoverySession) {
			st := &rs.Steps[idx]
			st.Status = workflow.StepRunning
			st.StartedAt = &started
		}).Steps[idx]
		if err := m.persist(ctx, s, "step_running", &step); err != nil {
			return err
		}

		result, stepErr := m.runStep(ctx, s.snapshot(), step)
		if ctx.Err() != nil {
			m.update(s, func(rs *workflow.RecoverySession) {
				rs.Steps[idx].Status = workflow.StepPending
				rs.Steps[idx].StartedAt = nil
			})
			if err := m.store.SaveRecoverySession(context.WithoutCancel(ctx), s.snapshot()); err != nil {
				m.logger.Warn("Failed to save interrupted recovery session", "session_id", id, "error", err)
			}
			return ctx.Err()
		}

		completed := m.now().UTC()
		if stepErr != nil {
			step = m.update(s, func(rs *workflow.RecoverySession) {
				st := &rs.Steps[idx]
				st.Status = workflow.StepFailed
				st.Result = stepErr.Error()
				st.CompletedAt = &completed
				rs.Status = workflow.RecoveryFailed
			}).Steps[idx]
			m.auditStep(ctx, s.snapshot(), step)
			if err := m.persist(ctx, s, "step_failed", &step); err != nil {
				return err
			}
			m.finish(id)
			return fmt.Errorf("%w: %s: %v", ErrStepFailed, step.ActionType, stepErr)
		}

		step = m.update(s, func(rs *workflow.RecoverySession) {
			st := &rs.Steps[idx]
			st.Status = workflow.StepCompleted
			st.Result = result
			st.CompletedAt = &completed
			rs.CurrentStep = idx + 1
		}).Steps[idx]
		m.auditStep(ctx, s.snapshot(), step)
		if err := m.persist(ctx, s, "step_completed", &step); err != nil {
			return err
		}
	}

	m.update(s, func(rs *workflow.RecoverySession) {
		rs.Status = workflow.RecoveryCompleted
	})
	if err := m.persist(ctx, s, "completed", nil); err != nil {
		return err
	}
	m.finish(id)
	m.logger.Info("Recovery completed", "session_id", id)
	return nil
}

// runStep waits for approval when required, then calls the step's handler.
func (m *Manager) runStep(ctx context.Context, rs *workflow.RecoverySession, step workflow.RecoveryStep) (string, error) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second

	if step.RequiresApproval {
		if err := m.awaitApproval(ctx, rs, step, timeout); err != nil {
			return "", err
		}
	}

	h, ok := m.handlers[step.ActionType]
	if !ok {
		m.logger.Info("No handler for recovery action, recording step",
			"session_id", rs.ID, "action_type", step.ActionType)
		return "recorded", nil
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return h.Handle(stepCtx, rs, step)
}

func (m *Manager) awaitApproval(ctx context.Context, rs *workflow.RecoverySession, step workflow.RecoveryStep, timeout time.Duration) error {
	if m.waiter == nil {
		return fmt.Errorf("step %s requires approval but no approval waiter is configured", step.ActionType)
	}

	req := workflow.NewApprovalRequest(rs.ProjectID, "", rs.AgentType, workflow.RequestRecoveryStep, timeout)
	req.RequestData = map[string]any{
		"session_id":  rs.ID,
		"step_id":     step.ID,
		"action_type": step.ActionType,
		"description": step.Description,
		"strategy":    string(rs.Strategy),
		"task_id":     rs.TaskID,
	}
	if err := m.store.CreateApproval(ctx, req); err != nil {
		return fmt.Errorf("create step approval: %w", err)
	}
	m.metrics.ApprovalCreated(workflow.RequestRecoveryStep)
	m.events.Broadcast(ctx, events.New(events.HITLRequestCreated, rs.ProjectID, events.PriorityHigh, map[string]any{
		"approval_id":  req.ID,
		"request_type": req.RequestType,
		"session_id":   rs.ID,
		"action_type":  step.ActionType,
		"expires_at":   req.ExpiresAt,
	}).ForTask(rs.TaskID, rs.AgentType))

	out, err := m.waiter.Wait(ctx, req.ID, timeout)
	if err != nil {
		return err
	}
	if !out.Approved() {
		return fmt.Errorf("approval %s: %s", out.Status, out.Comment)
	}
	return nil
}

// update applies fn to the session under its data lock and returns a copy.
func (m *Manager) update(s *session, fn func(rs *workflow.RecoverySession)) *workflow.RecoverySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
	s.data.UpdatedAt = m.now().UTC()
	return s.data.Clone()
}

func (m *Manager) persist(ctx context.Context, s *session, transition string, step *workflow.RecoveryStep) error {
	rs := s.snapshot()
	if err := m.store.SaveRecoverySession(ctx, rs); err != nil {
		return fmt.Errorf("save recovery session: %w", err)
	}
	m.broadcast(ctx, rs, transition, step)
	return nil
}

func (m *Manager) broadcast(ctx context.Context, rs *workflow.RecoverySession, transition string, step *workflow.RecoveryStep) {
	data := map[string]any{
		"session_id":   rs.ID,
		"strategy":     string(rs.Strategy),
		"status":       string(rs.Status),
		"transition":   transition,
		"current_step": rs.CurrentStep,
		"total_steps":  rs.TotalSteps(),
	}
	if step != nil {
		data["step_id"] = step.ID
		data["action_type"] = step.ActionType
		data["step_status"] = string(step.Status)
	}
	m.events.Broadcast(ctx, events.New(events.RecoveryUpdate, rs.ProjectID, events.PriorityHigh, data).
		ForTask(rs.TaskID, rs.AgentType))
}

func (m *Manager) auditStep(ctx context.Context, rs *workflow.RecoverySession, step workflow.RecoveryStep) {
	audit.Write(ctx, m.audit, m.logger, audit.Entry{
		EventType: audit.RecoveryStep,
		Actor:     "recovery-manager",
		Data: map[string]any{
			"session_id":  rs.ID,
			"step_id":     step.ID,
			"action_type": step.ActionType,
			"status":      string(step.Status),
			"result":      step.Result,
		},
	})
}
