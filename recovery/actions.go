package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/google/uuid"
)

// retryNamespace seeds the IDs of tasks resubmitted by a retry step.
var retryNamespace = uuid.MustParse("6f1d7c2e-3a4b-5c6d-8e9f-0a1b2c3d4e5f")

// RetryTaskID returns the ID a retry step gives the fresh attempt of taskID.
// It is deterministic, so a retry step that runs twice resubmits the same task.
func RetryTaskID(taskID string) string {
	return uuid.NewSHA1(retryNamespace, []byte(taskID)).String()
}

// ActionStore is the persistence the built-in step handlers act on.
type ActionStore interface {
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*workflow.Task, error)
	CancelTask(ctx context.Context, taskID, reason string) error
	ActiveEmergencyStop(ctx context.Context, projectID string, agentType workflow.AgentType) (*workflow.EmergencyStop, error)
	DeactivateEmergencyStop(ctx context.Context, projectID string, agentType workflow.AgentType) error
	ListRecoverySessions(ctx context.Context, projectID string) ([]*workflow.RecoverySession, error)
}

// Resubmitter queues a fresh attempt of a failed task.
type Resubmitter interface {
	Resubmit(ctx context.Context, req workflow.TaskRequest) error
}

// ResubmitFunc adapts a function to Resubmitter.
type ResubmitFunc func(ctx context.Context, req workflow.TaskRequest) error

// Resubmit calls f.
func (f ResubmitFunc) Resubmit(ctx context.Context, req workflow.TaskRequest) error {
	return f(ctx, req)
}

// Actions implements the step handlers for every planned action type.
type Actions struct {
	store    ActionStore
	resubmit Resubmitter
	events   events.Publisher
	logger   *slog.Logger
}

// ActionsOption configures Actions.
type ActionsOption func(*Actions)

// WithResubmitter sets where retry steps send the fresh attempt.
func WithResubmitter(r Resubmitter) ActionsOption {
	return func(a *Actions) { a.resubmit = r }
}

// WithActionsPublisher sets where notify steps broadcast.
func WithActionsPublisher(p events.Publisher) ActionsOption {
	return func(a *Actions) {
		if p != nil {
			a.events = p
		}
	}
}

// WithActionsLogger sets the logger.
func WithActionsLogger(logger *slog.Logger) ActionsOption {
	return func(a *Actions) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewActions creates the built-in handlers.
func NewActions(store ActionStore, opts ...ActionsOption) *Actions {
	a := &Actions{
		store:  store,
		events: events.Discard,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithActions registers every handler of a on the manager.
func WithActions(a *Actions) Option {
	return func(m *Manager) {
		for action, h := range map[string]StepHandlerFunc{
			ActionRollback: a.rollback,
			ActionVerify:   a.verify,
			ActionNotify:   a.notify,
			ActionAnalyze:  a.analyze,
			ActionRetry:    a.retry,
			ActionSkip:     a.skip,
			ActionContinue: a.proceed,
			ActionCleanup:  a.cleanup,
			ActionAbort:    a.abort,
		} {
			m.handlers[action] = h
		}
	}
}

// rollback clears the emergency stop the failure raised. A stop that has
// since been replaced by a newer one is left active.
func (a *Actions) rollback(ctx context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	if rs.EmergencyStopID == "" {
		return "no emergency stop to clear", nil
	}
	stop, err := a.store.ActiveEmergencyStop(ctx, rs.ProjectID, rs.AgentType)
	if errors.Is(err, storage.ErrNotFound) {
		return "emergency stop already cleared", nil
	}
	if err != nil {
		return "", fmt.Errorf("get emergency stop: %w", err)
	}
	if stop.ID != rs.EmergencyStopID {
		return fmt.Sprintf("emergency stop %s superseded by %s; left active", rs.EmergencyStopID, stop.ID), nil
	}
	if err := a.store.DeactivateEmergencyStop(ctx, rs.ProjectID, rs.AgentType); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("deactivate emergency stop: %w", err)
	}
	a.logger.Info("Emergency stop cleared by recovery",
		"session_id", rs.ID, "emergency_stop_id", stop.ID, "agent_type", rs.AgentType)
	return "cleared emergency stop " + stop.ID, nil
}

// verify checks the outcome of the step before it.
func (a *Actions) verify(ctx context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	switch rs.Strategy {
	case workflow.StrategyRollback:
		if rs.EmergencyStopID == "" {
			return "nothing to verify", nil
		}
		stop, err := a.store.ActiveEmergencyStop(ctx, rs.ProjectID, rs.AgentType)
		if errors.Is(err, storage.ErrNotFound) {
			return "no emergency stop active", nil
		}
		if err != nil {
			return "", fmt.Errorf("get emergency stop: %w", err)
		}
		if stop.ID == rs.EmergencyStopID {
			return "", fmt.Errorf("emergency stop %s is still active", stop.ID)
		}
		return "original emergency stop cleared", nil

	case workflow.StrategyRetry:
		if rs.TaskID == "" {
			return "nothing to verify", nil
		}
		retryID := RetryTaskID(rs.TaskID)
		t, err := a.store.GetTask(ctx, retryID)
		if errors.Is(err, storage.ErrNotFound) {
			return "retry " + retryID + " queued", nil
		}
		if err != nil {
			return "", fmt.Errorf("get retry task: %w", err)
		}
		if t.Status == workflow.TaskFailed || t.Status == workflow.TaskCancelled {
			return "", fmt.Errorf("retry %s %s: %s", retryID, t.Status, t.ErrorMessage)
		}
		return fmt.Sprintf("retry %s %s", retryID, t.Status), nil
	}
	return "nothing to verify", nil
}

func (a *Actions) notify(ctx context.Context, rs *workflow.RecoverySession, step workflow.RecoveryStep) (string, error) {
	a.events.Broadcast(ctx, events.New(events.ChatMessage, rs.ProjectID, events.PriorityHigh, map[string]any{
		"content":             fmt.Sprintf("Recovery %s (%s): %s", rs.ID, rs.Strategy, rs.FailureReason),
		"recovery_session_id": rs.ID,
		"step_id":             step.ID,
	}).ForTask(rs.TaskID, rs.AgentType))
	return "notified", nil
}

// analyze records the failure classification and the task's final state.
func (a *Actions) analyze(ctx context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	errorType, _ := rs.FailureContext["error_type"].(string)
	if errorType == "" {
		errorType = "unclassified"
	}
	if rs.TaskID == "" {
		return errorType, nil
	}
	t, err := a.store.GetTask(ctx, rs.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorType + "; task not recorded", nil
	}
	if err != nil {
		return "", fmt.Errorf("get task: %w", err)
	}
	return fmt.Sprintf("%s; task %s", errorType, t.Status), nil
}

// retry resubmits the failed task under RetryTaskID. A task that is itself
// a retry is not retried again.
func (a *Actions) retry(ctx context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	if rs.TaskID == "" {
		return "no task to retry", nil
	}
	if a.resubmit == nil {
		return "", fmt.Errorf("no resubmitter configured")
	}
	t, err := a.store.GetTask(ctx, rs.TaskID)
	if err != nil {
		return "", fmt.Errorf("get task %s: %w", rs.TaskID, err)
	}
	origin, err := a.retryOrigin(ctx, t)
	if err != nil {
		return "", err
	}
	if origin != "" {
		return "", fmt.Errorf("task %s is already a retry of %s", t.ID, origin)
	}

	req := workflow.TaskRequest{
		TaskID:       RetryTaskID(t.ID),
		ProjectID:    t.ProjectID,
		AgentType:    string(t.AgentType),
		Instructions: t.Instructions,
		ContextIDs:   t.ContextIDs,
	}
	if err := a.resubmit.Resubmit(ctx, req); err != nil {
		return "", fmt.Errorf("resubmit task: %w", err)
	}
	a.logger.Info("Task resubmitted by recovery", "session_id", rs.ID, "task_id", t.ID, "retry_task_id", req.TaskID)
	return "resubmitted as " + req.TaskID, nil
}

// retryOrigin returns the task t was retried from, if any.
func (a *Actions) retryOrigin(ctx context.Context, t *workflow.Task) (string, error) {
	sessions, err := a.store.ListRecoverySessions(ctx, t.ProjectID)
	if err != nil {
		return "", fmt.Errorf("list recovery sessions: %w", err)
	}
	for _, s := range sessions {
		if s.TaskID != "" && s.TaskID != t.ID && RetryTaskID(s.TaskID) == t.ID {
			return s.TaskID, nil
		}
	}
	return "", nil
}

// skip cancels the failed task if it is still open so the workflow can move on.
func (a *Actions) skip(ctx context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	return a.cancelTask(ctx, rs, "skipped by recovery: "+rs.FailureReason)
}

func (a *Actions) proceed(_ context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	next, ok := rs.AgentType.Next()
	if !ok {
		return "workflow continues", nil
	}
	return "workflow continues with " + string(next), nil
}

// cleanup closes the failed task if it is still open.
func (a *Actions) cleanup(ctx context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	return a.cancelTask(ctx, rs, "cleaned up by recovery: "+rs.FailureReason)
}

// abort cancels every open task of the session's project and agent type.
func (a *Actions) abort(ctx context.Context, rs *workflow.RecoverySession, _ workflow.RecoveryStep) (string, error) {
	tasks, err := a.store.ListTasks(ctx, rs.ProjectID)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if t.AgentType != rs.AgentType || t.Status.IsTerminal() {
			continue
		}
		err := a.store.CancelTask(ctx, t.ID, "aborted by recovery: "+rs.FailureReason)
		if errors.Is(err, storage.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("cancel task %s: %w", t.ID, err)
		}
		n++
	}
	a.logger.Info("Workflow aborted by recovery", "session_id", rs.ID, "agent_type", rs.AgentType, "cancelled", n)
	return fmt.Sprintf("aborted %d open task(s)", n), nil
}

func (a *Actions) cancelTask(ctx context.Context, rs *workflow.RecoverySession, reason string) (string, error) {
	if rs.TaskID == "" {
		return "no task", nil
	}
	err := a.store.CancelTask(ctx, rs.TaskID, reason)
	switch {
	case err == nil:
		return "task " + rs.TaskID + " cancelled", nil
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrNotFound):
		return "task " + rs.TaskID + " already closed", nil
	default:
		return "", fmt.Errorf("cancel task: %w", err)
	}
}
