package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resubmitLog struct {
	mu   sync.Mutex
	reqs []workflow.TaskRequest
}

func (l *resubmitLog) Resubmit(_ context.Context, req workflow.TaskRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
	return nil
}

func (l *resubmitLog) all() []workflow.TaskRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]workflow.TaskRequest(nil), l.reqs...)
}

func createTask(t *testing.T, s *storage.SQLite, id string, agentType workflow.AgentType, status workflow.TaskStatus) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), &workflow.Task{
		ID:           id,
		ProjectID:    projectID,
		AgentType:    agentType,
		Status:       status,
		Instructions: "build the login handler",
		ContextIDs:   []string{"ctx-1"},
	}))
}

func TestActions_RollbackClearsEmergencyStop(t *testing.T) {
	s := openStore(t)
	log := &eventLog{}
	ctx := context.Background()
	stop, err := s.ActivateEmergencyStop(ctx, projectID, workflow.AgentCoder, "manual halt")
	require.NoError(t, err)

	waiter := approval.NewWaiter(s, approval.WithPollInterval(10*time.Millisecond))
	m := NewManager(s,
		WithWaiter(waiter),
		WithActions(NewActions(s, WithActionsPublisher(log))),
	)
	defer m.Close()

	id, err := m.InitiateRecovery(ctx, Request{
		ProjectID:       projectID,
		TaskID:          taskID,
		AgentType:       workflow.AgentCoder,
		FailureReason:   "Emergency stop active for coder: manual halt",
		EmergencyStopID: stop.ID,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Execute(ctx, id) }()

	require.Eventually(t, func() bool {
		pending, err := s.ListApprovals(ctx, storage.ApprovalFilter{Status: workflow.ApprovalPending})
		if err != nil || len(pending) != 1 {
			return false
		}
		_, err = s.DecideApproval(ctx, pending[0].ID, workflow.ApprovalApproved, "")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not finish")
	}

	_, err = s.ActiveEmergencyStop(ctx, projectID, workflow.AgentCoder)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rs, err := s.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.RecoveryCompleted, rs.Status)
	assert.Equal(t, "cleared emergency stop "+stop.ID, rs.Steps[0].Result)
	assert.Equal(t, "original emergency stop cleared", rs.Steps[1].Result)
	assert.Equal(t, "notified", rs.Steps[2].Result)
	assert.Len(t, log.ofType(events.ChatMessage), 1)
}

func TestActions_RollbackLeavesNewerStop(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	stop, err := s.ActivateEmergencyStop(ctx, projectID, workflow.AgentCoder, "second halt")
	require.NoError(t, err)
	a := NewActions(s)

	rs := &workflow.RecoverySession{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		AgentType:       workflow.AgentCoder,
		Strategy:        workflow.StrategyRollback,
		EmergencyStopID: uuid.New().String(),
	}
	result, err := a.rollback(ctx, rs, workflow.RecoveryStep{})
	require.NoError(t, err)
	assert.Contains(t, result, "superseded")

	active, err := s.ActiveEmergencyStop(ctx, projectID, workflow.AgentCoder)
	require.NoError(t, err)
	assert.Equal(t, stop.ID, active.ID)

	// Verify refuses to pass while the session's own stop is still up.
	rs.EmergencyStopID = stop.ID
	_, err = a.verify(ctx, rs, workflow.RecoveryStep{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still active")
}

func TestActions_AbortCancelsOpenTasks(t *testing.T) {
	s := openStore(t)
	log := &eventLog{}
	ctx := context.Background()
	sibling := uuid.New().String()
	other := uuid.New().String()
	createTask(t, s, taskID, workflow.AgentCoder, workflow.TaskWorking)
	createTask(t, s, sibling, workflow.AgentCoder, workflow.TaskPending)
	createTask(t, s, other, workflow.AgentArchitect, workflow.TaskPending)

	m := NewManager(s, WithActions(NewActions(s, WithActionsPublisher(log))))
	defer m.Close()

	id, err := m.InitiateRecovery(ctx, Request{
		ProjectID:      projectID,
		TaskID:         taskID,
		AgentType:      workflow.AgentCoder,
		FailureReason:  "Budget exceeded: daily usage 950 + estimated 100 > limit 1000",
		FailureContext: map[string]any{"error_type": "budget_exceeded"},
	})
	require.NoError(t, err)
	require.NoError(t, m.Execute(ctx, id))

	for id, want := range map[string]workflow.TaskStatus{
		taskID:  workflow.TaskCancelled,
		sibling: workflow.TaskCancelled,
		other:   workflow.TaskPending,
	} {
		task, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, task.Status, id)
	}

	rs, err := s.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StrategyAbort, rs.Strategy)
	assert.Equal(t, workflow.RecoveryCompleted, rs.Status)
	assert.Equal(t, "task "+taskID+" cancelled", rs.Steps[0].Result)
	assert.Equal(t, "aborted 1 open task(s)", rs.Steps[1].Result)
	assert.Len(t, log.ofType(events.ChatMessage), 1)

	// Cleanup of a task that is already closed is not an error.
	result, err := NewActions(s).cleanup(ctx, rs, workflow.RecoveryStep{})
	require.NoError(t, err)
	assert.Contains(t, result, "already closed")
}

func TestActions_RetryResubmitsOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	createTask(t, s, taskID, workflow.AgentCoder, workflow.TaskFailed)

	resubmits := &resubmitLog{}
	m := NewManager(s, WithActions(NewActions(s, WithResubmitter(resubmits))))
	defer m.Close()

	id, err := m.InitiateRecovery(ctx, Request{
		ProjectID:      projectID,
		TaskID:         taskID,
		AgentType:      workflow.AgentCoder,
		FailureReason:  "Agent execution denied: timed out",
		FailureContext: map[string]any{"error_type": "timeout"},
	})
	require.NoError(t, err)
	require.NoError(t, m.Execute(ctx, id))

	retryID := RetryTaskID(taskID)
	reqs := resubmits.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, retryID, reqs[0].TaskID)
	assert.Equal(t, projectID, reqs[0].ProjectID)
	assert.Equal(t, "coder", reqs[0].AgentType)
	assert.Equal(t, "build the login handler", reqs[0].Instructions)
	assert.Equal(t, []string{"ctx-1"}, reqs[0].ContextIDs)

	rs, err := s.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StrategyRetry, rs.Strategy)
	assert.Equal(t, "timeout; task failed", rs.Steps[0].Result)
	assert.Equal(t, "resubmitted as "+retryID, rs.Steps[1].Result)
	assert.Equal(t, "retry "+retryID+" queued", rs.Steps[2].Result)

	// The retry fails as well; it is not retried a second time.
	createTask(t, s, retryID, workflow.AgentCoder, workflow.TaskFailed)
	second, err := m.InitiateRecovery(ctx, Request{
		ProjectID:      projectID,
		TaskID:         retryID,
		AgentType:      workflow.AgentCoder,
		FailureReason:  "Agent execution denied: timed out",
		FailureContext: map[string]any{"error_type": "timeout"},
	})
	require.NoError(t, err)
	err = m.Execute(ctx, second)
	require.ErrorIs(t, err, ErrStepFailed)
	assert.Contains(t, err.Error(), "already a retry")
	assert.Len(t, resubmits.all(), 1)
}

func TestActions_RetryWithoutResubmitterFails(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	createTask(t, s, taskID, workflow.AgentTester, workflow.TaskFailed)
	a := NewActions(s)

	_, err := a.retry(ctx, &workflow.RecoverySession{ProjectID: projectID, TaskID: taskID}, workflow.RecoveryStep{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no resubmitter")
}

func TestRetryTaskID_Deterministic(t *testing.T) {
	assert.Equal(t, RetryTaskID(taskID), RetryTaskID(taskID))
	assert.NotEqual(t, taskID, RetryTaskID(taskID))
	_, err := uuid.Parse(RetryTaskID(taskID))
	assert.NoError(t, err)
}
