package hitl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/recovery"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mu     sync.Mutex
	states []workflow.AgentState
}

func (r *statusRecorder) SetStatus(_ context.Context, agentType workflow.AgentType, state workflow.AgentState, taskID, _ string) workflow.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return workflow.AgentStatus{AgentType: agentType, Status: state, CurrentTaskID: taskID}
}

func (r *statusRecorder) seen() []workflow.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workflow.AgentState(nil), r.states...)
}

func noApproval() GateConfig {
	cfg := DefaultGateConfig()
	cfg.RequireApproval = false
	return cfg
}

func gateRequest(agent workflow.AgentType, tokens int) GateRequest {
	return GateRequest{
		ProjectID:       projectID,
		TaskID:          taskID,
		AgentType:       agent,
		EstimatedTokens: tokens,
		Instructions:    "analyze X",
	}
}

func setUsage(t *testing.T, s *storage.SQLite, limit, used int, emergency bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SetBudget(ctx, &workflow.BudgetControl{
		ProjectID:            projectID,
		AgentType:            workflow.AgentAnalyst,
		DailyTokenLimit:      limit,
		EmergencyStopEnabled: emergency,
	}))
	require.NoError(t, s.AddTokenUsage(ctx, projectID, workflow.AgentAnalyst, used, time.Now()))
}

func TestGate_BudgetBoundary(t *testing.T) {
	tests := []struct {
		name      string
		estimated int
		wantOk    bool
	}{
		{"well under", 49, true},
		{"exactly at limit", 50, true},
		{"one over", 51, false},
		{"far over", 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			setUsage(t, s, 1000, 950, false)
			g := NewGate(s, nil, noApproval())

			res, err := g.Check(context.Background(), gateRequest(workflow.AgentAnalyst, tt.estimated))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOk, res.Ok, res.String())
			if !tt.wantOk {
				assert.Equal(t, workflow.KindBudgetExceeded, res.Kind)
				assert.Equal(t, string(ConditionBudgetExceeded), res.Condition)
			}
		})
	}
}

func TestGate_BudgetBreachStartsAbortRecovery(t *testing.T) {
	s := openStore(t)
	setUsage(t, s, 1000, 950, true)
	log := &eventLog{}
	rm := recovery.NewManager(s)
	defer rm.Close()
	g := NewGate(s, nil, noApproval(), WithRecovery(rm), WithGatePublisher(log))
	ctx := context.Background()

	res, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 100))
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.NotEmpty(t, res.RecoverySessionID)
	require.NotEmpty(t, res.EmergencyStopID)

	rs, err := s.GetRecoverySession(ctx, res.RecoverySessionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StrategyAbort, rs.Strategy)
	assert.Equal(t, res.EmergencyStopID, rs.EmergencyStopID)

	stop, err := s.ActiveEmergencyStop(ctx, projectID, workflow.AgentAnalyst)
	require.NoError(t, err)
	assert.Equal(t, res.EmergencyStopID, stop.ID)
	assert.Len(t, log.ofType(events.EmergencyStop), 1)

	// The stop now blocks even a small request.
	res, err = g.Check(ctx, gateRequest(workflow.AgentAnalyst, 1))
	require.NoError(t, err)
	assert.Equal(t, workflow.KindEmergencyStop, res.Kind)
}

func TestGate_EmergencyStopScope(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, err := s.ActivateEmergencyStop(ctx, projectID, workflow.AgentAnalyst, "manual")
	require.NoError(t, err)
	g := NewGate(s, nil, noApproval())

	res, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 10))
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.Equal(t, workflow.KindEmergencyStop, res.Kind)
	assert.Equal(t, ConditionEmergencyStop, res.Condition)

	res, err = g.Check(ctx, gateRequest(workflow.AgentArchitect, 10))
	require.NoError(t, err)
	assert.True(t, res.Ok)

	other := gateRequest(workflow.AgentAnalyst, 10)
	other.ProjectID = otherProj
	res, err = g.Check(ctx, other)
	require.NoError(t, err)
	assert.True(t, res.Ok)
}

func TestGate_EmergencyStopStartsRollbackRecovery(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	stop, err := s.ActivateEmergencyStop(ctx, projectID, workflow.AgentAnalyst, "manual halt")
	require.NoError(t, err)
	rm := recovery.NewManager(s)
	defer rm.Close()
	g := NewGate(s, nil, noApproval(), WithRecovery(rm))

	res, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 10))
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.NotEmpty(t, res.RecoverySessionID)
	assert.Equal(t, stop.ID, res.EmergencyStopID)

	rs, err := s.GetRecoverySession(ctx, res.RecoverySessionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StrategyRollback, rs.Strategy)
	assert.Equal(t, stop.ID, rs.EmergencyStopID)
	assert.Equal(t, "emergency_stop", rs.FailureContext["error_type"])
	assert.Equal(t, stop.ID, rs.FailureContext["emergency_stop_id"])

	// A second denial of the same task joins the open session.
	again, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 10))
	require.NoError(t, err)
	assert.Equal(t, res.RecoverySessionID, again.RecoverySessionID)
	sessions, err := s.ListRecoverySessions(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestGate_ApprovalDenialStartsRecovery(t *testing.T) {
	tests := []struct {
		name          string
		decide        bool
		wantStrategy  workflow.Strategy
		wantErrorType string
	}{
		{"rejected", true, workflow.StrategyRetry, "approval_rejected"},
		{"timed out", false, workflow.StrategyRetry, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			rm := recovery.NewManager(s)
			defer rm.Close()
			waiter := approval.NewWaiter(s, approval.WithPollInterval(10*time.Millisecond))
			cfg := DefaultGateConfig()
			if !tt.decide {
				cfg.ApprovalTimeout = 30 * time.Millisecond
			}
			g := NewGate(s, waiter, cfg, WithRecovery(rm))
			ctx := context.Background()

			if tt.decide {
				go decideWhenPending(t, s, workflow.ApprovalRejected, "not now")
			}

			res, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 10))
			require.NoError(t, err)
			require.False(t, res.Ok)
			require.NotEmpty(t, res.RecoverySessionID)

			rs, err := s.GetRecoverySession(ctx, res.RecoverySessionID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStrategy, rs.Strategy)
			assert.Equal(t, tt.wantErrorType, rs.FailureContext["error_type"])
			assert.Equal(t, res.ApprovalID, rs.FailureContext["approval_id"])
			assert.Equal(t, taskID, rs.TaskID)
		})
	}
}

func TestGate_DenialWithRetryPendingSkipsRecovery(t *testing.T) {
	s := openStore(t)
	rm := recovery.NewManager(s)
	defer rm.Close()
	waiter := approval.NewWaiter(s, approval.WithPollInterval(10*time.Millisecond))
	g := NewGate(s, waiter, DefaultGateConfig(), WithRecovery(rm))
	ctx := context.Background()

	go decideWhenPending(t, s, workflow.ApprovalRejected, "not yet")

	req := gateRequest(workflow.AgentAnalyst, 10)
	req.RetryPending = true
	res, err := g.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Ok)
	assert.Empty(t, res.RecoverySessionID)

	sessions, err := s.ListRecoverySessions(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGate_ApprovalGranted(t *testing.T) {
	s := openStore(t)
	log := &eventLog{}
	status := &statusRecorder{}
	waiter := approval.NewWaiter(s, approval.WithPollInterval(10*time.Millisecond))
	cfg := DefaultGateConfig()
	cfg.UnitPrice = 0.01
	g := NewGate(s, waiter, cfg, WithGatePublisher(log), WithStatusSetter(status))
	ctx := context.Background()

	go decideWhenPending(t, s, workflow.ApprovalApproved, "")

	res, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 200))
	require.NoError(t, err)
	assert.True(t, res.Ok)
	require.NotEmpty(t, res.ApprovalID)

	req, err := s.GetApproval(ctx, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, 200, req.EstimatedTokens)
	assert.InDelta(t, 2.0, req.EstimatedCost, 1e-9)
	assert.WithinDuration(t, req.CreatedAt.Add(30*time.Minute), req.ExpiresAt, time.Second)

	assert.Len(t, log.ofType(events.HITLRequestCreated), 1)
	assert.Equal(t, []workflow.AgentState{workflow.AgentWaitingForHITL, workflow.AgentWorking}, status.seen())
}

func TestGate_ApprovalRejected(t *testing.T) {
	s := openStore(t)
	waiter := approval.NewWaiter(s, approval.WithPollInterval(10*time.Millisecond))
	g := NewGate(s, waiter, DefaultGateConfig())

	go decideWhenPending(t, s, workflow.ApprovalRejected, "not now")

	res, err := g.Check(context.Background(), gateRequest(workflow.AgentAnalyst, 10))
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.Equal(t, workflow.KindExecutionDenied, res.Kind)
	assert.Equal(t, "Agent execution denied: not now", res.Detail)
	assert.Equal(t, ConditionAgentExecution, res.Condition)
}

func TestGate_ApprovalTimesOut(t *testing.T) {
	s := openStore(t)
	waiter := approval.NewWaiter(s, approval.WithPollInterval(10*time.Millisecond))
	cfg := DefaultGateConfig()
	cfg.ApprovalTimeout = 30 * time.Millisecond
	g := NewGate(s, waiter, cfg)

	res, err := g.Check(context.Background(), gateRequest(workflow.AgentAnalyst, 10))
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.Equal(t, workflow.KindExecutionDenied, res.Kind)
	assert.Equal(t, "Agent execution denied: timed out", res.Detail)

	req, err := s.GetApproval(context.Background(), res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ApprovalExpired, req.Status)
}

func TestGate_RepeatedChecksShareOneApproval(t *testing.T) {
	s := openStore(t)
	waiter := approval.NewWaiter(s, approval.WithPollInterval(10*time.Millisecond))
	g := NewGate(s, waiter, DefaultGateConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]workflow.Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 10))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool {
		n, err := s.CountOpenApprovals(ctx, taskID)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	n, err := s.CountOpenApprovals(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListApprovals(ctx, storage.ApprovalFilter{TaskID: taskID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = s.DecideApproval(ctx, pending[0].ID, workflow.ApprovalApproved, "")
	require.NoError(t, err)
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.Ok)
		assert.Equal(t, pending[0].ID, res.ApprovalID)
	}

	// An already approved request is reused without waiting.
	res, err := g.Check(ctx, gateRequest(workflow.AgentAnalyst, 10))
	require.NoError(t, err)
	assert.True(t, res.Ok)
	assert.Equal(t, pending[0].ID, res.ApprovalID)
}

func TestGate_RecordUsage(t *testing.T) {
	s := openStore(t)
	setUsage(t, s, 1000, 0, false)
	g := NewGate(s, nil, noApproval())
	ctx := context.Background()

	require.NoError(t, g.RecordUsage(ctx, projectID, workflow.AgentAnalyst, 400))
	require.NoError(t, g.RecordUsage(ctx, projectID, workflow.AgentAnalyst, 0))

	b, err := s.GetBudget(ctx, projectID, workflow.AgentAnalyst)
	require.NoError(t, err)
	assert.Equal(t, 400, b.DailyTokensUsed)

	ratio, err := g.BudgetRatio(ctx, projectID, workflow.AgentAnalyst)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, ratio, 1e-9)

	ratio, err = g.BudgetRatio(ctx, otherProj, workflow.AgentAnalyst)
	require.NoError(t, err)
	assert.Zero(t, ratio)
}

func decideWhenPending(t *testing.T, s *storage.SQLite, status workflow.ApprovalStatus, comment string) {
	ctx := context.Background()
	assert.Eventually(t, func() bool {
		pending, err := s.ListApprovals(ctx, storage.ApprovalFilter{Status: workflow.ApprovalPending})
		if err != nil || len(pending) == 0 {
			return false
		}
		_, err = s.DecideApproval(ctx, pending[0].ID, status, comment)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}
