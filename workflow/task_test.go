package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTaskID    = "0b5f4c59-9c1e-4a53-8b55-3f3b5f3a6f10"
	testProjectID = "5a1c0a52-3b55-4c6e-9b71-0c7d8f6f2a11"
	testContextID = "9e2d2e61-79a5-4a4d-9b1f-7c7a8e4b3d12"
)

func validRequest() TaskRequest {
	return TaskRequest{
		TaskID:       testTaskID,
		ProjectID:    testProjectID,
		AgentType:    "analyst",
		Instructions: "analyze X",
		ContextIDs:   []string{testContextID},
	}
}

func TestTaskRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *TaskRequest)
		wantErr string
	}{
		{name: "valid request", mutate: func(r *TaskRequest) {}},
		{name: "missing task_id", mutate: func(r *TaskRequest) { r.TaskID = "" }, wantErr: "task_id"},
		{name: "malformed task_id", mutate: func(r *TaskRequest) { r.TaskID = "task-1" }, wantErr: "task_id must be a UUID"},
		{name: "missing project_id", mutate: func(r *TaskRequest) { r.ProjectID = "" }, wantErr: "project_id"},
		{name: "malformed project_id", mutate: func(r *TaskRequest) { r.ProjectID = "p" }, wantErr: "project_id must be a UUID"},
		{name: "missing agent_type", mutate: func(r *TaskRequest) { r.AgentType = "" }, wantErr: "agent_type"},
		{name: "unknown agent_type", mutate: func(r *TaskRequest) { r.AgentType = "poet" }, wantErr: "unknown agent_type"},
		{name: "blank instructions", mutate: func(r *TaskRequest) { r.Instructions = "  " }, wantErr: "instructions"},
		{name: "malformed context id", mutate: func(r *TaskRequest) { r.ContextIDs = []string{testContextID, "nope"} }, wantErr: "context_ids[1]"},
		{name: "unknown from_agent", mutate: func(r *TaskRequest) { r.FromAgent = "poet" }, wantErr: "from_agent"},
		{name: "negative estimate", mutate: func(r *TaskRequest) { r.EstimatedTokens = -1 }, wantErr: "estimated_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %v", err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestTaskRequest_NewTask(t *testing.T) {
	req := validRequest()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	task := req.NewTask(started)

	assert.Equal(t, testTaskID, task.ID)
	assert.Equal(t, AgentAnalyst, task.AgentType)
	assert.Equal(t, TaskWorking, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, started, *task.StartedAt)

	// The task must not alias the request's slice.
	req.ContextIDs[0] = "changed"
	assert.Equal(t, testContextID, task.ContextIDs[0])
}

func TestTaskStatus_Transitions(t *testing.T) {
	all := []TaskStatus{TaskPending, TaskWorking, TaskCompleted, TaskFailed, TaskCancelled}

	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			if from.IsTerminal() {
				assert.False(t, got, "%s -> %s must be rejected", from, to)
			}
		}
	}

	assert.True(t, TaskPending.CanTransitionTo(TaskWorking))
	assert.False(t, TaskPending.CanTransitionTo(TaskCompleted))
	assert.True(t, TaskWorking.CanTransitionTo(TaskWorking))
	assert.True(t, TaskWorking.CanTransitionTo(TaskCompleted))
	assert.True(t, TaskWorking.CanTransitionTo(TaskFailed))
	assert.False(t, TaskWorking.CanTransitionTo(TaskPending))
}

func TestAgentType_PhaseAndNext(t *testing.T) {
	tests := []struct {
		agent   AgentType
		phase   string
		next    AgentType
		hasNext bool
	}{
		{AgentAnalyst, PhaseAnalysis, AgentArchitect, true},
		{AgentArchitect, PhaseDesign, AgentCoder, true},
		{AgentCoder, PhaseBuild, AgentTester, true},
		{AgentTester, PhaseTest, AgentDeployer, true},
		{AgentDeployer, PhaseLaunch, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.agent), func(t *testing.T) {
			assert.Equal(t, tt.phase, tt.agent.Phase())
			next, ok := tt.agent.Next()
			assert.Equal(t, tt.hasNext, ok)
			assert.Equal(t, tt.next, next)
		})
	}

	_, err := ParseAgentType("poet")
	assert.Error(t, err)
}
