package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetControl_CheckBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	budget := &BudgetControl{
		DailyTokenLimit: 1000,
		DailyTokensUsed: 950,
		UsageDate:       now.Format(UsageDateFormat),
	}

	tests := []struct {
		name      string
		estimated int
		breach    bool
	}{
		{"well under", 49, false},
		{"exactly at limit", 50, false},
		{"one over", 51, true},
		{"far over", 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breach := budget.Check(tt.estimated, now)
			if !tt.breach {
				assert.Nil(t, breach)
				return
			}
			require.NotNil(t, breach)
			assert.Equal(t, "daily", breach.Limit)
			assert.Equal(t, 950, breach.Used)
			assert.Equal(t, 1000, breach.Max)
		})
	}
}

func TestBudgetControl_DailyRollover(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
	budget := &BudgetControl{
		DailyTokenLimit: 1000,
		DailyTokensUsed: 999,
		UsageDate:       "2026-03-01",
	}

	assert.Equal(t, 0, budget.DailyUsed(now))
	assert.Nil(t, budget.Check(1000, now))
}

func TestBudgetControl_SessionLimit(t *testing.T) {
	now := time.Now()
	budget := &BudgetControl{SessionTokenLimit: 500, SessionTokensUsed: 400}

	assert.Nil(t, budget.Check(100, now))
	breach := budget.Check(101, now)
	require.NotNil(t, breach)
	assert.Equal(t, "session", breach.Limit)
	assert.InDelta(t, 0.8, budget.UsageRatio(now), 0.0001)
}

func TestBudgetControl_ZeroMeansUnlimited(t *testing.T) {
	budget := &BudgetControl{}
	assert.Nil(t, budget.Check(1_000_000, time.Now()))
	assert.Zero(t, budget.UsageRatio(time.Now()))
}

func TestApprovalStatus(t *testing.T) {
	assert.True(t, ApprovalPending.IsOpen())
	assert.True(t, ApprovalApproved.IsOpen())
	assert.False(t, ApprovalRejected.IsOpen())
	assert.False(t, ApprovalExpired.IsOpen())
	assert.False(t, ApprovalPending.IsResolved())
	assert.True(t, ApprovalExpired.IsResolved())
}

func TestNewApprovalRequest(t *testing.T) {
	req := NewApprovalRequest(testProjectID, testTaskID, AgentCoder, RequestAgentExecution, 30*time.Minute)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, ApprovalPending, req.Status)
	assert.WithinDuration(t, req.CreatedAt.Add(30*time.Minute), req.ExpiresAt, time.Second)
}
