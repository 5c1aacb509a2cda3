package workflow

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the state of a human approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsOpen returns true for statuses that count toward the one-per-task limit.
func (s ApprovalStatus) IsOpen() bool {
	return s == ApprovalPending || s == ApprovalApproved
}

// IsResolved returns true once a human (or the expiry sweep) decided the request.
func (s ApprovalStatus) IsResolved() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// Request types written by the gate, evaluator, and recovery manager.
const (
	RequestAgentExecution = "agent_execution"
	RequestRecoveryStep   = "recovery_step"
)

// ApprovalRequest asks a human to approve an action before it proceeds.
// At most one pending or approved request exists per task.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	TaskID          string         `json:"task_id,omitempty"`
	AgentType       AgentType      `json:"agent_type,omitempty"`
	RequestType     string         `json:"request_type"`
	RequestData     map[string]any `json:"request_data,omitempty"`
	EstimatedTokens int            `json:"estimated_tokens"`
	EstimatedCost   float64        `json:"estimated_cost"`
	Status          ApprovalStatus `json:"status"`
	ExpiresAt       time.Time      `json:"expires_at"`
	UserComment     string         `json:"user_comment,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// NewApprovalRequest creates a pending request expiring after ttl.
func NewApprovalRequest(projectID, taskID string, agentType AgentType, requestType string, ttl time.Duration) *ApprovalRequest {
	now := time.Now().UTC()
	return &ApprovalRequest{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		TaskID:      taskID,
		AgentType:   agentType,
		RequestType: requestType,
		RequestData: map[string]any{},
		Status:      ApprovalPending,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
}

// BudgetControl holds the token ceilings and running usage for one
// (project, agent type) scope. A zero limit means unlimited.
type BudgetControl struct {
	ProjectID            string    `json:"project_id"`
	AgentType            AgentType `json:"agent_type"`
	DailyTokenLimit      int       `json:"daily_token_limit"`
	SessionTokenLimit    int       `json:"session_token_limit"`
	EmergencyStopEnabled bool      `json:"emergency_stop_enabled"`

	DailyTokensUsed   int    `json:"daily_tokens_used"`
	SessionTokensUsed int    `json:"session_tokens_used"`
	UsageDate         string `json:"usage_date,omitempty"`
}

// UsageDateFormat is the layout of BudgetControl.UsageDate.
const UsageDateFormat = "2006-01-02"

// DailyUsed returns today's usage, treating a stale usage date as zero.
func (b *BudgetControl) DailyUsed(now time.Time) int {
	if b.UsageDate != now.UTC().Format(UsageDateFormat) {
		return 0
	}
	return b.DailyTokensUsed
}

// BudgetBreach describes which limit a projected usage would exceed.
type BudgetBreach struct {
	Limit     string
	Used      int
	Estimated int
	Max       int
}

// Check compares current usage plus estimated against both limits.
// Reaching a limit exactly is allowed; exceeding it is a breach.
func (b *BudgetControl) Check(estimated int, now time.Time) *BudgetBreach {
	daily := b.DailyUsed(now)
	if b.DailyTokenLimit > 0 && daily+estimated > b.DailyTokenLimit {
		return &BudgetBreach{Limit: "daily", Used: daily, Estimated: estimated, Max: b.DailyTokenLimit}
	}
	if b.SessionTokenLimit > 0 && b.SessionTokensUsed+estimated > b.SessionTokenLimit {
		return &BudgetBreach{Limit: "session", Used: b.SessionTokensUsed, Estimated: estimated, Max: b.SessionTokenLimit}
	}
	return nil
}

// UsageRatio returns the highest used/limit ratio across configured limits.
func (b *BudgetControl) UsageRatio(now time.Time) float64 {
	var ratio float64
	if b.DailyTokenLimit > 0 {
		ratio = float64(b.DailyUsed(now)) / float64(b.DailyTokenLimit)
	}
	if b.SessionTokenLimit > 0 {
		if r := float64(b.SessionTokensUsed) / float64(b.SessionTokenLimit); r > ratio {
			ratio = r
		}
	}
	return ratio
}

// EmergencyStop is a per-project, per-agent kill switch.
type EmergencyStop struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	AgentType     AgentType  `json:"agent_type"`
	Active        bool       `json:"active"`
	Reason        string     `json:"reason"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}
