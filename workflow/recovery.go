package workflow

import "time"

// Strategy is the remediation approach chosen for a failure.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyRollback Strategy = "rollback"
	StrategyContinue Strategy = "continue"
	StrategyAbort    Strategy = "abort"
)

// RecoveryStatus is the lifecycle state of a recovery session.
type RecoveryStatus string

const (
	RecoveryInitiated  RecoveryStatus = "initiated"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
)

// IsDone returns true once the session can no longer advance.
func (s RecoveryStatus) IsDone() bool {
	return s == RecoveryCompleted || s == RecoveryFailed
}

// StepStatus is the state of a single recovery step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// RecoveryStep is one ordered action in a recovery plan.
type RecoveryStep struct {
	ID               string         `json:"id"`
	Description      string         `json:"description"`
	ActionType       string         `json:"action_type"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	TimeoutSeconds   int            `json:"timeout_seconds"`
	Status           StepStatus     `json:"status"`
	Result           string         `json:"result,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// RecoverySession tracks the remediation of one failure.
type RecoverySession struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	TaskID          string         `json:"task_id,omitempty"`
	AgentType       AgentType      `json:"agent_type"`
	FailureReason   string         `json:"failure_reason"`
	FailureContext  map[string]any `json:"failure_context,omitempty"`
	EmergencyStopID string         `json:"emergency_stop_id,omitempty"`
	Strategy        Strategy       `json:"strategy"`
	Steps           []RecoveryStep `json:"steps"`
	CurrentStep     int            `json:"current_step"`
	Status          RecoveryStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TotalSteps returns the number of steps in the plan.
func (s *RecoverySession) TotalSteps() int {
	return len(s.Steps)
}

// Clone returns a copy that shares neither the step slice nor the failure context.
func (s *RecoverySession) Clone() *RecoverySession {
	c := *s
	c.Steps = make([]RecoveryStep, len(s.Steps))
	copy(c.Steps, s.Steps)
	if s.FailureContext != nil {
		c.FailureContext = make(map[string]any, len(s.FailureContext))
		for k, v := range s.FailureContext {
			c.FailureContext[k] = v
		}
	}
	return &c
}
