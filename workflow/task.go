package workflow

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskWorking   TaskStatus = "working"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskWorking, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransitionTo returns true if the status can move to target.
// WORKING -> WORKING is allowed so a retried attempt can re-enter the pipeline.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskPending:
		return target == TaskWorking || target == TaskCancelled
	case TaskWorking:
		return target == TaskWorking || target.IsTerminal()
	default:
		return false
	}
}

// Task is one unit of work assigned to an agent.
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	AgentType    AgentType  `json:"agent_type"`
	Status       TaskStatus `json:"status"`
	Instructions string     `json:"instructions"`
	ContextIDs   []string   `json:"context_ids,omitempty"`

	// Output holds the backend's result once the task completed.
	Output       any        `json:"output,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TaskRequest is the inbound shape delivered by the queueing layer.
type TaskRequest struct {
	TaskID       string `json:"task_id"`
	ProjectID    string `json:"project_id"`
	AgentType    string `json:"agent_type"`
	Instructions string `json:"instructions"`

	ContextIDs      []string `json:"context_ids,omitempty"`
	FromAgent       string   `json:"from_agent,omitempty"`
	ExpectedOutputs []string `json:"expected_outputs,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	EstimatedTokens int      `json:"estimated_tokens,omitempty"`
}

// ValidationError reports a malformed field in a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks required fields and identifier formats.
// It never touches storage, so a failure has no side effects.
func (r *TaskRequest) Validate() error {
	if r.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if _, err := uuid.Parse(r.TaskID); err != nil {
		return &ValidationError{Field: "task_id", Message: "task_id must be a UUID"}
	}
	if r.ProjectID == "" {
		return &ValidationError{Field: "project_id", Message: "project_id is required"}
	}
	if _, err := uuid.Parse(r.ProjectID); err != nil {
		return &ValidationError{Field: "project_id", Message: "project_id must be a UUID"}
	}
	if r.AgentType == "" {
		return &ValidationError{Field: "agent_type", Message: "agent_type is required"}
	}
	if !AgentType(r.AgentType).IsValid() {
		return &ValidationError{Field: "agent_type", Message: "unknown agent_type " + r.AgentType}
	}
	if strings.TrimSpace(r.Instructions) == "" {
		return &ValidationError{Field: "instructions", Message: "instructions is required"}
	}
	for i, id := range r.ContextIDs {
		if _, err := uuid.Parse(id); err != nil {
			return &ValidationError{
				Field:   "context_ids",
				Message: "context_ids[" + strconv.Itoa(i) + "] must be a UUID",
			}
		}
	}
	if r.FromAgent != "" && !AgentType(r.FromAgent).IsValid() {
		return &ValidationError{Field: "from_agent", Message: "unknown from_agent " + r.FromAgent}
	}
	if r.EstimatedTokens < 0 {
		return &ValidationError{Field: "estimated_tokens", Message: "estimated_tokens must not be negative"}
	}
	return nil
}

// NewTask builds the WORKING task row for a validated request.
func (r *TaskRequest) NewTask(startedAt time.Time) *Task {
	return &Task{
		ID:           r.TaskID,
		ProjectID:    r.ProjectID,
		AgentType:    AgentType(r.AgentType),
		Status:       TaskWorking,
		Instructions: r.Instructions,
		ContextIDs:   append([]string(nil), r.ContextIDs...),
		StartedAt:    &startedAt,
	}
}
