// Package events implements the priority notification bus that broadcasts
// task, agent, approval and recovery state changes to project-scoped and
// global subscribers.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semcrew/workflow"
	"github.com/oklog/ulid/v2"
)

// Type names an event.
type Type string

const (
	TaskStarted        Type = "task_started"
	TaskCompleted      Type = "task_completed"
	TaskFailed         Type = "task_failed"
	ChatMessage        Type = "chat_message"
	AgentStatusChange  Type = "agent_status_change"
	HITLRequestCreated Type = "hitl_request_created"
	HITLRequestExpired Type = "hitl_request_expired"
	RecoveryUpdate     Type = "recovery_update"
	EmergencyStop      Type = "emergency_stop"
	HandoffCreated     Type = "handoff_created"
)

// Priority orders delivery tiers. HIGH and CRITICAL deliveries are retried.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Retried reports whether failed deliveries at this priority are requeued.
func (p Priority) Retried() bool {
	return p >= PriorityHigh
}

// ParsePriority converts a priority name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Event is one state change. Events are ephemeral; only the retry queue
// keeps them after the first delivery attempt.
type Event struct {
	ID         string             `json:"id"`
	Type       Type               `json:"type"`
	ProjectID  string             `json:"project_id,omitempty"`
	TaskID     string             `json:"task_id,omitempty"`
	AgentType  workflow.AgentType `json:"agent_type,omitempty"`
	Data       map[string]any     `json:"data,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Priority   Priority           `json:"priority"`
	RetryCount int                `json:"retry_count"`
	MaxRetries int                `json:"max_retries"`
}

// New creates an event with a fresh ULID and the current time.
func New(eventType Type, projectID string, priority Priority, data map[string]any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		ProjectID: projectID,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
	}
}

// ForTask sets the task and agent the event refers to.
func (e Event) ForTask(taskID string, agentType workflow.AgentType) Event {
	e.TaskID = taskID
	e.AgentType = agentType
	return e
}

// Subscriber receives events. Returning an error marks the delivery failed.
type Subscriber interface {
	Deliver(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event) error

// Deliver calls f.
func (f SubscriberFunc) Deliver(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Publisher is the write side of the bus used by other components.
type Publisher interface {
	Broadcast(ctx context.Context, ev Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Broadcast(context.Context, Event) {}
