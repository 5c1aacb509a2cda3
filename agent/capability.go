package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/semcrew/workflow"
)

// ExecutionResult is what an agent backend reports for one task.
type ExecutionResult struct {
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
}

// HandoffInput is the context a capability needs to package work for the
// next phase.
type HandoffInput struct {
	Task        *workflow.Task
	Result      ExecutionResult
	ArtifactIDs []string
	Priority    int
}

// Capability executes tasks for one agent type.
type Capability interface {
	// ExecuteTask runs the task with the inbound handoff (nil for the first
	// phase) and resolved context artifacts. A returned error and an
	// unsuccessful result are both treated as backend failures.
	ExecuteTask(ctx context.Context, task *workflow.Task, handoff *workflow.Handoff, artifacts []*workflow.ContextArtifact) (ExecutionResult, error)

	// CreateHandoff packages a completed task for the agent type `to`.
	CreateHandoff(ctx context.Context, to workflow.AgentType, in HandoffInput) (*workflow.Handoff, error)
}

// Registry maps agent types to their capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[workflow.AgentType]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[workflow.AgentType]Capability)}
}

// Register sets the capability for an agent type, replacing any existing one.
func (r *Registry) Register(agentType workflow.AgentType, c Capability) error {
	if !agentType.IsValid() {
		return fmt.Errorf("register capability: unknown agent type %q", agentType)
	}
	if c == nil {
		return fmt.Errorf("register capability %s: nil capability", agentType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[agentType] = c
	return nil
}

// Get returns the capability for an agent type.
func (r *Registry) Get(agentType workflow.AgentType) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[agentType]
	return c, ok
}
