package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/semcrew/llm"
	"github.com/c360studio/semcrew/model"
	"github.com/c360studio/semcrew/workflow"
)

// LLMCapability runs an agent type's tasks through an LLM.
type LLMCapability struct {
	agentType   workflow.AgentType
	client      llm.Completer
	capability  model.Capability
	temperature *float64
	maxTokens   int
	logger      *slog.Logger
}

// LLMOption configures an LLMCapability.
type LLMOption func(*LLMCapability)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(c *LLMCapability) { c.temperature = &t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) LLMOption {
	return func(c *LLMCapability) { c.maxTokens = n }
}

// WithModelCapability overrides the capability used for endpoint selection.
func WithModelCapability(mc model.Capability) LLMOption {
	return func(c *LLMCapability) { c.capability = mc }
}

// WithLLMLogger sets the logger.
func WithLLMLogger(logger *slog.Logger) LLMOption {
	return func(c *LLMCapability) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewLLMCapability creates the LLM-backed capability for an agent type.
func NewLLMCapability(agentType workflow.AgentType, client llm.Completer, opts ...LLMOption) *LLMCapability {
	c := &LLMCapability{
		agentType:  agentType,
		client:     client,
		capability: model.CapabilityForAgent(agentType),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterLLMCapabilities registers an LLMCapability for every known agent type.
func RegisterLLMCapabilities(r *Registry, client llm.Completer, opts ...LLMOption) error {
	for _, a := range workflow.AgentTypes {
		if err := r.Register(a, NewLLMCapability(a, client, opts...)); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteTask asks the model for the agent's deliverables. LLM failures are
// reported as an unsuccessful result; a completion without a JSON object is
// kept verbatim under "content".
func (c *LLMCapability) ExecuteTask(ctx context.Context, task *workflow.Task, handoff *workflow.Handoff, artifacts []*workflow.ContextArtifact) (ExecutionResult, error) {
	resp, err := c.client.Complete(ctx, llm.Request{
		Capability: c.capability,
		Messages: []llm.Message{
			{Role: "system", Content: SystemPrompt(c.agentType)},
			{Role: "user", Content: UserPrompt(task, handoff, artifacts)},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ExecutionResult{}, ctx.Err()
		}
		return ExecutionResult{Success: false, Error: fmt.Sprintf("LLM completion: %v", err)}, nil
	}

	c.logger.Debug("LLM response received",
		"agent_type", c.agentType,
		"task_id", task.ID,
		"model", resp.Model,
		"tokens_used", resp.Usage.TotalTokens)

	output := map[string]any{}
	if err := llm.DecodeJSON(resp.Content, &output); err != nil {
		if !errors.Is(err, llm.ErrNoJSON) {
			c.logger.Debug("Completion JSON malformed, keeping raw content", "task_id", task.ID, "error", err)
		}
		output = map[string]any{"content": resp.Content}
	}
	output["model"] = resp.Model

	return ExecutionResult{
		Success:    true,
		Output:     output,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// CreateHandoff builds the default handoff.
func (c *LLMCapability) CreateHandoff(_ context.Context, to workflow.AgentType, in HandoffInput) (*workflow.Handoff, error) {
	return BuildHandoff(to, in)
}
