package workflow

import (
	"time"

	"github.com/google/uuid"
)

// ContextArtifact is an immutable piece of context produced by an agent.
// Tasks and handoffs reference artifacts by ID.
type ContextArtifact struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	SourceAgent  AgentType      `json:"source_agent"`
	ArtifactType string         `json:"artifact_type"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewContextArtifact creates an artifact with a generated ID.
func NewContextArtifact(projectID string, source AgentType, artifactType, content string, metadata map[string]any) *ContextArtifact {
	return &ContextArtifact{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		SourceAgent:  source,
		ArtifactType: artifactType,
		Content:      content,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
}

// Handoff is the instruction package passed from one phase's agent to the next.
type Handoff struct {
	ID              string    `json:"id"`
	FromAgent       AgentType `json:"from_agent"`
	ToAgent         AgentType `json:"to_agent"`
	ProjectID       string    `json:"project_id"`
	Phase           string    `json:"phase"`
	ContextIDs      []string  `json:"context_ids"`
	Instructions    string    `json:"instructions"`
	ExpectedOutputs []string  `json:"expected_outputs,omitempty"`
	Priority        int       `json:"priority"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks that a handoff names both agents and a project.
func (h *Handoff) Validate() error {
	if !h.FromAgent.IsValid() {
		return &ValidationError{Field: "from_agent", Message: "unknown from_agent " + string(h.FromAgent)}
	}
	if !h.ToAgent.IsValid() {
		return &ValidationError{Field: "to_agent", Message: "unknown to_agent " + string(h.ToAgent)}
	}
	if h.ProjectID == "" {
		return &ValidationError{Field: "project_id", Message: "project_id is required"}
	}
	if h.Instructions == "" {
		return &ValidationError{Field: "instructions", Message: "instructions is required"}
	}
	return nil
}
