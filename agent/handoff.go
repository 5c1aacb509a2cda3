package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semcrew/workflow"
	"github.com/google/uuid"
)

// phaseOutputs lists what each agent type is expected to produce.
var phaseOutputs = map[workflow.AgentType][]string{
	workflow.AgentAnalyst:   {"requirements", "user_stories", "acceptance_criteria"},
	workflow.AgentArchitect: {"architecture", "component_design", "api_contracts"},
	workflow.AgentCoder:     {"implementation", "unit_tests"},
	workflow.AgentTester:    {"test_report", "defects"},
	workflow.AgentDeployer:  {"deployment_plan", "release_notes"},
}

// ExpectedOutputs returns the deliverables for an agent type.
func ExpectedOutputs(a workflow.AgentType) []string {
	return append([]string(nil), phaseOutputs[a]...)
}

// BuildHandoff creates the default handoff from a completed task to the
// agent type `to`. Instructions come from the result's "next_steps" or
// "summary" output when present.
func BuildHandoff(to workflow.AgentType, in HandoffInput) (*workflow.Handoff, error) {
	if in.Task == nil {
		return nil, fmt.Errorf("build handoff: task is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Continue the %s phase using the %s output.", to.Phase(), in.Task.AgentType)
	if summary := outputString(in.Result.Output, "summary"); summary != "" {
		fmt.Fprintf(&b, "\n\nPrevious phase summary: %s", summary)
	}
	if next := outputString(in.Result.Output, "next_steps"); next != "" {
		fmt.Fprintf(&b, "\n\nNext steps: %s", next)
	}

	h := &workflow.Handoff{
		ID:              uuid.New().String(),
		FromAgent:       in.Task.AgentType,
		ToAgent:         to,
		ProjectID:       in.Task.ProjectID,
		Phase:           to.Phase(),
		ContextIDs:      append(append([]string(nil), in.Task.ContextIDs...), in.ArtifactIDs...),
		Instructions:    b.String(),
		ExpectedOutputs: ExpectedOutputs(to),
		Priority:        in.Priority,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("build handoff: %w", err)
	}
	return h, nil
}

func outputString(out map[string]any, key string) string {
	switch v := out[key].(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}
