package agent

import (
	"fmt"
	"strings"

	"github.com/c360studio/semcrew/workflow"
)

var rolePrompts = map[workflow.AgentType]string{
	workflow.AgentAnalyst: `You are the requirements analyst on a software delivery team.
Turn the request into clear requirements, user stories and acceptance criteria.
Call out ambiguities instead of guessing.`,
	workflow.AgentArchitect: `You are the software architect on a software delivery team.
Design the components, their responsibilities and the contracts between them.
Prefer the simplest design that meets the requirements.`,
	workflow.AgentCoder: `You are the developer on a software delivery team.
Implement the design as working code with unit tests.
Follow the contracts you were handed exactly.`,
	workflow.AgentTester: `You are the test engineer on a software delivery team.
Verify the implementation against the acceptance criteria and report defects
with reproduction steps.`,
	workflow.AgentDeployer: `You are the release engineer on a software delivery team.
Produce a deployment plan with rollback steps and release notes.`,
}

const outputContract = "Respond with a single JSON object containing:\n" +
	"- \"summary\": one paragraph describing what you produced\n" +
	"- %s\n" +
	"- \"next_steps\": what the next phase should focus on\n" +
	"- \"confidence\": a number between 0 and 1\n" +
	"Add these only when they apply:\n" +
	"- \"conflict_severity\": low, medium, high or critical if the work conflicts with the requirements or a handed-off contract\n" +
	"- \"safety_violation\": a description if completing the task would need an unsafe or destructive action\n"

// SystemPrompt returns the system prompt for an agent type.
func SystemPrompt(a workflow.AgentType) string {
	role, ok := rolePrompts[a]
	if !ok {
		role = "You are a member of a software delivery team."
	}

	outputs := ExpectedOutputs(a)
	fields := make([]string, len(outputs))
	for i, o := range outputs {
		fields[i] = fmt.Sprintf("%q", o)
	}
	deliverables := "\"content\": your deliverable"
	if len(fields) > 0 {
		deliverables = strings.Join(fields, ", ") + ": your deliverables"
	}
	return role + "\n\n" + fmt.Sprintf(outputContract, deliverables)
}

// UserPrompt renders the task, inbound handoff and context artifacts.
func UserPrompt(task *workflow.Task, handoff *workflow.Handoff, artifacts []*workflow.ContextArtifact) string {
	var b strings.Builder
	b.WriteString("## Task\n\n")
	b.WriteString(task.Instructions)
	b.WriteString("\n")

	if handoff != nil {
		fmt.Fprintf(&b, "\n## Handoff from %s\n\n%s\n", handoff.FromAgent, handoff.Instructions)
		if len(handoff.ExpectedOutputs) > 0 {
			fmt.Fprintf(&b, "\nExpected outputs: %s\n", strings.Join(handoff.ExpectedOutputs, ", "))
		}
	}

	if len(artifacts) > 0 {
		b.WriteString("\n## Context\n")
		for _, a := range artifacts {
			fmt.Fprintf(&b, "\n### %s from %s\n\n%s\n", a.ArtifactType, a.SourceAgent, a.Content)
		}
	}
	return b.String()
}
