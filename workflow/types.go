// Package workflow defines the semcrew domain model: tasks moving through the
// delivery phases, the context artifacts and handoffs that connect agents, and
// the safety records (approvals, budgets, emergency stops, recovery sessions)
// that gate every execution.
package workflow

import (
	"fmt"
	"time"
)

// AgentType identifies a specialized agent in the delivery pipeline.
type AgentType string

const (
	AgentAnalyst   AgentType = "analyst"
	AgentArchitect AgentType = "architect"
	AgentCoder     AgentType = "coder"
	AgentTester    AgentType = "tester"
	AgentDeployer  AgentType = "deployer"
)

// AgentTypes lists the known agent types in pipeline order.
var AgentTypes = []AgentType{
	AgentAnalyst,
	AgentArchitect,
	AgentCoder,
	AgentTester,
	AgentDeployer,
}

// String returns the string representation of the agent type.
func (a AgentType) String() string {
	return string(a)
}

// IsValid returns true if the agent type is one of the known agents.
func (a AgentType) IsValid() bool {
	switch a {
	case AgentAnalyst, AgentArchitect, AgentCoder, AgentTester, AgentDeployer:
		return true
	default:
		return false
	}
}

// ParseAgentType converts a string into a known AgentType.
func ParseAgentType(s string) (AgentType, error) {
	a := AgentType(s)
	if !a.IsValid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return a, nil
}

// Phase names used by the trigger evaluator and handoffs.
const (
	PhaseAnalysis = "analysis"
	PhaseDesign   = "design"
	PhaseBuild    = "build"
	PhaseTest     = "test"
	PhaseLaunch   = "launch"
)

// Phase returns the delivery phase the agent type owns.
func (a AgentType) Phase() string {
	switch a {
	case AgentAnalyst:
		return PhaseAnalysis
	case AgentArchitect:
		return PhaseDesign
	case AgentCoder:
		return PhaseBuild
	case AgentTester:
		return PhaseTest
	case AgentDeployer:
		return PhaseLaunch
	default:
		return ""
	}
}

// Next returns the agent that receives the handoff after this agent's phase.
// The second return value is false for the last agent in the pipeline.
func (a AgentType) Next() (AgentType, bool) {
	for i, t := range AgentTypes {
		if t == a && i+1 < len(AgentTypes) {
			return AgentTypes[i+1], true
		}
	}
	return "", false
}

// AgentState is the coarse execution state of one agent type.
type AgentState string

const (
	AgentIdle           AgentState = "idle"
	AgentWorking        AgentState = "working"
	AgentWaitingForHITL AgentState = "waiting_for_hitl"
	AgentError          AgentState = "error"
)

// AgentStatus is the tracked state of one agent type.
type AgentStatus struct {
	AgentType     AgentType  `json:"agent_type"`
	Status        AgentState `json:"status"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	LastActivity  time.Time  `json:"last_activity"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}
