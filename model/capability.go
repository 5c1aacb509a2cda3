// Package model resolves agent types to LLM endpoints. Each agent type maps
// to a semantic capability, and each capability to an ordered fallback chain
// of named endpoints.
package model

import "github.com/c360studio/semcrew/workflow"

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityPlanning is for architecture and design reasoning.
	CapabilityPlanning Capability = "planning"

	// CapabilityWriting is for requirements and analysis documents.
	CapabilityWriting Capability = "writing"

	// CapabilityCoding is for code generation.
	CapabilityCoding Capability = "coding"

	// CapabilityReviewing is for test design and quality review.
	CapabilityReviewing Capability = "reviewing"

	// CapabilityFast is for quick, low-cost responses.
	CapabilityFast Capability = "fast"
)

// agentCapabilities maps each agent type to its default capability.
var agentCapabilities = map[workflow.AgentType]Capability{
	workflow.AgentAnalyst:   CapabilityWriting,
	workflow.AgentArchitect: CapabilityPlanning,
	workflow.AgentCoder:     CapabilityCoding,
	workflow.AgentTester:    CapabilityReviewing,
	workflow.AgentDeployer:  CapabilityFast,
}

// CapabilityForAgent returns the default capability for an agent type.
// Unknown agent types get CapabilityFast.
func CapabilityForAgent(a workflow.AgentType) Capability {
	if c, ok := agentCapabilities[a]; ok {
		return c
	}
	return CapabilityFast
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityPlanning, CapabilityWriting, CapabilityCoding, CapabilityReviewing, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
