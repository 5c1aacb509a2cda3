// Package hitl decides when a human must approve an action. The Evaluator
// maps workflow signals to approval requests under an oversight level; the
// Gate runs the emergency-stop, budget and approval checks before every task
// execution.
package hitl

import (
	"fmt"
	"strings"
)

// OversightLevel controls how aggressively conditions escalate to a human.
type OversightLevel string

const (
	OversightLow    OversightLevel = "low"
	OversightMedium OversightLevel = "medium"
	OversightHigh   OversightLevel = "high"
)

// IsValid returns true for the three known levels.
func (l OversightLevel) IsValid() bool {
	switch l {
	case OversightLow, OversightMedium, OversightHigh:
		return true
	default:
		return false
	}
}

// ParseOversightLevel converts a case-insensitive name to a level.
func ParseOversightLevel(s string) (OversightLevel, error) {
	l := OversightLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", fmt.Errorf("unknown oversight level %q", s)
	}
	return l, nil
}

// Condition names a workflow signal that may need human approval.
type Condition string

const (
	ConditionPhaseCompletion  Condition = "phase_completion"
	ConditionQualityThreshold Condition = "quality_threshold"
	ConditionConflictDetected Condition = "conflict_detected"
	ConditionAgentError       Condition = "agent_error"
	ConditionBudgetExceeded   Condition = "budget_exceeded"
	ConditionSafetyViolation  Condition = "safety_violation"
)

// IsValid returns true for known conditions.
func (c Condition) IsValid() bool {
	switch c {
	case ConditionPhaseCompletion, ConditionQualityThreshold, ConditionConflictDetected,
		ConditionAgentError, ConditionBudgetExceeded, ConditionSafetyViolation:
		return true
	default:
		return false
	}
}

// ConditionConfig enables one condition and sets how long its requests stay open.
type ConditionConfig struct {
	Condition    Condition `yaml:"condition" json:"condition"`
	Enabled      bool      `yaml:"enabled" json:"enabled"`
	TimeoutHours float64   `yaml:"timeout_hours" json:"timeout_hours"`
}

// TriggerConfig holds the condition list, in evaluation order, and the
// thresholds the levels apply.
type TriggerConfig struct {
	Conditions []ConditionConfig `yaml:"conditions" json:"conditions"`

	// ConfidenceThreshold is the minimum acceptable output confidence.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	// MediumConfidenceFactor scales the threshold at MEDIUM oversight.
	MediumConfidenceFactor float64 `yaml:"medium_confidence_factor" json:"medium_confidence_factor"`
	// MediumPhases are the phases whose completion is reviewed at MEDIUM.
	MediumPhases []string `yaml:"medium_phases" json:"medium_phases"`
	// MediumConflictSeverities are the severities reviewed at MEDIUM.
	MediumConflictSeverities []string `yaml:"medium_conflict_severities" json:"medium_conflict_severities"`
	// CriticalErrorTypes always escalate, even at LOW.
	CriticalErrorTypes []string `yaml:"critical_error_types" json:"critical_error_types"`
	// MaxErrorRetries escalates repeated agent errors at MEDIUM.
	MaxErrorRetries int `yaml:"max_error_retries" json:"max_error_retries"`
	// BudgetRatioLimit is the usage ratio reviewed at MEDIUM.
	BudgetRatioLimit float64 `yaml:"budget_ratio_limit" json:"budget_ratio_limit"`
}

// DefaultTriggerConfig returns every condition enabled with the default thresholds.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Conditions: []ConditionConfig{
			{Condition: ConditionSafetyViolation, Enabled: true, TimeoutHours: 1},
			{Condition: ConditionBudgetExceeded, Enabled: true, TimeoutHours: 1},
			{Condition: ConditionAgentError, Enabled: true, TimeoutHours: 2},
			{Condition: ConditionConflictDetected, Enabled: true, TimeoutHours: 6},
			{Condition: ConditionQualityThreshold, Enabled: true, TimeoutHours: 12},
			{Condition: ConditionPhaseCompletion, Enabled: true, TimeoutHours: 24},
		},
		ConfidenceThreshold:      0.7,
		MediumConfidenceFactor:   0.8,
		MediumPhases:             []string{"build", "launch"},
		MediumConflictSeverities: []string{"high", "critical"},
		CriticalErrorTypes:       []string{"security", "data_loss", "system_failure"},
		MaxErrorRetries:          3,
		BudgetRatioLimit:         1.0,
	}
}

// Validate checks the configuration.
func (c TriggerConfig) Validate() error {
	seen := make(map[Condition]bool, len(c.Conditions))
	for i, cc := range c.Conditions {
		if !cc.Condition.IsValid() {
			return fmt.Errorf("conditions[%d]: unknown condition %q", i, cc.Condition)
		}
		if seen[cc.Condition] {
			return fmt.Errorf("conditions[%d]: duplicate condition %q", i, cc.Condition)
		}
		seen[cc.Condition] = true
		if cc.TimeoutHours <= 0 {
			return fmt.Errorf("conditions[%d]: timeout_hours must be positive", i)
		}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1")
	}
	if c.MediumConfidenceFactor <= 0 || c.MediumConfidenceFactor > 1 {
		return fmt.Errorf("medium_confidence_factor must be in (0, 1]")
	}
	if c.MaxErrorRetries < 0 {
		return fmt.Errorf("max_error_retries must be non-negative")
	}
	if c.BudgetRatioLimit <= 0 {
		return fmt.Errorf("budget_ratio_limit must be positive")
	}
	return nil
}

// condition returns the configuration for c, or false when it is not listed.
func (c TriggerConfig) condition(cond Condition) (ConditionConfig, bool) {
	for _, cc := range c.Conditions {
		if cc.Condition == cond {
			return cc, true
		}
	}
	return ConditionConfig{}, false
}

// clone returns a copy that shares no slices with c.
func (c TriggerConfig) clone() TriggerConfig {
	out := c
	out.Conditions = append([]ConditionConfig(nil), c.Conditions...)
	out.MediumPhases = append([]string(nil), c.MediumPhases...)
	out.MediumConflictSeverities = append([]string(nil), c.MediumConflictSeverities...)
	out.CriticalErrorTypes = append([]string(nil), c.CriticalErrorTypes...)
	return out
}

// TriggerContext carries the signals for one evaluation. A condition only
// applies when its signal is present.
type TriggerContext struct {
	TaskID    string
	AgentType string
	// Phase is set when a phase just completed.
	Phase string
	// Confidence is the agent's self-reported confidence in [0, 1].
	Confidence *float64
	// ConflictSeverity is low, medium, high or critical.
	ConflictSeverity string
	// ErrorType classifies an agent error; RetryCount is how often it recurred.
	ErrorType  string
	RetryCount int
	// BudgetRatio is the highest used/limit ratio of the scope.
	BudgetRatio float64
	// Violation describes a safety violation.
	Violation string
	// Details is copied into the request data.
	Details map[string]any
}

func (tc TriggerContext) has(c Condition) bool {
	switch c {
	case ConditionPhaseCompletion:
		return tc.Phase != ""
	case ConditionQualityThreshold:
		return tc.Confidence != nil
	case ConditionConflictDetected:
		return tc.ConflictSeverity != ""
	case ConditionAgentError:
		return tc.ErrorType != ""
	case ConditionBudgetExceeded:
		return tc.BudgetRatio > 0
	case ConditionSafetyViolation:
		return tc.Violation != ""
	default:
		return false
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
