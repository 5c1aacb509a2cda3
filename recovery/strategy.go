// Package recovery classifies task failures, plans ordered remediation steps
// and drives recovery sessions to completion.
package recovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/semcrew/workflow"
	"github.com/google/uuid"
)

// Step action types.
const (
	ActionRollback = "rollback"
	ActionVerify   = "verify"
	ActionNotify   = "notify"
	ActionAnalyze  = "analyze"
	ActionRetry    = "retry"
	ActionSkip     = "skip"
	ActionContinue = "continue"
	ActionCleanup  = "cleanup"
	ActionAbort    = "abort"
)

// classifierRules are checked in order; the first keyword found wins.
var classifierRules = []struct {
	keyword  string
	strategy workflow.Strategy
}{
	{"budget", workflow.StrategyAbort},
	{"timeout", workflow.StrategyRetry},
	{"emergency", workflow.StrategyRollback},
	{"validation", workflow.StrategyContinue},
}

// ClassifyStrategy picks a strategy from the failure reason and the string
// values of the failure context. Unmatched failures are retried.
func ClassifyStrategy(reason string, failureContext map[string]any) workflow.Strategy {
	haystack := strings.ToLower(reason + " " + contextText(failureContext))
	for _, rule := range classifierRules {
		if strings.Contains(haystack, rule.keyword) {
			return rule.strategy
		}
	}
	return workflow.StrategyRetry
}

// contextText joins string values in key order so classification does not
// depend on map iteration.
func contextText(fc map[string]any) string {
	keys := make([]string, 0, len(fc))
	for k := range fc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := fc[k].(type) {
		case string:
			parts = append(parts, v)
		case fmt.Stringer:
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, " ")
}

type stepTemplate struct {
	action           string
	description      string
	requiresApproval bool
	timeoutSeconds   int
}

var templates = map[workflow.Strategy][]stepTemplate{
	workflow.StrategyRollback: {
		{ActionRollback, "Roll back changes made by the failed task", true, 600},
		{ActionVerify, "Verify the system is back in its previous state", false, 300},
		{ActionNotify, "Notify stakeholders of the rollback", false, 60},
	},
	workflow.StrategyRetry: {
		{ActionAnalyze, "Analyze the failure before retrying", false, 300},
		{ActionRetry, "Retry the failed task", false, 1800},
		{ActionVerify, "Verify the retried task succeeded", false, 300},
	},
	workflow.StrategyContinue: {
		{ActionSkip, "Skip the failed task", true, 300},
		{ActionContinue, "Continue the workflow with the next task", false, 60},
	},
	workflow.StrategyAbort: {
		{ActionCleanup, "Clean up partial results of the workflow", false, 300},
		{ActionAbort, "Abort the workflow", false, 60},
		{ActionNotify, "Notify stakeholders of the abort", false, 60},
	},
}

// PlanSteps returns fresh PENDING steps for a strategy.
func PlanSteps(strategy workflow.Strategy, req Request) []workflow.RecoveryStep {
	tmpl := templates[strategy]
	steps := make([]workflow.RecoveryStep, len(tmpl))
	for i, t := range tmpl {
		params := map[string]any{
			"project_id": req.ProjectID,
			"agent_type": string(req.AgentType),
		}
		if req.TaskID != "" {
			params["task_id"] = req.TaskID
		}
		if req.EmergencyStopID != "" {
			params["emergency_stop_id"] = req.EmergencyStopID
		}
		steps[i] = workflow.RecoveryStep{
			ID:               uuid.New().String(),
			Description:      t.description,
			ActionType:       t.action,
			Parameters:       params,
			RequiresApproval: t.requiresApproval,
			TimeoutSeconds:   t.timeoutSeconds,
			Status:           workflow.StepPending,
		}
	}
	return steps
}
