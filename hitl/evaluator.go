package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/workflow"
)

// RequestStore persists approval requests created by the evaluator.
type RequestStore interface {
	CreateApproval(ctx context.Context, req *workflow.ApprovalRequest) error
}

// Evaluator decides which conditions need human review and creates the
// approval request for the first one that does.
type Evaluator struct {
	store   RequestStore
	events  events.Publisher
	audit   audit.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cfg   TriggerConfig
	level OversightLevel
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorPublisher sets where hitl_request_created events go.
func WithEvaluatorPublisher(p events.Publisher) EvaluatorOption {
	return func(e *Evaluator) {
		if p != nil {
			e.events = p
		}
	}
}

// WithEvaluatorAudit sets the audit sink.
func WithEvaluatorAudit(sink audit.Sink) EvaluatorOption {
	return func(e *Evaluator) {
		if sink != nil {
			e.audit = sink
		}
	}
}

// WithEvaluatorMetrics counts created requests.
func WithEvaluatorMetrics(m *metrics.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvaluatorClock overrides the time source.
func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator for cfg at the given level.
func NewEvaluator(store RequestStore, cfg TriggerConfig, level OversightLevel, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store:  store,
		events: events.Discard,
		audit:  audit.Discard,
		logger: slog.Default(),
		now:    time.Now,
		cfg:    cfg.clone(),
		level:  level,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OversightLevel returns the current level.
func (e *Evaluator) OversightLevel() OversightLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.level
}

// SetOversightLevel changes the level used by Evaluate.
func (e *Evaluator) SetOversightLevel(level OversightLevel) {
	e.mu.Lock()
	prev := e.level
	e.level = level
	e.mu.Unlock()
	if prev != level {
		e.logger.Info("Oversight level changed", "from", prev, "to", level)
	}
}

// SetConfig replaces the trigger configuration.
func (e *Evaluator) SetConfig(cfg TriggerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg.clone()
}

// ShouldTrigger reports whether condition needs review for tc at level.
// Safety violations always trigger. Every other condition must be enabled
// and present in tc; LOW only passes critical agent errors and MEDIUM
// applies the stricter thresholds.
func (e *Evaluator) ShouldTrigger(condition Condition, tc TriggerContext, level OversightLevel) bool {
	if condition == ConditionSafetyViolation {
		return true
	}

	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	cc, ok := cfg.condition(condition)
	if !ok || !cc.Enabled || !tc.has(condition) {
		return false
	}

	switch level {
	case OversightHigh:
		return true
	case OversightMedium:
		return mediumTriggers(cfg, condition, tc)
	case OversightLow:
		return condition == ConditionAgentError && containsFold(cfg.CriticalErrorTypes, tc.ErrorType)
	default:
		return false
	}
}

func mediumTriggers(cfg TriggerConfig, condition Condition, tc TriggerContext) bool {
	switch condition {
	case ConditionPhaseCompletion:
		return containsFold(cfg.MediumPhases, tc.Phase)
	case ConditionQualityThreshold:
		return *tc.Confidence < cfg.ConfidenceThreshold*cfg.MediumConfidenceFactor
	case ConditionConflictDetected:
		return containsFold(cfg.MediumConflictSeverities, tc.ConflictSeverity)
	case ConditionAgentError:
		return containsFold(cfg.CriticalErrorTypes, tc.ErrorType) || tc.RetryCount >= cfg.MaxErrorRetries
	case ConditionBudgetExceeded:
		return tc.BudgetRatio >= cfg.BudgetRatioLimit
	default:
		return false
	}
}

// Evaluate walks the configured conditions in order and creates a request for
// the first one that triggers. A safety violation in tc is always checked,
// even when the condition is not listed. Returns nil when nothing triggers.
func (e *Evaluator) Evaluate(ctx context.Context, projectID string, tc TriggerContext) (*workflow.ApprovalRequest, error) {
	e.mu.RLock()
	level := e.level
	order := make([]Condition, 0, len(e.cfg.Conditions)+1)
	for _, cc := range e.cfg.Conditions {
		order = append(order, cc.Condition)
	}
	if _, listed := e.cfg.condition(ConditionSafetyViolation); !listed {
		order = append([]Condition{ConditionSafetyViolation}, order...)
	}
	e.mu.RUnlock()

	for _, cond := range order {
		if !tc.has(cond) {
			continue
		}
		if e.ShouldTrigger(cond, tc, level) {
			return e.CreateRequest(ctx, cond, projectID, tc)
		}
	}
	return nil, nil
}

// CreateRequest persists an approval request for condition with its question
// and options, writes the audit entry and broadcasts hitl_request_created.
func (e *Evaluator) CreateRequest(ctx context.Context, condition Condition, projectID string, tc TriggerContext) (*workflow.ApprovalRequest, error) {
	e.mu.RLock()
	cc, ok := e.cfg.condition(condition)
	level := e.level
	e.mu.RUnlock()

	timeout := time.Hour
	if ok && cc.TimeoutHours > 0 {
		timeout = time.Duration(cc.TimeoutHours * float64(time.Hour))
	}

	now := e.now().UTC()
	req := workflow.NewApprovalRequest(projectID, "", workflow.AgentType(tc.AgentType), string(condition), timeout)
	req.CreatedAt = now
	req.ExpiresAt = now.Add(timeout)

	data := map[string]any{
		"condition":       string(condition),
		"question":        Question(condition, tc),
		"options":         Options(condition),
		"oversight_level": string(level),
	}
	if tc.TaskID != "" {
		data["task_id"] = tc.TaskID
	}
	for k, v := range tc.Details {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}
	req.RequestData = data

	if err := e.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("create %s request: %w", condition, err)
	}

	e.metrics.ApprovalCreated(string(condition))
	e.logger.Info("HITL request created",
		"approval_id", req.ID,
		"condition", condition,
		"project_id", projectID,
		"task_id", tc.TaskID,
		"level", level)
	audit.Write(ctx, e.audit, e.logger, audit.Entry{
		EventType: audit.HITLRequestCreated,
		Actor:     "trigger-evaluator",
		Data: map[string]any{
			"approval_id": req.ID,
			"condition":   string(condition),
			"project_id":  projectID,
			"task_id":     tc.TaskID,
			"expires_at":  req.ExpiresAt,
		},
	})
	e.events.Broadcast(ctx, events.New(events.HITLRequestCreated, projectID, events.PriorityHigh, map[string]any{
		"approval_id":  req.ID,
		"request_type": req.RequestType,
		"question":     data["question"],
		"options":      data["options"],
		"expires_at":   req.ExpiresAt,
	}).ForTask(tc.TaskID, workflow.AgentType(tc.AgentType)))

	return req, nil
}

// Question returns the human-readable question for a condition.
func Question(condition Condition, tc TriggerContext) string {
	switch condition {
	case ConditionPhaseCompletion:
		return fmt.Sprintf("The %s phase is complete. Approve moving to the next phase?", tc.Phase)
	case ConditionQualityThreshold:
		return fmt.Sprintf("The %s agent reported confidence %.2f. Accept this output?", tc.AgentType, deref(tc.Confidence))
	case ConditionConflictDetected:
		return fmt.Sprintf("A %s severity conflict was detected. Approve the proposed resolution?", tc.ConflictSeverity)
	case ConditionAgentError:
		return fmt.Sprintf("The %s agent failed with a %s error after %d retries. How should the workflow proceed?",
			tc.AgentType, tc.ErrorType, tc.RetryCount)
	case ConditionBudgetExceeded:
		return fmt.Sprintf("Token usage is at %.0f%% of the budget. Continue execution?", tc.BudgetRatio*100)
	case ConditionSafetyViolation:
		return fmt.Sprintf("Safety violation: %s. Review before anything else runs.", tc.Violation)
	default:
		return fmt.Sprintf("Review required for %s.", condition)
	}
}

// Options returns the choices offered for a condition.
func Options(condition Condition) []string {
	switch condition {
	case ConditionPhaseCompletion:
		return []string{"Approve Phase", "Request Changes", "Reject Phase"}
	case ConditionQualityThreshold:
		return []string{"Accept Output", "Request Revision", "Reassign Task"}
	case ConditionConflictDetected:
		return []string{"Approve Resolution", "Reject Resolution", "Provide Alternative"}
	case ConditionAgentError:
		return []string{"Retry Task", "Skip Task", "Abort Workflow"}
	case ConditionBudgetExceeded:
		return []string{"Increase Budget", "Continue Within Limit", "Stop Execution"}
	case ConditionSafetyViolation:
		return []string{"Stop Execution", "Investigate", "Override"}
	default:
		return []string{"Approve", "Reject"}
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
