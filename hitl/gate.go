package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/recovery"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
)

// Denial conditions reported in workflow.Result.Condition.
const (
	ConditionEmergencyStop  = "emergency_stop"
	ConditionAgentExecution = workflow.RequestAgentExecution
)

// GateStore is the persistence the gate reads and writes.
type GateStore interface {
	ActiveEmergencyStop(ctx context.Context, projectID string, agentType workflow.AgentType) (*workflow.EmergencyStop, error)
	ActivateEmergencyStop(ctx context.Context, projectID string, agentType workflow.AgentType, reason string) (*workflow.EmergencyStop, error)
	GetBudget(ctx context.Context, projectID string, agentType workflow.AgentType) (*workflow.BudgetControl, error)
	AddTokenUsage(ctx context.Context, projectID string, agentType workflow.AgentType, tokens int, now time.Time) error
	FindOrCreateApproval(ctx context.Context, req *workflow.ApprovalRequest) (*workflow.ApprovalRequest, bool, error)
}

// ApprovalWaiter blocks until a request is decided or times out.
type ApprovalWaiter interface {
	Wait(ctx context.Context, id string, timeout time.Duration) (approval.Outcome, error)
}

// RecoveryStarter opens a recovery session for a denied execution.
type RecoveryStarter interface {
	InitiateRecovery(ctx context.Context, req recovery.Request) (string, error)
}

// StatusSetter records the agent's state while the gate waits on a human.
type StatusSetter interface {
	SetStatus(ctx context.Context, agentType workflow.AgentType, state workflow.AgentState, taskID, errMsg string) workflow.AgentStatus
}

// GateConfig tunes the approval step.
type GateConfig struct {
	// ApprovalTimeout bounds both the request lifetime and the wait.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout"`
	// UnitPrice is the cost of one token, used for estimated_cost.
	UnitPrice float64 `yaml:"unit_price" json:"unit_price"`
	// RequireApproval turns the approval step on. When false the gate only
	// enforces emergency stops and budgets.
	RequireApproval bool `yaml:"require_approval" json:"require_approval"`
}

// DefaultGateConfig returns a 30 minute approval timeout with approval required.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ApprovalTimeout: 30 * time.Minute,
		UnitPrice:       0.00002,
		RequireApproval: true,
	}
}

// Validate checks the configuration.
func (c GateConfig) Validate() error {
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be positive")
	}
	if c.UnitPrice < 0 {
		return fmt.Errorf("unit_price must be non-negative")
	}
	return nil
}

// GateRequest describes one execution attempt.
type GateRequest struct {
	ProjectID       string
	TaskID          string
	AgentType       workflow.AgentType
	EstimatedTokens int
	Instructions    string
	// RetryPending is set when the caller will re-run the attempt after a
	// retryable denial. Recovery then waits for the final attempt.
	RetryPending bool
}

// Gate enforces emergency stops, token budgets and human approval before an
// agent executes a task.
type Gate struct {
	store    GateStore
	waiter   ApprovalWaiter
	recovery RecoveryStarter
	status   StatusSetter
	cfg      GateConfig
	events   events.Publisher
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRecovery starts a recovery session for each denial.
func WithRecovery(r RecoveryStarter) GateOption {
	return func(g *Gate) { g.recovery = r }
}

// WithStatusSetter marks the agent WAITING_FOR_HITL during approval waits.
func WithStatusSetter(s StatusSetter) GateOption {
	return func(g *Gate) { g.status = s }
}

// WithGatePublisher sets where gate events go.
func WithGatePublisher(p events.Publisher) GateOption {
	return func(g *Gate) {
		if p != nil {
			g.events = p
		}
	}
}

// WithGateAudit sets the audit sink.
func WithGateAudit(sink audit.Sink) GateOption {
	return func(g *Gate) {
		if sink != nil {
			g.audit = sink
		}
	}
}

// WithGateMetrics counts decisions.
func WithGateMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGateClock overrides the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate.
func NewGate(store GateStore, waiter ApprovalWaiter, cfg GateConfig, opts ...GateOption) *Gate {
	g := &Gate{
		store:  store,
		waiter: waiter,
		cfg:    cfg,
		events: events.Discard,
		audit:  audit.Discard,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs the emergency stop, budget, approval lookup and approval wait
// steps in order. Denials are returned as a Result; the error is reserved for
// storage failures and context cancellation.
func (g *Gate) Check(ctx context.Context, req GateRequest) (workflow.Result, error) {
	res, err := g.check(ctx, req)
	if err != nil {
		return workflow.Result{}, err
	}
	g.record(ctx, req, res)
	return res, nil
}

func (g *Gate) check(ctx context.Context, req GateRequest) (workflow.Result, error) {
	stop, err := g.store.ActiveEmergencyStop(ctx, req.ProjectID, req.AgentType)
	switch {
	case err == nil:
		res := workflow.Deny(workflow.KindEmergencyStop, ConditionEmergencyStop,
			fmt.Sprintf("Emergency stop active for %s: %s", req.AgentType, stop.Reason))
		res.EmergencyStopID = stop.ID
		g.startRecovery(ctx, req, &res, map[string]any{
			"error_type":        "emergency_stop",
			"emergency_stop_id": stop.ID,
			"stop_reason":       stop.Reason,
		})
		return res, nil
	case !errors.Is(err, storage.ErrNotFound):
		return workflow.Result{}, fmt.Errorf("check emergency stop: %w", err)
	}

	if res, denied, err := g.checkBudget(ctx, req); err != nil || denied {
		return res, err
	}

	if !g.cfg.RequireApproval {
		return workflow.Allow(""), nil
	}
	return g.approve(ctx, req)
}

func (g *Gate) checkBudget(ctx context.Context, req GateRequest) (workflow.Result, bool, error) {
	budget, err := g.store.GetBudget(ctx, req.ProjectID, req.AgentType)
	if errors.Is(err, storage.ErrNotFound) {
		return workflow.Result{}, false, nil
	}
	if err != nil {
		return workflow.Result{}, false, fmt.Errorf("get budget: %w", err)
	}

	breach := budget.Check(req.EstimatedTokens, g.now())
	if breach == nil {
		return workflow.Result{}, false, nil
	}

	detail := fmt.Sprintf("Budget exceeded: %s usage %d + estimated %d > limit %d",
		breach.Limit, breach.Used, breach.Estimated, breach.Max)
	res := workflow.Deny(workflow.KindBudgetExceeded, string(ConditionBudgetExceeded), detail)

	if budget.EmergencyStopEnabled {
		stop, err := g.store.ActivateEmergencyStop(ctx, req.ProjectID, req.AgentType, detail)
		if err != nil {
			return workflow.Result{}, false, fmt.Errorf("activate emergency stop: %w", err)
		}
		res.EmergencyStopID = stop.ID
		g.logger.Warn("Emergency stop activated", "project_id", req.ProjectID, "agent_type", req.AgentType, "reason", detail)
		audit.Write(ctx, g.audit, g.logger, audit.Entry{
			EventType: audit.EmergencyStop,
			Actor:     "safety-gate",
			Data: map[string]any{
				"emergency_stop_id": stop.ID,
				"project_id":        req.ProjectID,
				"agent_type":        string(req.AgentType),
				"reason":            detail,
			},
		})
		g.events.Broadcast(ctx, events.New(events.EmergencyStop, req.ProjectID, events.PriorityCritical, map[string]any{
			"emergency_stop_id": stop.ID,
			"reason":            detail,
		}).ForTask(req.TaskID, req.AgentType))
	}

	fc := map[string]any{
		"error_type": "budget_exceeded",
		"limit":      breach.Limit,
		"used":       breach.Used,
		"estimated":  breach.Estimated,
		"max":        breach.Max,
	}
	if res.EmergencyStopID != "" {
		fc["emergency_stop_id"] = res.EmergencyStopID
	}
	g.startRecovery(ctx, req, &res, fc)
	return res, true, nil
}

func (g *Gate) approve(ctx context.Context, req GateRequest) (workflow.Result, error) {
	candidate := workflow.NewApprovalRequest(req.ProjectID, req.TaskID, req.AgentType,
		workflow.RequestAgentExecution, g.cfg.ApprovalTimeout)
	now := g.now().UTC()
	candidate.CreatedAt = now
	candidate.ExpiresAt = now.Add(g.cfg.ApprovalTimeout)
	candidate.EstimatedTokens = req.EstimatedTokens
	candidate.EstimatedCost = float64(req.EstimatedTokens) * g.cfg.UnitPrice
	candidate.RequestData = map[string]any{
		"instructions":     req.Instructions,
		"estimated_tokens": req.EstimatedTokens,
	}

	ar, created, err := g.store.FindOrCreateApproval(ctx, candidate)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("find or create approval: %w", err)
	}

	if created {
		g.metrics.ApprovalCreated(workflow.RequestAgentExecution)
		audit.Write(ctx, g.audit, g.logger, audit.Entry{
			EventType: audit.HITLRequestCreated,
			Actor:     "safety-gate",
			Data: map[string]any{
				"approval_id":      ar.ID,
				"task_id":          req.TaskID,
				"agent_type":       string(req.AgentType),
				"estimated_tokens": ar.EstimatedTokens,
				"estimated_cost":   ar.EstimatedCost,
				"expires_at":       ar.ExpiresAt,
			},
		})
		g.events.Broadcast(ctx, events.New(events.HITLRequestCreated, req.ProjectID, events.PriorityHigh, map[string]any{
			"approval_id":      ar.ID,
			"request_type":     ar.RequestType,
			"estimated_tokens": ar.EstimatedTokens,
			"estimated_cost":   ar.EstimatedCost,
			"expires_at":       ar.ExpiresAt,
		}).ForTask(req.TaskID, req.AgentType))
	} else {
		g.logger.Debug("Reusing open approval request", "approval_id", ar.ID, "task_id", req.TaskID)
	}

	if ar.Status == workflow.ApprovalApproved {
		return workflow.Allow(ar.ID), nil
	}

	g.setStatus(ctx, req, workflow.AgentWaitingForHITL)
	out, err := g.waiter.Wait(ctx, ar.ID, g.cfg.ApprovalTimeout)
	g.setStatus(ctx, req, workflow.AgentWorking)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("wait for approval %s: %w", ar.ID, err)
	}

	if out.Approved() {
		return workflow.Allow(ar.ID), nil
	}
	reason := out.Comment
	if reason == "" {
		reason = string(out.Status)
	}
	res := workflow.Deny(workflow.KindExecutionDenied, ConditionAgentExecution, "Agent execution denied: "+reason)
	res.ApprovalID = ar.ID
	if !req.RetryPending {
		errorType := "approval_rejected"
		if out.Status == workflow.ApprovalExpired {
			errorType = "timeout"
		}
		g.startRecovery(ctx, req, &res, map[string]any{
			"error_type":      errorType,
			"approval_id":     ar.ID,
			"approval_status": string(out.Status),
		})
	}
	return res, nil
}

// startRecovery hands a denial to the recovery manager and records the
// session on res. A failure to start is logged; the denial stands.
func (g *Gate) startRecovery(ctx context.Context, req GateRequest, res *workflow.Result, fc map[string]any) {
	if g.recovery == nil {
		return
	}
	sessionID, err := g.recovery.InitiateRecovery(ctx, recovery.Request{
		ProjectID:       req.ProjectID,
		TaskID:          req.TaskID,
		AgentType:       req.AgentType,
		FailureReason:   res.Detail,
		FailureContext:  fc,
		EmergencyStopID: res.EmergencyStopID,
	})
	if err != nil {
		g.logger.Warn("Failed to initiate recovery",
			"task_id", req.TaskID, "kind", res.Kind, "error", err)
		return
	}
	res.RecoverySessionID = sessionID
}

func (g *Gate) setStatus(ctx context.Context, req GateRequest, state workflow.AgentState) {
	if g.status != nil {
		g.status.SetStatus(ctx, req.AgentType, state, req.TaskID, "")
	}
}

// record writes the audit entry and metrics for a decision.
func (g *Gate) record(ctx context.Context, req GateRequest, res workflow.Result) {
	g.metrics.GateDecision(res.Ok, string(res.Kind))
	g.logger.Info("Gate decision",
		"task_id", req.TaskID,
		"project_id", req.ProjectID,
		"agent_type", req.AgentType,
		"decision", res.String())

	data := map[string]any{
		"task_id":          req.TaskID,
		"project_id":       req.ProjectID,
		"agent_type":       string(req.AgentType),
		"granted":          res.Ok,
		"estimated_tokens": req.EstimatedTokens,
	}
	if !res.Ok {
		data["kind"] = string(res.Kind)
		data["condition"] = res.Condition
		data["detail"] = res.Detail
	}
	if res.ApprovalID != "" {
		data["approval_id"] = res.ApprovalID
	}
	if res.RecoverySessionID != "" {
		data["recovery_session_id"] = res.RecoverySessionID
	}
	audit.Write(ctx, g.audit, g.logger, audit.Entry{
		EventType: audit.GateDecision,
		Actor:     "safety-gate",
		Data:      data,
	})
}

// RecordUsage adds the tokens an execution actually consumed to the scope's
// counters. Usage is charged only after a successful execution, so
// concurrent tasks can pass the check before either commits its usage.
func (g *Gate) RecordUsage(ctx context.Context, projectID string, agentType workflow.AgentType, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	if err := g.store.AddTokenUsage(ctx, projectID, agentType, tokens, g.now()); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	g.metrics.AddTokens(string(agentType), tokens)
	return nil
}

// BudgetRatio returns the scope's highest used/limit ratio, or 0 when the
// scope has no budget.
func (g *Gate) BudgetRatio(ctx context.Context, projectID string, agentType workflow.AgentType) (float64, error) {
	budget, err := g.store.GetBudget(ctx, projectID, agentType)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get budget: %w", err)
	}
	return budget.UsageRatio(g.now()), nil
}
