// Package coordinator drives one task request through validation, the
// safety gate, agent execution and the terminal status write.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/hitl"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/recovery"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
)

// DefaultEstimatedTokens is used for budget checks when a request carries no estimate.
const DefaultEstimatedTokens = 1000

// Store is the persistence the coordinator writes task state through.
type Store interface {
	BeginTask(ctx context.Context, t *workflow.Task) (*workflow.Task, error)
	GetArtifacts(ctx context.Context, ids []string) ([]*workflow.ContextArtifact, error)
	CompleteTask(ctx context.Context, taskID string, output any, artifact *workflow.ContextArtifact) error
	FailTask(ctx context.Context, taskID, message string) error
	CancelTask(ctx context.Context, taskID, reason string) error
	RecordTaskError(ctx context.Context, taskID, message string) error
	SaveHandoff(ctx context.Context, h *workflow.Handoff) error
}

// Gate decides whether an execution may proceed and charges actual usage.
type Gate interface {
	Check(ctx context.Context, req hitl.GateRequest) (workflow.Result, error)
	RecordUsage(ctx context.Context, projectID string, agentType workflow.AgentType, tokens int) error
	BudgetRatio(ctx context.Context, projectID string, agentType workflow.AgentType) (float64, error)
}

// RecoveryStarter opens a recovery session for a failed task.
type RecoveryStarter interface {
	InitiateRecovery(ctx context.Context, req recovery.Request) (string, error)
}

// Evaluator creates review requests for workflow signals.
type Evaluator interface {
	Evaluate(ctx context.Context, projectID string, tc hitl.TriggerContext) (*workflow.ApprovalRequest, error)
}

// StatusSetter records agent state.
type StatusSetter interface {
	SetStatus(ctx context.Context, agentType workflow.AgentType, state workflow.AgentState, taskID, errMsg string) workflow.AgentStatus
}

// Result is a completed task's outcome.
type Result struct {
	Task       *workflow.Task
	Output     map[string]any
	TokensUsed int
	ArtifactID string
	ApprovalID string
	Handoff    *workflow.Handoff
	// ReviewID is the approval request opened by a post-completion trigger.
	ReviewID string
}

// Coordinator runs the task lifecycle.
type Coordinator struct {
	store     Store
	gate      Gate
	caps      *agent.Registry
	evaluator Evaluator
	recovery  RecoveryStarter
	status    StatusSetter
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	defaultEstimate int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEvaluator evaluates triggers after completion and on backend errors.
func WithEvaluator(e Evaluator) Option {
	return func(c *Coordinator) { c.evaluator = e }
}

// WithRecovery starts a recovery session when a backend failure ends a task.
// Gate denials are handed to recovery by the gate itself.
func WithRecovery(r RecoveryStarter) Option {
	return func(c *Coordinator) { c.recovery = r }
}

// WithStatusSetter tracks agent state through the lifecycle.
func WithStatusSetter(s StatusSetter) Option {
	return func(c *Coordinator) { c.status = s }
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.events = p
		}
	}
}

// WithMetrics records task outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithDefaultEstimate sets the token estimate used when a request has none.
func WithDefaultEstimate(tokens int) Option {
	return func(c *Coordinator) {
		if tokens > 0 {
			c.defaultEstimate = tokens
		}
	}
}

// New creates a coordinator.
func New(store Store, gate Gate, caps *agent.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		gate:            gate,
		caps:            caps,
		events:          events.Discard,
		logger:          slog.Default(),
		now:             time.Now,
		defaultEstimate: DefaultEstimatedTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessTask runs a single attempt. Any failure after validation marks the
// task FAILED (or CANCELLED when ctx ends) and is returned as a
// *workflow.Error. Use a Runner to retry.
func (c *Coordinator) ProcessTask(ctx context.Context, req workflow.TaskRequest) (*Result, error) {
	return c.process(ctx, req, 1, false)
}

// process runs one attempt. When retryPending is true a retryable failure
// leaves the task WORKING with its error message recorded.
func (c *Coordinator) process(ctx context.Context, req workflow.TaskRequest, attempt int, retryPending bool) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, workflow.NewError(workflow.KindValidation, err.Error(), err)
	}
	agentType := workflow.AgentType(req.AgentType)
	capability, ok := c.caps.Get(agentType)
	if !ok {
		return nil, workflow.NewError(workflow.KindValidation,
			fmt.Sprintf("no capability registered for %s", agentType), nil)
	}

	started := c.now().UTC()
	task, err := c.store.BeginTask(ctx, req.NewTask(started))
	if errors.Is(err, storage.ErrInvalidTransition) {
		return nil, workflow.NewError(workflow.KindConflict, "task is already finished", err)
	}
	if err != nil {
		return nil, workflow.NewError(workflow.KindStorage, "begin task", err)
	}

	run := &attemptRun{
		c:            c,
		req:          req,
		task:         task,
		agentType:    agentType,
		attempt:      attempt,
		retryPending: retryPending,
		started:      started,
	}
	c.setStatus(ctx, agentType, workflow.AgentWorking, task.ID, "")
	c.emit(ctx, task, events.TaskStarted, events.PriorityNormal, map[string]any{
		"attempt":      attempt,
		"instructions": task.Instructions,
	})

	estimate := req.EstimatedTokens
	if estimate == 0 {
		estimate = c.defaultEstimate
	}
	decision, err := c.gate.Check(ctx, hitl.GateRequest{
		ProjectID:       task.ProjectID,
		TaskID:          task.ID,
		AgentType:       agentType,
		EstimatedTokens: estimate,
		Instructions:    task.Instructions,
		RetryPending:    retryPending,
	})
	if err != nil {
		return nil, run.fail(ctx, c.infraError("safety gate", err), workflow.AgentIdle)
	}
	if !decision.Ok {
		run.recoverySessionID = decision.RecoverySessionID
		return nil, run.fail(ctx, decision.Err(), workflow.AgentIdle)
	}

	artifacts, err := c.store.GetArtifacts(ctx, req.ContextIDs)
	if err != nil {
		return nil, run.fail(ctx, c.infraError("resolve context artifacts", err), workflow.AgentIdle)
	}

	result, err := capability.ExecuteTask(ctx, task, inboundHandoff(req), artifacts)
	if err == nil && !result.Success {
		err = errors.New(result.Error)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, run.fail(ctx, ctx.Err(), workflow.AgentIdle)
		}
		c.evaluateError(ctx, task, attempt, result, err)
		berr := workflow.NewError(workflow.KindBackend, err.Error(), err)
		return nil, run.fail(ctx, berr, workflow.AgentError)
	}

	return run.complete(ctx, capability, result, decision.ApprovalID)
}

// infraError wraps a storage or gate failure. Context errors pass through.
func (c *Coordinator) infraError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return workflow.NewError(workflow.KindStorage, op, err)
}

// inboundHandoff rebuilds the handoff the request carries, if any.
func inboundHandoff(req workflow.TaskRequest) *workflow.Handoff {
	if req.FromAgent == "" {
		return nil
	}
	to := workflow.AgentType(req.AgentType)
	return &workflow.Handoff{
		FromAgent:       workflow.AgentType(req.FromAgent),
		ToAgent:         to,
		ProjectID:       req.ProjectID,
		Phase:           to.Phase(),
		ContextIDs:      append([]string(nil), req.ContextIDs...),
		Instructions:    req.Instructions,
		ExpectedOutputs: append([]string(nil), req.ExpectedOutputs...),
		Priority:        req.Priority,
	}
}

func (c *Coordinator) evaluateError(ctx context.Context, task *workflow.Task, attempt int, result agent.ExecutionResult, err error) {
	if c.evaluator == nil {
		return
	}
	errorType := "backend"
	if et, ok := result.Output["error_type"].(string); ok && et != "" {
		errorType = et
	}
	_, evalErr := c.evaluator.Evaluate(ctx, task.ProjectID, hitl.TriggerContext{
		TaskID:     task.ID,
		AgentType:  string(task.AgentType),
		ErrorType:  errorType,
		RetryCount: attempt - 1,
		Details:    map[string]any{"error": err.Error()},
	})
	if evalErr != nil {
		c.logger.Warn("Agent error trigger evaluation failed", "task_id", task.ID, "error", evalErr)
	}
}

func (c *Coordinator) setStatus(ctx context.Context, agentType workflow.AgentType, state workflow.AgentState, taskID, errMsg string) {
	if c.status != nil {
		c.status.SetStatus(ctx, agentType, state, taskID, errMsg)
	}
}

func (c *Coordinator) emit(ctx context.Context, task *workflow.Task, t events.Type, p events.Priority, data map[string]any) {
	c.events.Broadcast(ctx, events.New(t, task.ProjectID, p, data).ForTask(task.ID, task.AgentType))
}

// attemptRun carries the state of one attempt through its terminal write.
type attemptRun struct {
	c            *Coordinator
	req          workflow.TaskRequest
	task         *workflow.Task
	agentType    workflow.AgentType
	attempt      int
	retryPending bool
	started      time.Time

	recoverySessionID string
}

// fail records the failure. A retryable error with a retry pending keeps the
// task WORKING; a cancelled context cancels it; anything else fails it.
func (r *attemptRun) fail(ctx context.Context, cause error, state workflow.AgentState) error {
	c := r.c
	msg := cause.Error()
	writeCtx := context.WithoutCancel(ctx)

	switch {
	case ctx.Err() != nil:
		if err := c.store.CancelTask(writeCtx, r.task.ID, "cancelled: "+msg); r.writeFailed(err) {
			return workflow.NewError(workflow.KindStorage, "cancel task", err)
		}
		c.metrics.TaskFinished(string(r.agentType), "cancelled", c.now().Sub(r.started))
	case r.retryPending && workflow.IsRetryable(cause):
		err := c.store.RecordTaskError(writeCtx, r.task.ID, msg)
		if r.writeFailed(err) {
			return workflow.NewError(workflow.KindStorage, "record task error", err)
		}
		if err != nil {
			// Closed elsewhere, usually by a recovery abort; a retry would conflict.
			return workflow.NewError(workflow.KindConflict, "task was closed while a retry was pending", err)
		}
		c.setStatus(writeCtx, r.agentType, state, r.task.ID, msg)
		c.logger.Info("Task attempt failed, retry pending",
			"task_id", r.task.ID, "attempt", r.attempt, "kind", workflow.KindOf(cause), "error", msg)
		return cause
	default:
		if err := c.store.FailTask(writeCtx, r.task.ID, msg); r.writeFailed(err) {
			return workflow.NewError(workflow.KindStorage, "fail task", err)
		}
		c.metrics.TaskFinished(string(r.agentType), "failed", c.now().Sub(r.started))
		if workflow.KindOf(cause) == workflow.KindBackend {
			r.startRecovery(writeCtx, cause)
		}
	}

	data := map[string]any{
		"error":   msg,
		"kind":    string(workflow.KindOf(cause)),
		"attempt": r.attempt,
	}
	var typed *workflow.Error
	if errors.As(cause, &typed) && typed.Condition != "" {
		data["condition"] = typed.Condition
	}
	if r.recoverySessionID != "" {
		data["recovery_session_id"] = r.recoverySessionID
	}
	c.setStatus(writeCtx, r.agentType, state, "", msg)
	c.emit(writeCtx, r.task, events.TaskFailed, events.PriorityHigh, data)
	c.logger.Warn("Task failed",
		"task_id", r.task.ID, "agent_type", r.agentType, "attempt", r.attempt, "error", msg)
	return cause
}

// writeFailed reports whether a terminal write failed for a reason other
// than the task already being closed. A task closed elsewhere, for example
// by a recovery abort, keeps its status.
func (r *attemptRun) writeFailed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrInvalidTransition) {
		r.c.logger.Info("Task already closed", "task_id", r.task.ID, "error", err)
		return false
	}
	return true
}

// startRecovery hands a final backend failure to the recovery manager.
func (r *attemptRun) startRecovery(ctx context.Context, cause error) {
	c := r.c
	if c.recovery == nil {
		return
	}
	sessionID, err := c.recovery.InitiateRecovery(ctx, recovery.Request{
		ProjectID:     r.task.ProjectID,
		TaskID:        r.task.ID,
		AgentType:     r.agentType,
		FailureReason: cause.Error(),
		FailureContext: map[string]any{
			"error_type": string(workflow.KindBackend),
			"attempt":    r.attempt,
		},
	})
	if err != nil {
		c.logger.Warn("Failed to initiate recovery", "task_id", r.task.ID, "error", err)
		return
	}
	r.recoverySessionID = sessionID
}

// complete persists the output, charges usage, opens the next phase and
// reports completion.
func (r *attemptRun) complete(ctx context.Context, capability agent.Capability, result agent.ExecutionResult, approvalID string) (*Result, error) {
	c := r.c
	task := r.task

	output := result.Output
	if output == nil {
		output = map[string]any{}
	}
	content, err := json.Marshal(output)
	if err != nil {
		return nil, r.fail(ctx, workflow.NewError(workflow.KindBackend, "encode output", err), workflow.AgentError)
	}
	artifact := workflow.NewContextArtifact(task.ProjectID, r.agentType, "agent_output", string(content), map[string]any{
		"task_id":     task.ID,
		"tokens_used": result.TokensUsed,
		"phase":       r.agentType.Phase(),
	})
	if err := c.store.CompleteTask(ctx, task.ID, output, artifact); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, workflow.NewError(workflow.KindConflict, "task was closed before it completed", err)
		}
		return nil, workflow.NewError(workflow.KindStorage, "complete task", err)
	}
	completed := c.now().UTC()
	task.Status = workflow.TaskCompleted
	task.Output = output
	task.CompletedAt = &completed

	if err := c.gate.RecordUsage(ctx, task.ProjectID, r.agentType, result.TokensUsed); err != nil {
		c.logger.Warn("Failed to record token usage", "task_id", task.ID, "tokens", result.TokensUsed, "error", err)
	}

	res := &Result{
		Task:       task,
		Output:     output,
		TokensUsed: result.TokensUsed,
		ArtifactID: artifact.ID,
		ApprovalID: approvalID,
	}
	res.Handoff = r.handoff(ctx, capability, result, artifact.ID)
	res.ReviewID = r.review(ctx, output)

	data := map[string]any{
		"artifact_id": artifact.ID,
		"tokens_used": result.TokensUsed,
		"attempt":     r.attempt,
	}
	if res.Handoff != nil {
		data["handoff_id"] = res.Handoff.ID
		data["next_agent"] = string(res.Handoff.ToAgent)
	}
	if res.ReviewID != "" {
		data["review_id"] = res.ReviewID
	}
	c.emit(ctx, task, events.TaskCompleted, events.PriorityHigh, data)
	c.emit(ctx, task, events.ChatMessage, events.PriorityNormal, map[string]any{
		"role":    string(r.agentType),
		"content": chatContent(output),
	})
	c.setStatus(ctx, r.agentType, workflow.AgentIdle, "", "")
	c.metrics.TaskFinished(string(r.agentType), "completed", c.now().Sub(r.started))
	c.logger.Info("Task completed",
		"task_id", task.ID, "agent_type", r.agentType, "tokens_used", result.TokensUsed, "attempt", r.attempt)
	return res, nil
}

func (r *attemptRun) handoff(ctx context.Context, capability agent.Capability, result agent.ExecutionResult, artifactID string) *workflow.Handoff {
	c := r.c
	next, ok := r.agentType.Next()
	if !ok {
		return nil
	}
	h, err := capability.CreateHandoff(ctx, next, agent.HandoffInput{
		Task:        r.task,
		Result:      result,
		ArtifactIDs: []string{artifactID},
		Priority:    r.req.Priority,
	})
	if err != nil {
		c.logger.Warn("Failed to build handoff", "task_id", r.task.ID, "to", next, "error", err)
		return nil
	}
	if err := c.store.SaveHandoff(ctx, h); err != nil {
		c.logger.Warn("Failed to save handoff", "task_id", r.task.ID, "handoff_id", h.ID, "error", err)
		return nil
	}
	c.emit(ctx, r.task, events.HandoffCreated, events.PriorityNormal, map[string]any{
		"handoff_id": h.ID,
		"from_agent": string(h.FromAgent),
		"to_agent":   string(h.ToAgent),
		"phase":      h.Phase,
	})
	return h
}

// review evaluates the post-execution triggers: phase completion, quality,
// conflicts, safety and budget usage.
func (r *attemptRun) review(ctx context.Context, output map[string]any) string {
	c := r.c
	if c.evaluator == nil {
		return ""
	}
	tc := hitl.TriggerContext{
		TaskID:    r.task.ID,
		AgentType: string(r.agentType),
		Phase:     r.agentType.Phase(),
	}
	if conf, ok := output["confidence"].(float64); ok {
		tc.Confidence = &conf
	}
	if sev, ok := output["conflict_severity"].(string); ok {
		tc.ConflictSeverity = strings.ToLower(strings.TrimSpace(sev))
	}
	switch v := output["safety_violation"].(type) {
	case string:
		tc.Violation = strings.TrimSpace(v)
	case bool:
		if v {
			tc.Violation = "reported by the " + string(r.agentType) + " agent"
		}
	}
	ratio, err := c.gate.BudgetRatio(ctx, r.task.ProjectID, r.agentType)
	if err != nil {
		c.logger.Warn("Failed to read budget ratio", "task_id", r.task.ID, "error", err)
	}
	tc.BudgetRatio = ratio
	req, err := c.evaluator.Evaluate(ctx, r.task.ProjectID, tc)
	if err != nil {
		c.logger.Warn("Completion trigger evaluation failed", "task_id", r.task.ID, "error", err)
		return ""
	}
	if req == nil {
		return ""
	}
	return req.ID
}

func chatContent(output map[string]any) string {
	for _, key := range []string{"summary", "content"} {
		if s, ok := output[key].(string); ok && s != "" {
			return s
		}
	}
	data, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	return string(data)
}
