package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/workflow"
	"github.com/google/uuid"
)

// ErrStepFailed is returned by Execute when a step fails or its approval is
// not granted. The session is marked failed.
var ErrStepFailed = errors.New("recovery step failed")

// Request describes a failure to recover from.
type Request struct {
	ProjectID       string
	TaskID          string
	AgentType       workflow.AgentType
	FailureReason   string
	FailureContext  map[string]any
	EmergencyStopID string
}

// Store persists sessions and the approval requests of gated steps.
type Store interface {
	SaveRecoverySession(ctx context.Context, rs *workflow.RecoverySession) error
	GetRecoverySession(ctx context.Context, id string) (*workflow.RecoverySession, error)
	CreateApproval(ctx context.Context, req *workflow.ApprovalRequest) error
}

// Waiter blocks on an approval decision.
type Waiter interface {
	Wait(ctx context.Context, id string, timeout time.Duration) (approval.Outcome, error)
}

// StepHandler performs one step's action and returns a short result.
type StepHandler interface {
	Handle(ctx context.Context, session *workflow.RecoverySession, step workflow.RecoveryStep) (string, error)
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, session *workflow.RecoverySession, step workflow.RecoveryStep) (string, error)

// Handle calls f.
func (f StepHandlerFunc) Handle(ctx context.Context, session *workflow.RecoverySession, step workflow.RecoveryStep) (string, error) {
	return f(ctx, session, step)
}

// session pairs a recovery session with its locks. run serializes Execute;
// mu guards the data for snapshots taken while a step runs.
type session struct {
	run  sync.Mutex
	mu   sync.Mutex
	data *workflow.RecoverySession
}

func (s *session) snapshot() *workflow.RecoverySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// Manager creates and executes recovery sessions.
type Manager struct {
	store    Store
	waiter   Waiter
	handlers map[string]StepHandler
	events   events.Publisher
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	autoExecute bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// initMu serializes InitiateRecovery so the one-session-per-task check
	// and the insert happen together.
	initMu sync.Mutex
	mu     sync.Mutex
	active map[string]*session
}

// Option configures a Manager.
type Option func(*Manager)

// WithWaiter sets the approval waiter used for gated steps.
func WithWaiter(w Waiter) Option {
	return func(m *Manager) { m.waiter = w }
}

// WithHandler registers the handler for an action type.
func WithHandler(action string, h StepHandler) Option {
	return func(m *Manager) { m.handlers[action] = h }
}

// WithPublisher sets where recovery_update events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.events = p
		}
	}
}

// WithAudit sets the audit sink.
func WithAudit(sink audit.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.audit = sink
		}
	}
}

// WithMetrics counts sessions by strategy.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAutoExecute runs each new session in the background as soon as it is
// initiated.
func WithAutoExecute(enabled bool) Option {
	return func(m *Manager) { m.autoExecute = enabled }
}

// NewManager creates a recovery manager.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		handlers: make(map[string]StepHandler),
		events:   events.Discard,
		audit:    audit.Discard,
		logger:   slog.Default(),
		now:      time.Now,
		active:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

// InitiateRecovery classifies the failure, persists a new INITIATED session
// with the strategy's steps and returns its id. A task has at most one
// active session: while one is unfinished, later failures of the same task
// return its id.
func (m *Manager) InitiateRecovery(ctx context.Context, req Request) (string, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if id, ok := m.activeFor(req.TaskID); ok {
		m.logger.Info("Recovery already in progress for task",
			"session_id", id, "task_id", req.TaskID, "reason", req.FailureReason)
		return id, nil
	}

	strategy := ClassifyStrategy(req.FailureReason, req.FailureContext)
	now := m.now().UTC()

	fc := make(map[string]any, len(req.FailureContext))
	for k, v := range req.FailureContext {
		fc[k] = v
	}
	rs := &workflow.RecoverySession{
		ID:              uuid.New().String(),
		ProjectID:       req.ProjectID,
		TaskID:          req.TaskID,
		AgentType:       req.AgentType,
		FailureReason:   req.FailureReason,
		FailureContext:  fc,
		EmergencyStopID: req.EmergencyStopID,
		Strategy:        strategy,
		Steps:           PlanSteps(strategy, req),
		CurrentStep:     0,
		Status:          workflow.RecoveryInitiated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.SaveRecoverySession(ctx, rs); err != nil {
		return "", fmt.Errorf("save recovery session: %w", err)
	}

	s := &session{data: rs}
	m.mu.Lock()
	m.active[rs.ID] = s
	m.mu.Unlock()

	m.metrics.RecoveryStarted(string(strategy))
	m.logger.Info("Recovery initiated",
		"session_id", rs.ID,
		"project_id", rs.ProjectID,
		"task_id", rs.TaskID,
		"strategy", strategy,
		"reason", req.FailureReason)
	audit.Write(ctx, m.audit, m.logger, audit.Entry{
		EventType: audit.RecoveryInitiated,
		Actor:     "recovery-manager",
		Data: map[string]any{
			"session_id":        rs.ID,
			"task_id":           rs.TaskID,
			"agent_type":        string(rs.AgentType),
			"strategy":          string(strategy),
			"failure_reason":    req.FailureReason,
			"emergency_stop_id": req.EmergencyStopID,
		},
	})
	m.broadcast(ctx, rs.Clone(), "initiated", nil)

	if m.autoExecute {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Execute(m.baseCtx, rs.ID); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("Recovery session did not complete", "session_id", rs.ID, "error", err)
			}
		}()
	}
	return rs.ID, nil
}

// Session returns a copy of a session, from the active registry or the store.
func (m *Manager) Session(ctx context.Context, id string) (*workflow.RecoverySession, error) {
	m.mu.Lock()
	s, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return s.snapshot(), nil
	}
	return m.store.GetRecoverySession(ctx, id)
}

// ActiveSessions returns copies of every session still in progress, oldest first.
func (m *Manager) ActiveSessions() []*workflow.RecoverySession {
	m.mu.Lock()
	list := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]*workflow.RecoverySession, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close cancels background executions and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) lookup(ctx context.Context, id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[id]; ok {
		return s, nil
	}

	rs, err := m.store.GetRecoverySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get recovery session %s: %w", id, err)
	}
	s := &session{data: rs}
	if !rs.Status.IsDone() {
		m.active[id] = s
	}
	return s, nil
}

func (m *Manager) activeFor(taskID string) (string, bool) {
	if taskID == "" {
		return "", false
	}
	m.mu.Lock()
	list := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		rs := s.snapshot()
		if rs.TaskID == taskID && !rs.Status.IsDone() {
			return rs.ID, true
		}
	}
	return "", false
}

func (m *Manager) finish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}
