// Package agent tracks per-agent execution state and defines the capability
// interface the coordinator uses to run tasks for each agent type.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/workflow"
)

// StatusStore mirrors tracked statuses.
type StatusStore interface {
	SaveAgentStatus(ctx context.Context, st workflow.AgentStatus) error
	ListAgentStatuses(ctx context.Context) ([]workflow.AgentStatus, error)
}

var agentStates = []string{
	string(workflow.AgentIdle),
	string(workflow.AgentWorking),
	string(workflow.AgentWaitingForHITL),
	string(workflow.AgentError),
}

// entry guards one agent type's status.
type entry struct {
	mu     sync.Mutex
	status workflow.AgentStatus
}

// Tracker is the authoritative in-memory record of each agent type's state.
// Mutations for one agent type are serialized; different agent types never
// contend on the same lock.
type Tracker struct {
	mapMu   sync.RWMutex
	entries map[workflow.AgentType]*entry

	store   StatusStore
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithStatusStore mirrors every mutation to store.
func WithStatusStore(store StatusStore) TrackerOption {
	return func(t *Tracker) { t.store = store }
}

// WithPublisher sets where agent_status_change events go.
func WithPublisher(p events.Publisher) TrackerOption {
	return func(t *Tracker) {
		if p != nil {
			t.events = p
		}
	}
}

// WithTrackerMetrics reports state gauges.
func WithTrackerMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker with every known agent type IDLE.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		entries: make(map[workflow.AgentType]*entry, len(workflow.AgentTypes)),
		events:  events.Discard,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	now := t.now().UTC()
	for _, a := range workflow.AgentTypes {
		t.entries[a] = &entry{status: workflow.AgentStatus{
			AgentType:    a,
			Status:       workflow.AgentIdle,
			LastActivity: now,
		}}
		t.metrics.SetAgentState(string(a), string(workflow.AgentIdle), agentStates)
	}
	return t
}

// Load restores statuses mirrored by a previous process. Entries for agents
// that were mid-task are restored as-is so operators can see what was
// interrupted.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	statuses, err := t.store.ListAgentStatuses(ctx)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		e := t.entry(st.AgentType)
		e.mu.Lock()
		e.status = st
		e.mu.Unlock()
		t.metrics.SetAgentState(string(st.AgentType), string(st.Status), agentStates)
	}
	return nil
}

func (t *Tracker) entry(a workflow.AgentType) *entry {
	t.mapMu.RLock()
	e, ok := t.entries[a]
	t.mapMu.RUnlock()
	if ok {
		return e
	}

	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	if e, ok = t.entries[a]; !ok {
		e = &entry{status: workflow.AgentStatus{AgentType: a, Status: workflow.AgentIdle}}
		t.entries[a] = e
	}
	return e
}

// SetStatus updates an agent's state and returns the new status. The store
// write is best effort: a failure is logged and the in-memory result is
// still returned. The cache and store are updated under the agent's lock;
// the event is broadcast after it is released so subscribers may read the
// tracker.
func (t *Tracker) SetStatus(ctx context.Context, agentType workflow.AgentType, state workflow.AgentState, taskID, errMsg string) workflow.AgentStatus {
	st, previous := t.apply(ctx, agentType, state, taskID, errMsg)

	data := map[string]any{
		"status":          string(state),
		"previous_status": string(previous),
	}
	if errMsg != "" {
		data["error_message"] = errMsg
	}
	t.events.Broadcast(ctx, events.New(events.AgentStatusChange, "", events.PriorityLow, data).
		ForTask(taskID, agentType))

	return st
}

func (t *Tracker) apply(ctx context.Context, agentType workflow.AgentType, state workflow.AgentState, taskID, errMsg string) (workflow.AgentStatus, workflow.AgentState) {
	e := t.entry(agentType)
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.status.Status
	e.status = workflow.AgentStatus{
		AgentType:     agentType,
		Status:        state,
		CurrentTaskID: taskID,
		LastActivity:  t.now().UTC(),
		ErrorMessage:  errMsg,
	}
	st := e.status

	if t.store != nil {
		if err := t.store.SaveAgentStatus(ctx, st); err != nil {
			t.logger.Warn("Failed to mirror agent status",
				"agent_type", agentType, "status", state, "error", err)
		}
	}
	t.metrics.SetAgentState(string(agentType), string(state), agentStates)
	return st, previous
}

// Get returns an agent's current status.
func (t *Tracker) Get(agentType workflow.AgentType) (workflow.AgentStatus, bool) {
	t.mapMu.RLock()
	e, ok := t.entries[agentType]
	t.mapMu.RUnlock()
	if !ok {
		return workflow.AgentStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// All returns a copy of every tracked status.
func (t *Tracker) All() map[workflow.AgentType]workflow.AgentStatus {
	t.mapMu.RLock()
	entries := make(map[workflow.AgentType]*entry, len(t.entries))
	for k, v := range t.entries {
		entries[k] = v
	}
	t.mapMu.RUnlock()

	out := make(map[workflow.AgentType]workflow.AgentStatus, len(entries))
	for k, e := range entries {
		e.mu.Lock()
		out[k] = e.status
		e.mu.Unlock()
	}
	return out
}
