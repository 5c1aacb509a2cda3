// Package metrics defines the Prometheus collectors shared by semcrew
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semcrew"

// Metrics groups every collector the coordinator, gate, bus and recovery
// manager report to.
type Metrics struct {
	EventsBroadcast  *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	RetryQueueDepth  prometheus.Gauge

	GateDecisions    *prometheus.CounterVec
	ApprovalsCreated *prometheus.CounterVec
	ApprovalWait     prometheus.Histogram
	ApprovalsExpired prometheus.Counter

	TasksProcessed *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TokensUsed     *prometheus.CounterVec
	TaskRetries    *prometheus.CounterVec

	RecoverySessions *prometheus.CounterVec
	AgentState       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which tests use to read values directly.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "broadcast_total",
			Help:      "Events broadcast, by type and priority.",
		}, []string{"type", "priority"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "delivery_failures_total",
			Help:      "Failed subscriber deliveries, by priority.",
		}, []string{"priority"}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "retry_queue_depth",
			Help:      "Notifications waiting for redelivery.",
		}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Safety gate outcomes, by result and denial kind.",
		}, []string{"result", "kind"}),
		ApprovalsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hitl",
			Name:      "approvals_created_total",
			Help:      "Approval requests created, by request type.",
		}, []string{"request_type"}),
		ApprovalWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hitl",
			Name:      "approval_wait_seconds",
			Help:      "Time spent waiting for a human decision.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800},
		}),
		ApprovalsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hitl",
			Name:      "approvals_expired_total",
			Help:      "Approval requests expired without a decision.",
		}),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Task attempts finished, by agent type and outcome.",
		}, []string{"agent_type", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time of one task attempt including approval wait.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"agent_type"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "tokens_used_total",
			Help:      "Tokens charged against budgets, by agent type.",
		}, []string{"agent_type"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Task attempts re-run by the retry wrapper, by error kind.",
		}, []string{"kind"}),
		RecoverySessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "sessions_total",
			Help:      "Recovery sessions initiated, by strategy.",
		}, []string{"strategy"}),
		AgentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "state",
			Help:      "1 for the current state of each agent type, 0 otherwise.",
		}, []string{"agent_type", "state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsBroadcast, m.DeliveryFailures, m.RetryQueueDepth,
			m.GateDecisions, m.ApprovalsCreated, m.ApprovalWait, m.ApprovalsExpired,
			m.TasksProcessed, m.TaskDuration, m.TokensUsed, m.TaskRetries,
			m.RecoverySessions, m.AgentState,
		)
	}
	return m
}

// EventBroadcast counts one broadcast.
func (m *Metrics) EventBroadcast(eventType, priority string) {
	if m == nil {
		return
	}
	m.EventsBroadcast.WithLabelValues(eventType, priority).Inc()
}

// DeliveryFailed counts one failed delivery attempt.
func (m *Metrics) DeliveryFailed(priority string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(priority).Inc()
}

// SetRetryQueueDepth records the retry queue length.
func (m *Metrics) SetRetryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

// GateDecision counts one gate outcome. kind is empty for grants.
func (m *Metrics) GateDecision(granted bool, kind string) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.GateDecisions.WithLabelValues(result, kind).Inc()
}

// ApprovalCreated counts one new approval request.
func (m *Metrics) ApprovalCreated(requestType string) {
	if m == nil {
		return
	}
	m.ApprovalsCreated.WithLabelValues(requestType).Inc()
}

// ObserveApprovalWait records how long a caller blocked on a decision.
func (m *Metrics) ObserveApprovalWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalWait.Observe(d.Seconds())
}

// ApprovalExpired counts one expired request.
func (m *Metrics) ApprovalExpired() {
	if m == nil {
		return
	}
	m.ApprovalsExpired.Inc()
}

// TaskFinished records the outcome and duration of one task attempt.
func (m *Metrics) TaskFinished(agentType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksProcessed.WithLabelValues(agentType, outcome).Inc()
	m.TaskDuration.WithLabelValues(agentType).Observe(d.Seconds())
}

// AddTokens counts tokens charged for an agent type.
func (m *Metrics) AddTokens(agentType string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensUsed.WithLabelValues(agentType).Add(float64(tokens))
}

// TaskRetried counts one retry by error kind.
func (m *Metrics) TaskRetried(kind string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(kind).Inc()
}

// RecoveryStarted counts one recovery session.
func (m *Metrics) RecoveryStarted(strategy string) {
	if m == nil {
		return
	}
	m.RecoverySessions.WithLabelValues(strategy).Inc()
}

// SetAgentState marks state as the current state of agentType among states.
func (m *Metrics) SetAgentState(agentType, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.AgentState.WithLabelValues(agentType, s).Set(v)
	}
}
