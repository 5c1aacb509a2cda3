// Package audit provides the append-only audit trail written by the safety
// gate, trigger evaluator and recovery manager.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event types written to the audit trail.
const (
	GateDecision       = "gate_decision"
	HITLRequestCreated = "hitl_request_created"
	ApprovalExpired    = "approval_expired"
	EmergencyStop      = "emergency_stop_activated"
	EmergencyStopClear = "emergency_stop_deactivated"
	ApprovalDecided    = "approval_decided"
	BudgetUpdated      = "budget_updated"
	RecoveryInitiated  = "recovery_initiated"
	RecoveryStep       = "recovery_step"
)

// Entry is one audit record.
type Entry struct {
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives audit entries. Sinks are write-only.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Store is the persistence side of StoreSink.
type Store interface {
	AppendAudit(ctx context.Context, eventType, actor string, data map[string]any, at time.Time) error
}

// StoreSink appends entries to a relational store.
type StoreSink struct {
	store Store
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

// Record appends e.
func (s *StoreSink) Record(ctx context.Context, e Entry) error {
	return s.store.AppendAudit(ctx, e.EventType, e.Actor, e.Data, stamp(e))
}

// LogSink writes entries to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record logs e.
func (s *LogSink) Record(ctx context.Context, e Entry) error {
	attrs := make([]any, 0, 6+2*len(e.Data))
	attrs = append(attrs, "event_type", e.EventType, "actor", e.Actor, "timestamp", stamp(e))
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "Audit", attrs...)
	return nil
}

// Multi fans an entry out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) error { return nil }

// Write records e on sink and logs a failure instead of returning it. Audit
// writes never change the outcome of the operation being audited.
func Write(ctx context.Context, sink Sink, logger *slog.Logger, e Entry) {
	if sink == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := sink.Record(ctx, e); err != nil && logger != nil {
		logger.Warn("Failed to write audit entry",
			"event_type", e.EventType,
			"actor", e.Actor,
			"error", err)
	}
}

func stamp(e Entry) time.Time {
	if e.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return e.Timestamp
}
