// Package approval implements the wait protocol shared by the safety gate
// and the recovery manager, and the sweep that expires overdue requests.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
)

// DefaultPollInterval is how often a pending request is re-read.
const DefaultPollInterval = 5 * time.Second

// TimeoutComment is stored on requests that expire while being waited on.
const TimeoutComment = "timed out"

// Store is the persistence the waiter needs.
type Store interface {
	GetApproval(ctx context.Context, id string) (*workflow.ApprovalRequest, error)
	ExpireApproval(ctx context.Context, id, comment string) error
	WatchApproval(id string) (<-chan struct{}, func())
}

// Outcome is the resolution of a waited-on request.
type Outcome struct {
	Status  workflow.ApprovalStatus
	Comment string
}

// Approved reports whether the request was approved.
func (o Outcome) Approved() bool {
	return o.Status == workflow.ApprovalApproved
}

// Waiter blocks until a request is resolved or its poll budget runs out.
type Waiter struct {
	store    Store
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWaiterMetrics records wait durations.
func WithWaiterMetrics(m *metrics.Metrics) WaiterOption {
	return func(w *Waiter) { w.metrics = m }
}

// WithWaiterLogger sets the logger.
func WithWaiterLogger(logger *slog.Logger) WaiterOption {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWaiter creates a waiter over store.
func NewWaiter(store Store, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		store:    store,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Interval returns the poll interval.
func (w *Waiter) Interval() time.Duration {
	return w.interval
}

// MaxPolls returns how many interval sleeps fit in timeout, at least one.
func (w *Waiter) MaxPolls(timeout time.Duration) int {
	n := int((timeout + w.interval - 1) / w.interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Wait re-reads the request every poll interval, and immediately whenever the
// store signals a change, until it leaves PENDING. After MaxPolls(timeout)
// intervals without a decision the request is marked expired and an expired
// outcome is returned.
func (w *Waiter) Wait(ctx context.Context, id string, timeout time.Duration) (Outcome, error) {
	started := time.Now()
	defer func() { w.metrics.ObserveApprovalWait(time.Since(started)) }()

	changed, cancel := w.store.WatchApproval(id)
	defer cancel()

	maxPolls := w.MaxPolls(timeout)
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for polls := 0; ; {
		req, err := w.store.GetApproval(ctx, id)
		if err != nil {
			return Outcome{}, fmt.Errorf("get approval %s: %w", id, err)
		}
		if req.Status != workflow.ApprovalPending {
			return Outcome{Status: req.Status, Comment: req.UserComment}, nil
		}
		if polls >= maxPolls {
			break
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-changed:
		case <-timer.C:
			polls++
			timer.Reset(w.interval)
		}
	}

	w.logger.Info("Approval wait timed out", "approval_id", id, "timeout", timeout)
	err := w.store.ExpireApproval(ctx, id, TimeoutComment)
	if errors.Is(err, storage.ErrInvalidTransition) {
		// Decided between the last read and the expiry.
		req, getErr := w.store.GetApproval(ctx, id)
		if getErr != nil {
			return Outcome{}, fmt.Errorf("get approval %s: %w", id, getErr)
		}
		return Outcome{Status: req.Status, Comment: req.UserComment}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("expire approval %s: %w", id, err)
	}
	return Outcome{Status: workflow.ApprovalExpired, Comment: TimeoutComment}, nil
}
