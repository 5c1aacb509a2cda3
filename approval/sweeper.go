package approval

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

// DefaultSweepInterval is how often overdue requests are expired.
const DefaultSweepInterval = time.Minute

// SweepStore expires overdue requests.
type SweepStore interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]*workflow.ApprovalRequest, error)
}

// Sweeper expires pending requests past their expires_at, including those
// nobody is actively waiting on.
type Sweeper struct {
	store    SweepStore
	interval time.Duration
	events   events.Publisher
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the check interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepPublisher sets where hitl_request_expired events go.
func WithSweepPublisher(p events.Publisher) SweeperOption {
	return func(s *Sweeper) {
		if p != nil {
			s.events = p
		}
	}
}

// WithSweepAudit sets the audit sink.
func WithSweepAudit(sink audit.Sink) SweeperOption {
	return func(s *Sweeper) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithSweepMetrics counts expirations.
func WithSweepMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepClock overrides the time source.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper.
func NewSweeper(store SweepStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		interval: DefaultSweepInterval,
		events:   events.Discard,
		audit:    audit.Discard,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop until Stop or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.checkLoop(subCtx, s.done)

	s.logger.Info("Approval sweeper started", "check_interval", s.interval)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) checkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires every overdue pending request once and returns how many
// were expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	expired, err := s.store.ExpireOverdue(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("Failed to expire overdue approvals", "error", err)
	}

	for _, req := range expired {
		s.metrics.ApprovalExpired()
		s.logger.Info("Approval request expired",
			"approval_id", req.ID,
			"project_id", req.ProjectID,
			"task_id", req.TaskID,
			"request_type", req.RequestType)

		data := map[string]any{
			"approval_id":  req.ID,
			"request_type": req.RequestType,
			"expires_at":   req.ExpiresAt,
		}
		audit.Write(ctx, s.audit, s.logger, audit.Entry{
			EventType: audit.ApprovalExpired,
			Actor:     "approval-sweeper",
			Data:      data,
		})
		s.events.Broadcast(ctx, events.New(events.HITLRequestExpired, req.ProjectID, events.PriorityHigh, data).
			ForTask(req.TaskID, req.AgentType))
	}
	return len(expired)
}
