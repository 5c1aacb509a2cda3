package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/semcrew/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
)

// Config controls redelivery of HIGH and CRITICAL events.
type Config struct {
	// MaxRetries applies to retried events that do not set their own.
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	// DispatchInterval is how often the dispatcher looks for due retries.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	// MaxAge bounds how long a notification stays in the retry queue.
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       5,
		InitialInterval:  time.Second,
		MaxInterval:      30 * time.Second,
		Multiplier:       2.0,
		DispatchInterval: time.Second,
		MaxAge:           time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.InitialInterval <= 0 || c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("retry intervals must be positive and max >= initial")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("dispatch_interval must be positive")
	}
	return nil
}

// Notification is a delivery that failed at least once and is waiting for
// redelivery to one subscription.
type Notification struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Event          Event     `json:"event"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	NextAttempt    time.Time `json:"next_attempt"`
	CreatedAt      time.Time `json:"created_at"`
	Exhausted      bool      `json:"exhausted"`

	backoff backoff.BackOff
}

// Subscription is a registered subscriber. Project-scoped subscriptions
// receive events for their project; global ones receive every event.
type Subscription struct {
	id        string
	projectID string
	patterns  []string
	sub       Subscriber
	bus       *Bus
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithTypes limits delivery to event types matching any of the glob patterns,
// for example "task_*" or "hitl_request_created".
func WithTypes(patterns ...string) SubscribeOption {
	return func(s *Subscription) {
		s.patterns = append(s.patterns, patterns...)
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Unsubscribe removes the subscription and drops its queued retries.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

func (s *Subscription) matches(ev Event) bool {
	if s.projectID != "" && s.projectID != ev.ProjectID {
		return false
	}
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		// Patterns are validated in Subscribe.
		if ok, _ := doublestar.Match(p, string(ev.Type)); ok {
			return true
		}
	}
	return false
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records broadcast and delivery counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithClock overrides the time source used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// Bus broadcasts events to subscribers. The first delivery attempt happens
// synchronously inside Broadcast, so events emitted by one goroutine reach
// each subscriber in emission order. Failed HIGH and CRITICAL deliveries are
// queued and redelivered by the dispatcher started with Start, CRITICAL
// before HIGH and FIFO within a tier.
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	subs []*Subscription

	qmu   sync.Mutex
	queue map[Priority][]*Notification

	wake chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBus creates a bus.
func NewBus(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		queue:  make(map[Priority][]*Notification),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers sub for projectID, or for every project when
// projectID is empty.
func (b *Bus) Subscribe(projectID string, sub Subscriber, opts ...SubscribeOption) (*Subscription, error) {
	s := &Subscription{
		id:        ulid.Make().String(),
		projectID: projectID,
		sub:       sub,
		bus:       b,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, p := range s.patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid event type pattern %q", p)
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	b.qmu.Lock()
	for p, q := range b.queue {
		kept := q[:0]
		for _, n := range q {
			if n.SubscriptionID != id {
				kept = append(kept, n)
			}
		}
		b.queue[p] = kept
	}
	b.updateDepthLocked()
	b.qmu.Unlock()
}

func (b *Bus) subscription(id string) *Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.id == id {
			return s
		}
	}
	return nil
}

// Broadcast delivers ev to every matching subscriber. It never fails:
// best-effort failures are logged, retried failures are queued.
func (b *Bus) Broadcast(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	if ev.Priority.Retried() && ev.MaxRetries == 0 {
		ev.MaxRetries = b.cfg.MaxRetries
	}
	b.metrics.EventBroadcast(string(ev.Type), ev.Priority.String())

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		err := b.deliver(ctx, s, ev)
		if err == nil {
			continue
		}
		b.metrics.DeliveryFailed(ev.Priority.String())

		if !ev.Priority.Retried() || ev.MaxRetries <= 0 {
			b.logger.Debug("Dropped best-effort event",
				"event_type", ev.Type,
				"subscription", s.id,
				"error", err)
			continue
		}
		b.enqueue(s.id, ev, err)
	}
}

func (b *Bus) deliver(ctx context.Context, s *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.sub.Deliver(ctx, ev)
}

func (b *Bus) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialInterval
	bo.MaxInterval = b.cfg.MaxInterval
	bo.Multiplier = b.cfg.Multiplier
	// Attempts are bounded by MaxRetries, not elapsed time.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (b *Bus) enqueue(subID string, ev Event, cause error) {
	now := b.now()
	bo := b.newBackOff()
	next := now.Add(bo.NextBackOff())
	n := &Notification{
		ID:             ulid.Make().String(),
		SubscriptionID: subID,
		Event:          ev,
		Attempts:       1,
		LastError:      cause.Error(),
		NextAttempt:    next,
		CreatedAt:      now,
		backoff:        bo,
	}

	b.qmu.Lock()
	b.queue[ev.Priority] = append(b.queue[ev.Priority], n)
	b.updateDepthLocked()
	b.qmu.Unlock()

	b.logger.Warn("Event delivery failed, queued for retry",
		"event_type", ev.Type,
		"priority", ev.Priority.String(),
		"subscription", subID,
		"next_attempt", next,
		"error", cause)

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// RetryDue redelivers every queued notification whose next attempt is due,
// CRITICAL before HIGH and FIFO within a tier. It returns the number of
// notifications delivered successfully.
func (b *Bus) RetryDue(ctx context.Context) int {
	now := b.now()

	type attempt struct {
		n  *Notification
		ev Event
	}

	b.qmu.Lock()
	var due []attempt
	for _, p := range []Priority{PriorityCritical, PriorityHigh} {
		for _, n := range b.queue[p] {
			if !n.Exhausted && !n.NextAttempt.After(now) {
				ev := n.Event
				ev.RetryCount = n.Attempts
				due = append(due, attempt{n: n, ev: ev})
			}
		}
	}
	b.qmu.Unlock()

	delivered := 0
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		n, ev := a.n, a.ev
		s := b.subscription(n.SubscriptionID)
		if s == nil {
			b.remove(n)
			continue
		}

		err := b.deliver(ctx, s, ev)
		if err == nil {
			b.remove(n)
			delivered++
			continue
		}
		b.metrics.DeliveryFailed(ev.Priority.String())

		b.qmu.Lock()
		n.Attempts++
		n.Event.RetryCount = ev.RetryCount
		n.LastError = err.Error()
		next := n.backoff.NextBackOff()
		if n.Attempts-1 >= n.Event.MaxRetries || next == backoff.Stop {
			n.Exhausted = true
		} else {
			n.NextAttempt = b.now().Add(next)
		}
		exhausted, attempts := n.Exhausted, n.Attempts
		b.qmu.Unlock()

		if exhausted {
			b.logger.Error("Event delivery retries exhausted",
				"event_type", ev.Type,
				"subscription", n.SubscriptionID,
				"attempts", attempts,
				"error", err)
		}
	}
	return delivered
}

func (b *Bus) remove(target *Notification) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	q := b.queue[target.Event.Priority]
	for i, n := range q {
		if n == target {
			b.queue[target.Event.Priority] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	b.updateDepthLocked()
}

func (b *Bus) updateDepthLocked() {
	total := 0
	for _, q := range b.queue {
		total += len(q)
	}
	b.metrics.SetRetryQueueDepth(total)
}

// PendingNotifications returns a snapshot of the retry queue, CRITICAL first
// and oldest first within a tier.
func (b *Bus) PendingNotifications() []Notification {
	b.qmu.Lock()
	defer b.qmu.Unlock()

	var out []Notification
	for _, q := range b.queue {
		for _, n := range q {
			c := *n
			c.backoff = nil
			if n.Event.Data != nil {
				c.Event.Data = make(map[string]any, len(n.Event.Data))
				for k, v := range n.Event.Data {
					c.Event.Data[k] = v
				}
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event.Priority != out[j].Event.Priority {
			return out[i].Event.Priority > out[j].Event.Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CleanupExpired drops notifications that exhausted their retries or were
// queued longer than maxAge ago, and returns how many were dropped. A
// non-positive maxAge uses the configured MaxAge.
func (b *Bus) CleanupExpired(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = b.cfg.MaxAge
	}
	cutoff := b.now().Add(-maxAge)

	b.qmu.Lock()
	defer b.qmu.Unlock()
	removed := 0
	for p, q := range b.queue {
		kept := q[:0]
		for _, n := range q {
			if n.Exhausted || (maxAge > 0 && n.CreatedAt.Before(cutoff)) {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		b.queue[p] = kept
	}
	b.updateDepthLocked()
	return removed
}

// Start launches the retry dispatcher.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return fmt.Errorf("event bus already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.dispatchLoop(runCtx, b.done)
	return nil
}

// Stop halts the dispatcher and waits for it to exit. Queued notifications
// are kept.
func (b *Bus) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bus) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.DispatchInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.RetryDue(ctx)
		case <-b.wake:
			b.RetryDue(ctx)
		case <-cleanup.C:
			if n := b.CleanupExpired(0); n > 0 {
				b.logger.Debug("Cleaned up expired notifications", "count", n)
			}
		}
	}
}

// LogSubscriber logs every event at debug level.
func LogSubscriber(logger *slog.Logger) Subscriber {
	return SubscriberFunc(func(_ context.Context, ev Event) error {
		logger.Debug("Event",
			"type", ev.Type,
			"project_id", ev.ProjectID,
			"task_id", ev.TaskID,
			"agent_type", ev.AgentType,
			"priority", ev.Priority.String())
		return nil
	})
}
