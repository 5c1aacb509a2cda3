package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects delivered events and fails while failures > 0.
type recorder struct {
	mu       sync.Mutex
	events   []Event
	failures int
}

func (r *recorder) Deliver(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("subscriber offline")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.InitialInterval = 10 * time.Millisecond
	cfg.MaxInterval = 50 * time.Millisecond
	cfg.DispatchInterval = 5 * time.Millisecond
	return cfg
}

func TestBroadcast_ProjectScope(t *testing.T) {
	bus := NewBus(testConfig())
	ctx := context.Background()

	projectA, projectB, global := &recorder{}, &recorder{}, &recorder{}
	_, err := bus.Subscribe("A", projectA)
	require.NoError(t, err)
	_, err = bus.Subscribe("B", projectB)
	require.NoError(t, err)
	_, err = bus.Subscribe("", global)
	require.NoError(t, err)

	bus.Broadcast(ctx, New(TaskStarted, "A", PriorityNormal, nil))
	bus.Broadcast(ctx, New(EmergencyStop, "", PriorityCritical, nil))

	assert.Equal(t, []Type{TaskStarted}, projectA.types())
	assert.Empty(t, projectB.types())
	assert.Equal(t, []Type{TaskStarted, EmergencyStop}, global.types())
}

func TestBroadcast_EmissionOrder(t *testing.T) {
	bus := NewBus(testConfig())
	ctx := context.Background()
	rec := &recorder{}
	_, err := bus.Subscribe("P", rec)
	require.NoError(t, err)

	bus.Broadcast(ctx, New(TaskStarted, "P", PriorityNormal, nil))
	bus.Broadcast(ctx, New(HITLRequestCreated, "P", PriorityHigh, nil))
	bus.Broadcast(ctx, New(TaskCompleted, "P", PriorityNormal, nil))
	bus.Broadcast(ctx, New(ChatMessage, "P", PriorityLow, nil))

	assert.Equal(t, []Type{TaskStarted, HITLRequestCreated, TaskCompleted, ChatMessage}, rec.types())
}

func TestSubscribe_TypeFilter(t *testing.T) {
	bus := NewBus(testConfig())
	ctx := context.Background()

	rec := &recorder{}
	_, err := bus.Subscribe("", rec, WithTypes("task_*", "recovery_update"))
	require.NoError(t, err)

	bus.Broadcast(ctx, New(TaskStarted, "P", PriorityNormal, nil))
	bus.Broadcast(ctx, New(AgentStatusChange, "P", PriorityLow, nil))
	bus.Broadcast(ctx, New(RecoveryUpdate, "P", PriorityNormal, nil))
	bus.Broadcast(ctx, New(TaskFailed, "P", PriorityHigh, nil))

	assert.Equal(t, []Type{TaskStarted, RecoveryUpdate, TaskFailed}, rec.types())

	_, err = bus.Subscribe("", rec, WithTypes("task_["))
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(testConfig())
	ctx := context.Background()

	rec := &recorder{failures: 1}
	sub, err := bus.Subscribe("P", rec)
	require.NoError(t, err)

	bus.Broadcast(ctx, New(TaskFailed, "P", PriorityHigh, nil))
	require.Len(t, bus.PendingNotifications(), 1)

	sub.Unsubscribe()
	assert.Empty(t, bus.PendingNotifications())

	bus.Broadcast(ctx, New(TaskStarted, "P", PriorityNormal, nil))
	assert.Empty(t, rec.types())
}

func TestBroadcast_BestEffortIsNotRetried(t *testing.T) {
	bus := NewBus(testConfig())
	rec := &recorder{failures: 2}
	_, err := bus.Subscribe("", rec)
	require.NoError(t, err)

	bus.Broadcast(context.Background(), New(AgentStatusChange, "P", PriorityLow, nil))
	bus.Broadcast(context.Background(), New(TaskStarted, "P", PriorityNormal, nil))

	assert.Empty(t, bus.PendingNotifications())
	assert.Empty(t, rec.types())
}

func TestBroadcast_SubscriberPanicIsContained(t *testing.T) {
	bus := NewBus(testConfig())
	_, err := bus.Subscribe("", SubscriberFunc(func(context.Context, Event) error {
		panic("boom")
	}))
	require.NoError(t, err)
	rec := &recorder{}
	_, err = bus.Subscribe("", rec)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		bus.Broadcast(context.Background(), New(TaskFailed, "P", PriorityHigh, nil))
	})
	assert.Equal(t, []Type{TaskFailed}, rec.types())
	assert.Len(t, bus.PendingNotifications(), 1)
}

func TestRetryDue_RedeliversHighPriority(t *testing.T) {
	clock := newTestClock()
	bus := NewBus(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	rec := &recorder{failures: 1}
	_, err := bus.Subscribe("P", rec)
	require.NoError(t, err)

	bus.Broadcast(ctx, New(TaskFailed, "P", PriorityHigh, map[string]any{"reason": "x"}))

	pending := bus.PendingNotifications()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, 3, pending[0].Event.MaxRetries)
	assert.Equal(t, "subscriber offline", pending[0].LastError)

	// Not due yet.
	assert.Equal(t, 0, bus.RetryDue(ctx))

	clock.Advance(time.Second)
	assert.Equal(t, 1, bus.RetryDue(ctx))
	assert.Empty(t, bus.PendingNotifications())

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].RetryCount)
	assert.Equal(t, "x", got[0].Data["reason"])
}

func TestRetryDue_ExhaustsAndCleansUp(t *testing.T) {
	clock := newTestClock()
	bus := NewBus(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	rec := &recorder{failures: 100}
	_, err := bus.Subscribe("", rec)
	require.NoError(t, err)

	bus.Broadcast(ctx, New(RecoveryUpdate, "P", PriorityCritical, nil))
	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		bus.RetryDue(ctx)
	}

	pending := bus.PendingNotifications()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Exhausted)
	// One initial attempt plus three retries.
	assert.Equal(t, 4, pending[0].Attempts)

	assert.Equal(t, 1, bus.CleanupExpired(time.Hour))
	assert.Empty(t, bus.PendingNotifications())
}

func TestCleanupExpired_AgedOut(t *testing.T) {
	clock := newTestClock()
	bus := NewBus(testConfig(), WithClock(clock.Now))

	rec := &recorder{failures: 1}
	_, err := bus.Subscribe("", rec)
	require.NoError(t, err)
	bus.Broadcast(context.Background(), New(TaskFailed, "P", PriorityHigh, nil))

	assert.Equal(t, 0, bus.CleanupExpired(time.Hour))
	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, bus.CleanupExpired(time.Hour))
}

func TestRetryDue_CriticalBeforeHigh(t *testing.T) {
	clock := newTestClock()
	bus := NewBus(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	rec := &recorder{failures: 3}
	_, err := bus.Subscribe("", rec)
	require.NoError(t, err)

	bus.Broadcast(ctx, New(TaskFailed, "P", PriorityHigh, map[string]any{"n": 1}))
	bus.Broadcast(ctx, New(HITLRequestCreated, "P", PriorityHigh, map[string]any{"n": 2}))
	bus.Broadcast(ctx, New(EmergencyStop, "P", PriorityCritical, map[string]any{"n": 3}))

	pending := bus.PendingNotifications()
	require.Len(t, pending, 3)
	assert.Equal(t, EmergencyStop, pending[0].Event.Type)
	assert.Equal(t, TaskFailed, pending[1].Event.Type)

	clock.Advance(time.Minute)
	assert.Equal(t, 3, bus.RetryDue(ctx))
	assert.Equal(t, []Type{EmergencyStop, TaskFailed, HITLRequestCreated}, rec.types())
}

func TestPendingNotifications_ReturnsCopy(t *testing.T) {
	bus := NewBus(testConfig())
	rec := &recorder{failures: 1}
	_, err := bus.Subscribe("", rec)
	require.NoError(t, err)
	bus.Broadcast(context.Background(), New(TaskFailed, "P", PriorityHigh, map[string]any{"k": "v"}))

	snapshot := bus.PendingNotifications()
	snapshot[0].Event.Data["k"] = "changed"
	snapshot[0].Attempts = 99

	again := bus.PendingNotifications()
	assert.Equal(t, "v", again[0].Event.Data["k"])
	assert.Equal(t, 1, again[0].Attempts)
}

func TestStartStop_DispatchesRetries(t *testing.T) {
	bus := NewBus(testConfig())
	ctx := context.Background()

	rec := &recorder{failures: 1}
	_, err := bus.Subscribe("", rec)
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	assert.Error(t, bus.Start(ctx))
	defer bus.Stop()

	bus.Broadcast(ctx, New(TaskFailed, "P", PriorityHigh, nil))

	require.Eventually(t, func() bool {
		return len(rec.types()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, bus.PendingNotifications())

	bus.Stop()
	bus.Stop()
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Multiplier = 0.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxInterval = cfg.InitialInterval / 2
	assert.Error(t, cfg.Validate())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"low", PriorityLow, false},
		{"NORMAL", PriorityNormal, false},
		{"", PriorityNormal, false},
		{"high", PriorityHigh, false},
		{"critical", PriorityCritical, false},
		{"urgent", PriorityNormal, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Retried(), got >= PriorityHigh)
		})
	}
}
