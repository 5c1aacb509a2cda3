package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semcrew/coordinator"
	"github.com/c360studio/semcrew/workflow"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	jetstream.Msg
	data []byte

	mu         sync.Mutex
	acked      bool
	termed     bool
	inProgress int
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "crew.task.request" }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	return nil
}

func (m *fakeMsg) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress++
	return nil
}

func (m *fakeMsg) state() (acked, termed bool, inProgress int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.termed, m.inProgress
}

type fakeProcessor struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	last  atomic.Value
}

func (p *fakeProcessor) Run(ctx context.Context, req workflow.TaskRequest) (*coordinator.Result, error) {
	p.calls.Add(1)
	p.last.Store(req)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &coordinator.Result{Task: &workflow.Task{ID: req.TaskID, Status: workflow.TaskCompleted}}, nil
}

func newMsg(t *testing.T, req workflow.TaskRequest) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func testConsumer(proc Processor, ackWait time.Duration) *Consumer {
	cfg := DefaultConfig()
	cfg.AckWait = ackWait
	return New(nil, proc, cfg)
}

func TestHandle_ProcessesAndAcks(t *testing.T) {
	proc := &fakeProcessor{}
	c := testConsumer(proc, time.Minute)
	msg := newMsg(t, workflow.TaskRequest{
		TaskID:       "task-1",
		ProjectID:    "proj",
		AgentType:    "analyst",
		Instructions: "Gather requirements",
	})

	c.handle(context.Background(), msg)

	acked, termed, _ := msg.state()
	assert.True(t, acked)
	assert.False(t, termed)
	assert.Equal(t, int32(1), proc.calls.Load())
	got := proc.last.Load().(workflow.TaskRequest)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "Gather requirements", got.Instructions)
}

func TestHandle_MalformedPayloadIsTerminated(t *testing.T) {
	proc := &fakeProcessor{}
	c := testConsumer(proc, time.Minute)
	msg := &fakeMsg{data: []byte("{not json")}

	c.handle(context.Background(), msg)

	acked, termed, _ := msg.state()
	assert.False(t, acked)
	assert.True(t, termed)
	assert.Zero(t, proc.calls.Load())
}

func TestHandle_ValidationFailureIsTerminated(t *testing.T) {
	proc := &fakeProcessor{err: workflow.NewError(workflow.KindValidation, "unknown agent type", nil)}
	c := testConsumer(proc, time.Minute)
	msg := newMsg(t, workflow.TaskRequest{TaskID: "task-2", ProjectID: "proj", AgentType: "wizard"})

	c.handle(context.Background(), msg)

	acked, termed, _ := msg.state()
	assert.False(t, acked)
	assert.True(t, termed)
}

func TestHandle_TaskFailureIsAcked(t *testing.T) {
	proc := &fakeProcessor{err: workflow.NewError(workflow.KindBackend, "agent failed", errors.New("boom"))}
	c := testConsumer(proc, time.Minute)
	msg := newMsg(t, workflow.TaskRequest{TaskID: "task-3", ProjectID: "proj", AgentType: "coder"})

	c.handle(context.Background(), msg)

	acked, termed, _ := msg.state()
	assert.True(t, acked, "a failed task is recorded in storage, not redelivered")
	assert.False(t, termed)
}

func TestHandle_ExtendsAckDeadlineWhileRunning(t *testing.T) {
	proc := &fakeProcessor{delay: 120 * time.Millisecond}
	c := testConsumer(proc, 40*time.Millisecond)
	msg := newMsg(t, workflow.TaskRequest{TaskID: "task-4", ProjectID: "proj", AgentType: "tester"})

	c.handle(context.Background(), msg)

	acked, _, inProgress := msg.state()
	assert.True(t, acked)
	assert.GreaterOrEqual(t, inProgress, 2)
}

func TestKeepAlive_StopIsIdempotent(t *testing.T) {
	c := testConsumer(&fakeProcessor{}, 10*time.Millisecond)
	msg := &fakeMsg{}
	stop := c.keepAlive(context.Background(), msg)
	time.Sleep(30 * time.Millisecond)
	stop()
	stop()

	_, _, before := msg.state()
	time.Sleep(30 * time.Millisecond)
	_, _, after := msg.state()
	assert.Equal(t, before, after)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing stream", func(c *Config) { c.StreamName = "" }},
		{"missing consumer", func(c *Config) { c.ConsumerName = "" }},
		{"missing subject", func(c *Config) { c.Subject = "" }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"zero ack wait", func(c *Config) { c.AckWait = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStart_RollsBackOnStreamError(t *testing.T) {
	c := New(failingSource{}, &fakeProcessor{}, DefaultConfig())
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get stream")

	// A failed start rolls back so the next attempt reaches the stream again.
	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get stream")
}

type failingSource struct{}

func (failingSource) Stream(context.Context, string) (jetstream.Stream, error) {
	return nil, jetstream.ErrStreamNotFound
}
