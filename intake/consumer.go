// Package intake consumes task requests from a JetStream work queue and runs
// each one through the coordinator, bounded by a concurrency limit.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semcrew/coordinator"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds the consumer settings.
type Config struct {
	StreamName    string        `yaml:"stream_name"`
	ConsumerName  string        `yaml:"consumer_name"`
	Subject       string        `yaml:"subject"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	AckWait       time.Duration `yaml:"ack_wait"`
	FetchWait     time.Duration `yaml:"fetch_wait"`
}

// DefaultConfig returns a durable consumer on the task request subject.
func DefaultConfig() Config {
	return Config{
		StreamName:    events.TasksStream,
		ConsumerName:  "semcrew-intake",
		Subject:       events.TaskRequestSubject,
		MaxConcurrent: 3,
		AckWait:       45 * time.Minute,
		FetchWait:     5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.AckWait <= 0 || c.FetchWait <= 0 {
		return fmt.Errorf("ack_wait and fetch_wait must be positive")
	}
	return nil
}

// Processor runs one task request to completion.
type Processor interface {
	Run(ctx context.Context, req workflow.TaskRequest) (*coordinator.Result, error)
}

// StreamSource looks up a JetStream stream. jetstream.JetStream satisfies it.
type StreamSource interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
}

// Consumer pulls task requests and processes them.
type Consumer struct {
	js     StreamSource
	proc   Processor
	cfg    Config
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	consumer jetstream.Consumer
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a consumer.
func New(js StreamSource, proc Processor, cfg Config, opts ...Option) *Consumer {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	c := &Consumer{
		js:     js,
		proc:   proc,
		cfg:    cfg,
		logger: slog.Default(),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates the durable consumer and begins fetching.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("intake already running")
	}
	c.running = true
	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	stream, err := c.js.Stream(subCtx, c.cfg.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.cfg.StreamName, err)
	}

	// Retries happen inside the coordinator's runner, so each request is
	// delivered once.
	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    1,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.mu.Lock()
	c.consumer = consumer
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop(subCtx, consumer)

	c.logger.Info("Intake started",
		"stream", c.cfg.StreamName,
		"consumer", c.cfg.ConsumerName,
		"subject", c.cfg.Subject,
		"max_concurrent", c.cfg.MaxConcurrent)
	return nil
}

func (c *Consumer) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// Stop cancels fetching and in-flight requests and waits for them to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// consumeLoop fetches one message whenever a worker slot is free.
func (c *Consumer) consumeLoop(ctx context.Context, consumer jetstream.Consumer) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c.sem <- struct{}{}:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			<-c.sem
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		dispatched := false
		for msg := range msgs.Messages() {
			dispatched = true
			c.wg.Add(1)
			go func(msg jetstream.Msg) {
				defer c.wg.Done()
				defer func() { <-c.sem }()
				c.handle(ctx, msg)
			}(msg)
		}
		if !dispatched {
			<-c.sem
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			c.logger.Warn("Message fetch error", "error", err)
		}
	}
}

// handle decodes and runs one request. Malformed payloads are terminated;
// everything else is acked once the coordinator has written a terminal state.
func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	var req workflow.TaskRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		c.logger.Error("Malformed task request", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to TERM message", "error", err)
		}
		return
	}

	stop := c.keepAlive(ctx, msg)
	res, err := c.proc.Run(ctx, req)
	stop()

	switch {
	case err == nil:
		c.logger.Info("Task request processed",
			"task_id", req.TaskID,
			"agent_type", req.AgentType,
			"status", res.Task.Status)
	case workflow.IsKind(err, workflow.KindValidation):
		c.logger.Warn("Rejected invalid task request", "task_id", req.TaskID, "error", err)
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to TERM message", "error", err)
		}
		return
	case ctx.Err() != nil:
		// Shutting down; the task row records the cancellation.
		c.logger.Info("Task request interrupted", "task_id", req.TaskID)
	default:
		c.logger.Warn("Task request failed", "task_id", req.TaskID, "kind", workflow.KindOf(err), "error", err)
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "task_id", req.TaskID, "error", err)
	}
}

// keepAlive extends the ack deadline while a request waits on approval or
// the agent. The returned func stops it.
func (c *Consumer) keepAlive(ctx context.Context, msg jetstream.Msg) func() {
	interval := c.cfg.AckWait / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					c.logger.Debug("Failed to extend ack deadline", "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
