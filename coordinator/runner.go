package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/workflow"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds how often a task request is re-run after a retryable failure.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the wait before the second attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMultiplier is applied to the wait after each attempt.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Jitter is the randomization factor applied to each wait.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryConfig returns three attempts starting at a 5s wait.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        time.Minute,
		Jitter:            0.25,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BackoffBase < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must be non-negative")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1)")
	}
	return nil
}

func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffBase
	b.Multiplier = c.BackoffMultiplier
	b.MaxInterval = c.MaxBackoff
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Runner re-runs the full task pipeline, gate included, after retryable
// failures. Only the last attempt, or a non-retryable failure, marks the
// task FAILED.
type Runner struct {
	coord   *Coordinator
	cfg     RetryConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerMetrics counts retries.
func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner wraps coord with the retry policy cfg.
func NewRunner(coord *Coordinator, cfg RetryConfig, opts ...RunnerOption) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Runner{
		coord:  coord,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes req, retrying retryable failures with exponential backoff.
// The error of the last attempt is returned.
func (r *Runner) Run(ctx context.Context, req workflow.TaskRequest) (*Result, error) {
	b := r.cfg.newBackOff()
	for attempt := 1; ; attempt++ {
		last := attempt >= r.cfg.MaxAttempts
		res, err := r.coord.process(ctx, req, attempt, !last)
		if err == nil {
			return res, nil
		}
		if last || !workflow.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		wait := b.NextBackOff()
		r.metrics.TaskRetried(string(workflow.KindOf(err)))
		r.logger.Info("Retrying task",
			"task_id", req.TaskID,
			"attempt", attempt,
			"next_attempt_in", wait,
			"error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// The task is still WORKING from the failed attempt.
			if cerr := r.coord.store.CancelTask(context.WithoutCancel(ctx), req.TaskID, "cancelled while waiting to retry"); cerr != nil {
				r.logger.Warn("Failed to cancel task", "task_id", req.TaskID, "error", cerr)
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
