package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/approval"
	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/config"
	"github.com/c360studio/semcrew/coordinator"
	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/hitl"
	"github.com/c360studio/semcrew/intake"
	"github.com/c360studio/semcrew/llm"
	"github.com/c360studio/semcrew/metrics"
	"github.com/c360studio/semcrew/model"
	"github.com/c360studio/semcrew/recovery"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	// Register LLM providers via init()
	_ "github.com/c360studio/semcrew/llm/providers"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator, approval sweeper and task intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload oversight settings when the config file changes")
	return cmd
}

// services holds everything serve wires together.
type services struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *storage.SQLite
	metrics *metrics.Metrics
	reg     *prometheus.Registry

	bus       *events.Bus
	tracker   *agent.Tracker
	sweeper   *approval.Sweeper
	recovery  *recovery.Manager
	evaluator *hitl.Evaluator
	gate      *hitl.Gate
	runner    *coordinator.Runner
	resubmit  *resubmitter
}

// resubmitter sends recovery retries to the intake stream once NATS is up,
// and runs them in-process before that or when NATS is disabled.
type resubmitter struct {
	subject string
	logger  *slog.Logger

	mu     sync.RWMutex
	js     taskPublisher
	runner *coordinator.Runner
}

func (r *resubmitter) Resubmit(ctx context.Context, req workflow.TaskRequest) error {
	r.mu.RLock()
	js, runner := r.js, r.runner
	r.mu.RUnlock()

	if js != nil {
		_, err := publishTask(ctx, js, r.subject, &req)
		return err
	}
	if runner == nil {
		return fmt.Errorf("no task runner available")
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	go func() {
		if _, err := runner.Run(context.WithoutCancel(ctx), req); err != nil {
			r.logger.Warn("Resubmitted task failed", "task_id", req.TaskID, "error", err)
		}
	}()
	return nil
}

func (r *resubmitter) setRunner(runner *coordinator.Runner) {
	r.mu.Lock()
	r.runner = runner
	r.mu.Unlock()
}

func (r *resubmitter) setPublisher(js taskPublisher) {
	r.mu.Lock()
	r.js = js
	r.mu.Unlock()
}

func runServe(ctx context.Context, opts *globalOptions, watch bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	printBanner()

	cfg, err := opts.loadConfig(quietLogger())
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	store, err := storage.Open(ctx, cfg.Database.Path, storage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	svc, err := buildServices(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer svc.recovery.Close()

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	var nc *natsclient.Client
	if cfg.NATS.Enabled() {
		nc, err = connectToNATS(signalCtx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close(context.Background())
	}

	g, gctx := errgroup.WithContext(signalCtx)

	if err := svc.bus.Start(gctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer svc.bus.Stop()

	if err := svc.sweeper.Start(gctx); err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}
	defer svc.sweeper.Stop()

	if nc != nil {
		consumer, err := svc.startNATS(gctx, nc)
		if err != nil {
			return err
		}
		defer consumer.Stop()
	} else {
		logger.Info("NATS disabled; task intake is off and events stay in-process")
	}

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, svc.reg, logger) })
	}

	if watch {
		if path := config.NewLoader(logger).ConfigPath(opts.configPath); path != "" {
			watcher, err := config.NewWatcher(path, svc.applyConfig,
				config.WithWatcherLogger(logger),
				config.WithReload(func() (*config.Config, error) { return opts.loadConfig(logger) }))
			if err != nil {
				return err
			}
			if err := watcher.Start(gctx); err != nil {
				logger.Warn("Config watcher unavailable", "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	logger.Info("Semcrew ready",
		"version", Version,
		"database", cfg.Database.Path,
		"oversight_level", svc.evaluator.OversightLevel(),
		"require_approval", cfg.Gate.RequireApproval)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	logger.Info("Semcrew shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildServices constructs the in-process services in dependency order.
func buildServices(ctx context.Context, cfg *config.Config, store *storage.SQLite, logger *slog.Logger) (*services, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	auditSink := audit.Multi(audit.NewStoreSink(store), audit.NewLogSink(logger))

	bus := events.NewBus(cfg.Events, events.WithLogger(logger), events.WithMetrics(m))

	tracker := agent.NewTracker(
		agent.WithStatusStore(store),
		agent.WithPublisher(bus),
		agent.WithTrackerMetrics(m),
		agent.WithTrackerLogger(logger),
	)
	if err := tracker.Load(ctx); err != nil {
		logger.Warn("Failed to restore agent statuses", "error", err)
	}

	waiter := approval.NewWaiter(store,
		approval.WithPollInterval(cfg.Approval.PollInterval),
		approval.WithWaiterMetrics(m),
		approval.WithWaiterLogger(logger),
	)
	sweeper := approval.NewSweeper(store,
		approval.WithSweepInterval(cfg.Approval.SweepInterval),
		approval.WithSweepPublisher(bus),
		approval.WithSweepAudit(auditSink),
		approval.WithSweepMetrics(m),
		approval.WithSweepLogger(logger),
	)

	resubmit := &resubmitter{subject: cfg.Intake.Subject, logger: logger}
	actions := recovery.NewActions(store,
		recovery.WithResubmitter(resubmit),
		recovery.WithActionsPublisher(bus),
		recovery.WithActionsLogger(logger),
	)
	recoveryMgr := recovery.NewManager(store,
		recovery.WithWaiter(waiter),
		recovery.WithPublisher(bus),
		recovery.WithAudit(auditSink),
		recovery.WithMetrics(m),
		recovery.WithLogger(logger),
		recovery.WithAutoExecute(cfg.Recovery.AutoExecute),
		recovery.WithActions(actions),
	)

	evaluator := hitl.NewEvaluator(store, cfg.Oversight.Triggers, cfg.OversightLevel(),
		hitl.WithEvaluatorPublisher(bus),
		hitl.WithEvaluatorAudit(auditSink),
		hitl.WithEvaluatorMetrics(m),
		hitl.WithEvaluatorLogger(logger),
	)

	gate := hitl.NewGate(store, waiter, cfg.Gate,
		hitl.WithRecovery(recoveryMgr),
		hitl.WithStatusSetter(tracker),
		hitl.WithGatePublisher(bus),
		hitl.WithGateAudit(auditSink),
		hitl.WithGateMetrics(m),
		hitl.WithGateLogger(logger),
	)

	registry := model.NewRegistry(cfg.Model)
	registry.SetHealthConfig(cfg.HealthConfig())
	client := llm.NewClient(registry,
		llm.WithRetryConfig(cfg.LLM.Retry),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}),
		llm.WithLogger(logger),
	)
	caps := agent.NewRegistry()
	if err := agent.RegisterLLMCapabilities(caps, client,
		agent.WithTemperature(cfg.LLM.Temperature),
		agent.WithMaxTokens(cfg.LLM.MaxTokens),
		agent.WithLLMLogger(logger),
	); err != nil {
		return nil, fmt.Errorf("register agent capabilities: %w", err)
	}

	coord := coordinator.New(store, gate, caps,
		coordinator.WithEvaluator(evaluator),
		coordinator.WithRecovery(recoveryMgr),
		coordinator.WithStatusSetter(tracker),
		coordinator.WithPublisher(bus),
		coordinator.WithMetrics(m),
		coordinator.WithLogger(logger),
	)
	runner := coordinator.NewRunner(coord, cfg.Runner,
		coordinator.WithRunnerMetrics(m),
		coordinator.WithRunnerLogger(logger),
	)
	resubmit.setRunner(runner)

	return &services{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		metrics:   m,
		reg:       reg,
		bus:       bus,
		tracker:   tracker,
		sweeper:   sweeper,
		recovery:  recoveryMgr,
		evaluator: evaluator,
		gate:      gate,
		runner:    runner,
		resubmit:  resubmit,
	}, nil
}

// startNATS declares the streams, mirrors events to JetStream and starts the
// task intake consumer.
func (s *services) startNATS(ctx context.Context, nc *natsclient.Client) (*intake.Consumer, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	if err := events.EnsureStreams(ctx, js, s.cfg.NATS.SubjectPrefix); err != nil {
		return nil, fmt.Errorf("ensure streams: %w", err)
	}
	if _, err := s.bus.Subscribe("", events.NewNATSSubscriber(js, s.cfg.NATS.SubjectPrefix)); err != nil {
		return nil, fmt.Errorf("subscribe NATS mirror: %w", err)
	}

	s.resubmit.setPublisher(js)

	consumer := intake.New(js, s.runner, s.cfg.Intake, intake.WithLogger(s.logger))
	if err := consumer.Start(ctx); err != nil {
		return nil, fmt.Errorf("start intake: %w", err)
	}
	return consumer, nil
}

// applyConfig is the hot-reload callback. Only oversight settings change at
// runtime; everything else needs a restart.
func (s *services) applyConfig(cfg *config.Config) {
	s.evaluator.SetConfig(cfg.Oversight.Triggers)
	level := cfg.OversightLevel()
	if level != s.evaluator.OversightLevel() {
		s.logger.Info("Oversight level changed", "from", s.evaluator.OversightLevel(), "to", level)
		s.evaluator.SetOversightLevel(level)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

func connectToNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", cfg.URL)

	client, err := natsclient.NewClient(cfg.URL,
		natsclient.WithName(cfg.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, cfg.URL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, cfg.URL)
	}

	logger.Info("Connected to NATS", "url", cfg.URL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server or clear nats.url to run without task intake.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Semcrew v" + Version + "                     ║")
	fmt.Println("║      Gated Multi-Agent Delivery               ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
