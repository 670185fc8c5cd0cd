package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/api"
	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/event"
	mw "github.com/taskloom/taskloom/middleware"
	"github.com/taskloom/taskloom/queue"
	"github.com/taskloom/taskloom/store"
	"github.com/taskloom/taskloom/task"
	"github.com/taskloom/taskloom/webhook"
	"github.com/taskloom/taskloom/workflow"
)

// instrumentationName is the scope name for spans and metrics emitted
// by engine-assembled middleware.
const instrumentationName = "github.com/taskloom/taskloom"

// executionCeiling is the outer deadline on a whole rule execution,
// chain included. Per-rule command timeouts still apply underneath.
const executionCeiling = 5 * time.Minute

// Engine owns one fully wired coordinator: event bus, task service,
// automation daemon, webhook executor, and batch coordinator with its
// deadline sweeper. Use New to build one.
type Engine struct {
	cfg       taskloom.Config
	store     store.Store
	bus       *event.Bus
	logger    *slog.Logger
	daemonCfg *daemon.Config
	mws       []daemon.Middleware

	tasks    *task.Service
	limiter  *queue.Limiter
	daemon   *daemon.Daemon
	hooks    *webhook.Executor
	progress *workflow.Progressor
	batches  *batch.Coordinator
	sweeper  *batch.Sweeper
	surface  *api.API

	httpClient webhook.HTTPDoer
	runner     daemon.CommandRunner

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default coordinator configuration.
func WithConfig(cfg taskloom.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithBus sets the event bus. If not set, a new bus is created.
func WithBus(bus *event.Bus) Option {
	return func(eng *Engine) { eng.bus = bus }
}

// WithLogger sets the logger for every subsystem.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithDaemonConfig sets the automation rule configuration. The config
// is validated during New; invalid rules fail construction.
func WithDaemonConfig(cfg *daemon.Config) Option {
	return func(eng *Engine) { eng.daemonCfg = cfg }
}

// WithMiddleware appends middleware to the daemon's chain, after the
// default stack.
func WithMiddleware(m daemon.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithCallbackSecret sets the shared secret for inbound batch
// callbacks. Empty disables verification.
func WithCallbackSecret(secret string) Option {
	return func(eng *Engine) { eng.cfg.CallbackSecret = secret }
}

// WithHTTPClient sets the client the webhook executor uses for
// outbound deliveries.
func WithHTTPClient(c webhook.HTTPDoer) Option {
	return func(eng *Engine) { eng.httpClient = c }
}

// WithCommandRunner replaces the daemon's shell runner.
func WithCommandRunner(r daemon.CommandRunner) Option {
	return func(eng *Engine) { eng.runner = r }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine around a store. The store backs every
// subsystem; memory, postgres and redis implementations ship under
// store/.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, taskloom.ErrNoStore
	}

	eng := &Engine{
		cfg:   taskloom.DefaultConfig(),
		store: st,
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	if eng.bus == nil {
		eng.bus = event.NewBus(eng.logger)
	}
	if eng.daemonCfg == nil {
		eng.daemonCfg = &daemon.Config{Concurrency: eng.cfg.Concurrency}
	}
	if err := eng.daemonCfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: daemon config: %w", err)
	}

	eng.tasks = task.NewService(st, eng.bus)
	eng.limiter = queue.NewLimiter(eng.daemonCfg.Rules)

	// Build tracing middleware (custom provider or global).
	var tracingMw daemon.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw daemon.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → actor → timeout.
	defaultMws := []daemon.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Actor(),
		mw.Timeout(executionCeiling),
	}
	allMws := make([]daemon.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	daemonOpts := []daemon.DaemonOption{
		daemon.WithLimiter(eng.limiter),
		daemon.WithMiddleware(allMws...),
		daemon.WithShutdownTimeout(eng.cfg.ShutdownTimeout),
	}
	if eng.runner != nil {
		daemonOpts = append(daemonOpts, daemon.WithRunner(eng.runner))
	}
	eng.daemon = daemon.New(eng.daemonCfg, st, eng.tasks, eng.bus, eng.logger, daemonOpts...)

	hookOpts := []webhook.Option{}
	if eng.httpClient != nil {
		hookOpts = append(hookOpts, webhook.WithHTTPClient(eng.httpClient))
	}
	eng.hooks = webhook.New(st, eng.bus, eng.logger, hookOpts...)

	eng.progress = workflow.NewProgressor(st, eng.logger)
	eng.batches = batch.NewCoordinator(st, eng.logger,
		batch.WithUpdater(eng.tasks),
		batch.WithProgressor(eng.progress),
	)

	sweeper, err := batch.NewSweeper(eng.batches, eng.cfg.SweepSchedule, eng.logger)
	if err != nil {
		return nil, fmt.Errorf("engine: sweep schedule: %w", err)
	}
	eng.sweeper = sweeper

	eng.surface = api.New(st, eng.batches, eng.logger,
		api.WithSecret(eng.cfg.CallbackSecret),
		api.WithWebhookExecutor(eng.hooks),
	)

	return eng, nil
}

// Start brings the subsystems online: the webhook executor and daemon
// subscribe to the bus, then the deadline sweeper begins ticking.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.hooks.Start(ctx); err != nil {
		return fmt.Errorf("start webhook executor: %w", err)
	}
	if err := eng.daemon.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := eng.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	eng.logger.Info("engine started",
		slog.Int("rules", len(eng.daemonCfg.Rules)),
		slog.String("sweep_schedule", eng.cfg.SweepSchedule),
	)
	return nil
}

// Stop shuts the subsystems down in reverse order, waiting for
// in-flight daemon executions up to the shutdown timeout, then drains
// the bus so no handler is left running.
func (eng *Engine) Stop(ctx context.Context) error {
	var firstErr error
	if err := eng.sweeper.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := eng.daemon.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := eng.hooks.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	eng.bus.Drain()
	eng.logger.Info("engine stopped")
	return firstErr
}

// Handler returns the HTTP surface: batch callbacks and review,
// webhook retry, and read endpoints.
func (eng *Engine) Handler() http.Handler { return eng.surface.Handler() }

// Bus returns the event bus.
func (eng *Engine) Bus() *event.Bus { return eng.bus }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }

// Tasks returns the task service.
func (eng *Engine) Tasks() *task.Service { return eng.tasks }

// Daemon returns the automation daemon.
func (eng *Engine) Daemon() *daemon.Daemon { return eng.daemon }

// Webhooks returns the webhook executor.
func (eng *Engine) Webhooks() *webhook.Executor { return eng.hooks }

// Batches returns the batch coordinator.
func (eng *Engine) Batches() *batch.Coordinator { return eng.batches }

// Progressor returns the workflow step progressor.
func (eng *Engine) Progressor() *workflow.Progressor { return eng.progress }

// Limiter returns the per-rule limiter.
func (eng *Engine) Limiter() *queue.Limiter { return eng.limiter }
