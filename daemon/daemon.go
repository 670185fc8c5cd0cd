package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/event"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
)

// Handler is the terminal function that executes a rule's command.
type Handler func(ctx context.Context) error

// Middleware wraps execution with cross-cutting logic (logging,
// recovery, timeout, metrics). Implementations live in the middleware
// package; the type is defined here so the daemon can chain them
// without an import cycle.
type Middleware func(ctx context.Context, ex *Execution, next Handler) error

// Chain composes middleware right-to-left: the first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, ex *Execution, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, ex, prev)
			}
		}
		return h(ctx)
	}
}

// RuleLimiter applies per-rule rate limiting and concurrency caps.
// The queue package provides the production implementation.
type RuleLimiter interface {
	// Acquire returns true if the rule may fire now. Callers MUST
	// call Release after the execution completes.
	Acquire(rule string) bool
	// Release frees the rule's concurrency slot.
	Release(rule string)
}

// pending is one queued (rule, event) firing.
type pending struct {
	rule *Rule
	evt  *event.Event
}

// Daemon matches rules against bus events and executes their commands
// under a strict FIFO queue bounded by the configured concurrency.
type Daemon struct {
	cfg     *Config
	store   Store
	updater task.Updater
	bus     *event.Bus
	runner  CommandRunner
	limiter RuleLimiter
	mw      Middleware
	logger  *slog.Logger

	shutdownTimeout time.Duration
	requeueDelay    time.Duration

	mu      sync.Mutex
	queue   []pending
	active  int
	running bool
	sub     *event.Subscription
	wg      sync.WaitGroup
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithRunner substitutes the command runner (tests use fakes).
func WithRunner(r CommandRunner) DaemonOption {
	return func(d *Daemon) { d.runner = r }
}

// WithLimiter sets the per-rule limiter.
func WithLimiter(l RuleLimiter) DaemonOption {
	return func(d *Daemon) { d.limiter = l }
}

// WithMiddleware sets the execution middleware chain.
func WithMiddleware(mws ...Middleware) DaemonOption {
	return func(d *Daemon) { d.mw = Chain(mws...) }
}

// WithShutdownTimeout bounds how long Stop waits for in-flight
// executions before force-proceeding.
func WithShutdownTimeout(t time.Duration) DaemonOption {
	return func(d *Daemon) { d.shutdownTimeout = t }
}

// WithRequeueDelay sets how long a rate-limited firing waits at the
// back of the queue before the pump retries it.
func WithRequeueDelay(t time.Duration) DaemonOption {
	return func(d *Daemon) { d.requeueDelay = t }
}

// New creates a Daemon. The config must already be validated (see
// LoadConfig); startup with invalid rules is a fatal error upstream.
func New(
	cfg *Config,
	store Store,
	updater task.Updater,
	bus *event.Bus,
	logger *slog.Logger,
	opts ...DaemonOption,
) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:             cfg,
		store:           store,
		updater:         updater,
		bus:             bus,
		runner:          NewShellRunner(),
		logger:          logger,
		shutdownTimeout: 30 * time.Second,
		requeueDelay:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes the daemon to the event bus. It returns immediately.
func (d *Daemon) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.running = true
	d.sub = d.bus.Subscribe(event.Wildcard, d.handleEvent)

	d.logger.Info("automation daemon started",
		slog.Int("concurrency", d.cfg.Concurrency),
		slog.Int("rules", len(d.cfg.Rules)),
	)
	return nil
}

// Stop stops accepting new events and waits for in-flight executions
// up to the shutdown timeout, then proceeds regardless so shutdown can
// never hang indefinitely.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	d.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		d.logger.Info("automation daemon stopped")
	case <-timer.C:
		d.logger.Warn("automation daemon shutdown timed out, proceeding",
			slog.Duration("timeout", d.shutdownTimeout),
		)
	case <-ctx.Done():
		d.logger.Warn("automation daemon shutdown cancelled, proceeding")
	}
	return nil
}

// ActiveCount returns the number of currently running executions.
func (d *Daemon) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// QueuedCount returns the number of queued firings awaiting a slot.
func (d *Daemon) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// handleEvent appends matching (rule, event) pairs to the FIFO queue.
func (d *Daemon) handleEvent(_ context.Context, evt *event.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	for i := range d.cfg.Rules {
		r := &d.cfg.Rules[i]
		if Matches(r, evt) {
			d.queue = append(d.queue, pending{rule: r, evt: evt})
		}
	}
	d.pumpLocked()
	return nil
}

// pumpLocked starts queued executions while slots remain. Must be
// called with d.mu held. Strict FIFO: always pulls the queue head.
func (d *Daemon) pumpLocked() {
	for d.running && d.active < d.cfg.Concurrency && len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]

		if d.limiter != nil && !d.limiter.Acquire(next.rule.Name) {
			// Rate limited: move to the tail and retry after a delay
			// so a throttled rule cannot starve the rest of the queue.
			d.queue = append(d.queue, next)
			time.AfterFunc(d.requeueDelay, d.pump)
			return
		}

		d.active++
		d.wg.Add(1)
		go d.execute(next)
	}
}

func (d *Daemon) pump() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pumpLocked()
}

// execute runs one firing end to end. Per-rule failures are recorded
// and isolated; nothing here may crash the daemon or block other work.
func (d *Daemon) execute(p pending) {
	defer func() {
		if d.limiter != nil {
			d.limiter.Release(p.rule.Name)
		}
		d.mu.Lock()
		d.active--
		d.pumpLocked()
		d.mu.Unlock()
		d.wg.Done()
	}()

	ctx := actor.WithType(context.Background(), actor.TypeDaemon)

	ex := d.newExecution(p)
	if err := d.store.CreateExecution(ctx, ex); err != nil {
		d.logger.Error("failed to create execution record",
			slog.String("rule", p.rule.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	now := time.Now().UTC()
	ex.State = ExecRunning
	ex.StartedAt = &now
	ex.Touch()
	if err := d.store.UpdateExecution(ctx, ex); err != nil {
		d.logger.Error("failed to mark execution running",
			slog.String("execution_id", ex.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	var result *CommandResult
	terminal := func(ctx context.Context) error {
		var runErr error
		result, runErr = d.runner.Run(ctx, ex.Command, p.rule.Action.Timeout)
		if runErr != nil {
			return runErr
		}
		return result.Err()
	}

	var execErr error
	if d.mw != nil {
		execErr = d.mw(ctx, ex, terminal)
	} else {
		execErr = terminal(ctx)
	}

	if execErr != nil {
		d.finishFailed(ctx, ex, result, execErr)
		return
	}
	d.finishCompleted(ctx, p, ex, result)
}

func (d *Daemon) newExecution(p pending) *Execution {
	ex := &Execution{
		ID:       id.NewExecutionID(),
		RuleName: p.rule.Name,
		EventID:  p.evt.ID,
		Command:  Interpolate(p.rule.Action.Command, p.evt),
		State:    ExecPending,
	}
	ex.Entity = taskloom.NewEntity()
	if p.evt.Task != nil {
		ex.TaskID = p.evt.Task.ID
	}
	return ex
}

// finishCompleted applies update_fields directives and marks the
// record completed with its truncated output and applied field diff.
func (d *Daemon) finishCompleted(ctx context.Context, p pending, ex *Execution, result *CommandResult) {
	if len(p.rule.Action.UpdateFields) > 0 && p.evt.Task != nil {
		out := ParseOutput(result.Stdout)
		updates := ResolveUpdates(p.rule.Action.UpdateFields, out, p.evt.Task)
		if len(updates) > 0 {
			if _, err := d.updater.ApplyFields(ctx, p.evt.Task.ID, updates, actor.TypeDaemon); err != nil {
				d.logger.Error("failed to apply rule field updates",
					slog.String("rule", p.rule.Name),
					slog.String("task_id", p.evt.Task.ID.String()),
					slog.String("error", err.Error()),
				)
				d.finishFailed(ctx, ex, result, err)
				return
			}
			ex.AppliedFields = updates
		}
	}

	now := time.Now().UTC()
	ex.State = ExecCompleted
	ex.Output = Truncate(result.Stdout)
	ex.CompletedAt = &now
	ex.Touch()
	if err := d.store.UpdateExecution(ctx, ex); err != nil {
		d.logger.Error("failed to mark execution completed",
			slog.String("execution_id", ex.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Daemon) finishFailed(ctx context.Context, ex *Execution, result *CommandResult, execErr error) {
	now := time.Now().UTC()
	ex.State = ExecFailed
	ex.Error = execErr.Error()
	if result != nil {
		ex.Output = Truncate(result.Stdout)
	}
	ex.CompletedAt = &now
	ex.Touch()
	if err := d.store.UpdateExecution(ctx, ex); err != nil {
		d.logger.Error("failed to mark execution failed",
			slog.String("execution_id", ex.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Warn("rule execution failed",
		slog.String("rule", ex.RuleName),
		slog.String("execution_id", ex.ID.String()),
		slog.String("error", execErr.Error()),
	)
}
