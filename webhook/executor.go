// Package webhook executes the outbound HTTP side effect of external
// tasks: one attempt per execution, exponential retry on failure, and
// a singleton retry timer per task.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/backoff"
	"github.com/taskloom/taskloom/event"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
)

// Defaults for webhook configs that leave fields unset.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// DefaultSuccessStatusCodes classify a response as success when the
// config does not list its own set.
var DefaultSuccessStatusCodes = []int{200, 201, 202, 204}

// maxResponseBody bounds how much of a response is recorded per attempt.
const maxResponseBody = 64 * 1024

// HTTPDoer issues HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor drives the webhook state machine for external tasks:
// pending → in_progress → completed, pending (scheduled retry), or
// terminal failed.
type Executor struct {
	store  task.Store
	bus    *event.Bus
	client HTTPDoer
	clock  Clock
	logger *slog.Logger

	mu     sync.Mutex
	timers map[id.TaskID]Timer
	subs   []*event.Subscription
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the HTTP client used for outbound calls.
func WithHTTPClient(c HTTPDoer) Option {
	return func(e *Executor) { e.client = c }
}

// WithClock sets the clock used for retry scheduling.
func WithClock(c Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// New creates an Executor.
func New(store task.Store, bus *event.Bus, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:  store,
		bus:    bus,
		client: &http.Client{},
		clock:  SystemClock(),
		logger: logger,
		timers: make(map[id.TaskID]Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes the executor to task lifecycle events.
func (e *Executor) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs != nil {
		return nil
	}
	e.subs = []*event.Subscription{
		e.bus.Subscribe(task.EventCreated, e.onCreated),
		e.bus.Subscribe(task.EventStatusChanged, e.onStatusChanged),
	}
	e.logger.Info("webhook executor started")
	return nil
}

// Stop unsubscribes and disarms all retry timers.
func (e *Executor) Stop(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub)
	}
	e.subs = nil
	for taskID, timer := range e.timers {
		timer.Stop()
		delete(e.timers, taskID)
	}
	return nil
}

// eligible reports whether the executor owns this task's execution.
// Workflow-managed webhooks belong to the workflow engine; running
// them here would double dispatch.
func eligible(t *task.Task) bool {
	return t != nil && t.Type == task.TypeExternal && t.Webhook != nil && !t.Webhook.WorkflowManaged
}

func (e *Executor) onCreated(ctx context.Context, evt *event.Event) error {
	t := evt.Task
	if !eligible(t) || t.Status != task.StatusPending {
		return nil
	}
	return e.Execute(ctx, t)
}

// onStatusChanged picks up tasks whose scheduled retry is already due,
// e.g. after a restart that lost the in-process timer.
func (e *Executor) onStatusChanged(ctx context.Context, evt *event.Event) error {
	t := evt.Task
	if !eligible(t) || t.Status != task.StatusPending {
		return nil
	}
	if t.Webhook.NextRetryAt == nil || e.clock.Now().Before(*t.Webhook.NextRetryAt) {
		return nil
	}
	return e.Execute(ctx, t)
}

// Execute performs one webhook attempt for a pending external task.
// Attempt outcomes drive state transitions; only store failures are
// returned as errors.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	if !eligible(t) {
		return fmt.Errorf("webhook: task %s: %w", t.ID, taskloom.ErrInvalidState)
	}
	if t.Status != task.StatusPending {
		return fmt.Errorf("webhook: task %s in %s: %w", t.ID, t.Status, taskloom.ErrInvalidState)
	}

	wh := t.Webhook
	attempt := task.Attempt{
		AttemptNumber: len(wh.Attempts) + 1,
		StartedAt:     e.clock.Now(),
	}

	t.Status = task.StatusInProgress
	t.Touch()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("webhook: mark in_progress: %w", err)
	}
	e.publishStatus(ctx, t)

	status, body, callErr := e.call(ctx, wh)

	now := e.clock.Now()
	attempt.CompletedAt = &now
	attempt.Duration = now.Sub(attempt.StartedAt)
	attempt.HTTPStatus = status
	attempt.ResponseBody = body

	if callErr == nil && e.isSuccess(wh, status) {
		attempt.Status = task.AttemptSucceeded
		wh.Attempts = append(wh.Attempts, attempt)
		wh.LastAttemptAt = &now
		wh.NextRetryAt = nil
		t.Status = task.StatusCompleted
		t.Touch()
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("webhook: mark completed: %w", err)
		}
		e.publishStatus(ctx, t)
		e.logger.Info("webhook delivered",
			slog.String("task_id", t.ID.String()),
			slog.Int("attempt", attempt.AttemptNumber),
			slog.Int("http_status", status),
		)
		return nil
	}

	attempt.Status = task.AttemptFailed
	if callErr != nil {
		attempt.ErrorMessage = callErr.Error()
	} else {
		attempt.ErrorMessage = fmt.Sprintf("unexpected status %d", status)
	}
	wh.Attempts = append(wh.Attempts, attempt)
	wh.LastAttemptAt = &now

	maxRetries := wh.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	if attempt.AttemptNumber >= maxRetries {
		wh.NextRetryAt = nil
		t.Status = task.StatusFailed
		t.Touch()
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("webhook: mark failed: %w", err)
		}
		e.publishStatus(ctx, t)
		e.logger.Warn("webhook retries exhausted",
			slog.String("task_id", t.ID.String()),
			slog.Int("attempts", attempt.AttemptNumber),
			slog.String("error", attempt.ErrorMessage),
		)
		return nil
	}

	delay := e.retryDelay(wh, attempt.AttemptNumber)
	retryAt := now.Add(delay)
	wh.NextRetryAt = &retryAt
	t.Status = task.StatusPending
	t.Touch()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("webhook: schedule retry: %w", err)
	}
	e.publishStatus(ctx, t)
	e.armTimer(t.ID, delay)

	e.logger.Info("webhook retry scheduled",
		slog.String("task_id", t.ID.String()),
		slog.Int("attempt", attempt.AttemptNumber),
		slog.Duration("delay", delay),
		slog.String("error", attempt.ErrorMessage),
	)
	return nil
}

// Retry manually re-runs a terminally failed task. Attempt numbering
// continues from where it left off.
func (e *Executor) Retry(ctx context.Context, taskID id.TaskID) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusFailed {
		return fmt.Errorf("webhook: task %s in %s: %w", taskID, t.Status, taskloom.ErrNotRetryable)
	}

	// Disarm any racing automatic retry before taking over.
	e.CancelRetry(taskID)

	t.Status = task.StatusPending
	if t.Webhook != nil {
		t.Webhook.NextRetryAt = nil
	}
	t.Touch()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("webhook: reset for retry: %w", err)
	}
	e.publishStatus(ctx, t)

	return e.Execute(ctx, t)
}

// CancelRetry disarms the task's scheduled retry, if any.
func (e *Executor) CancelRetry(taskID id.TaskID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[taskID]; ok {
		timer.Stop()
		delete(e.timers, taskID)
	}
}

// PendingRetries returns how many retry timers are currently armed.
func (e *Executor) PendingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// armTimer schedules the next attempt, replacing any prior timer for
// the same task so at most one is outstanding.
func (e *Executor) armTimer(taskID id.TaskID, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[taskID]; ok {
		old.Stop()
	}
	e.timers[taskID] = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, taskID)
		e.mu.Unlock()
		e.fireRetry(taskID)
	})
}

func (e *Executor) fireRetry(taskID id.TaskID) {
	ctx := actor.WithType(context.Background(), actor.TypeSystem)
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error("retry fired for unknown task",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if t.Status != task.StatusPending {
		return
	}
	if err := e.Execute(ctx, t); err != nil {
		e.logger.Error("scheduled retry failed",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// call issues the HTTP request with the config's timeout. Returns the
// status code and a bounded body capture, or an error for transport
// failures and timeouts.
func (e *Executor) call(ctx context.Context, wh *task.WebhookConfig) (int, string, error) {
	timeout := wh.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := wh.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(wh.Body) > 0 {
		body = bytes.NewReader(wh.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, wh.URL, body)
	if err != nil {
		return 0, "", fmt.Errorf("webhook: build request: %w", err)
	}
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(wh.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// A body read error after a valid status line still counts as a
	// classified response; keep whatever was captured.
	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(captured), nil
}

func (e *Executor) isSuccess(wh *task.WebhookConfig, status int) bool {
	codes := wh.SuccessStatusCodes
	if len(codes) == 0 {
		codes = DefaultSuccessStatusCodes
	}
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}

// retryDelay computes the exponential backoff for the attempt that
// just failed: base * 2^(attempt-1).
func (e *Executor) retryDelay(wh *task.WebhookConfig, attempt int) time.Duration {
	base := wh.RetryDelay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	return (&backoff.Exponential{Initial: base}).Delay(attempt)
}

func (e *Executor) publishStatus(ctx context.Context, t *task.Task) {
	if e.bus == nil {
		return
	}
	e.bus.PublishTask(ctx, task.EventStatusChanged, t,
		map[string]any{"status": string(t.Status)}, actor.FromContext(ctx))
}
