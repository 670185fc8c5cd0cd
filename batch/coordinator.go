package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
	"github.com/taskloom/taskloom/workflow"
)

// Callback is one inbound delivery from the external system,
// identified by its item key within the job.
type Callback struct {
	ItemKey string         `json:"item_key"`
	State   ItemState      `json:"state"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Coordinator owns the batch job lifecycle: ingestion of at-least-once
// callbacks, one-time sealing of the outcome, and post-seal workflow
// progression.
type Coordinator struct {
	store    Store
	updater  task.Updater
	progress *workflow.Progressor
	logger   *slog.Logger

	now func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithUpdater sets the task update collaborator used to move the
// owning foreach/join task when a job seals.
func WithUpdater(u task.Updater) CoordinatorOption {
	return func(c *Coordinator) { c.updater = u }
}

// WithProgressor sets the workflow progressor advanced after sealing.
func WithProgressor(p *workflow.Progressor) CoordinatorOption {
	return func(c *Coordinator) { c.progress = p }
}

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewJobForTask builds a batch job from a foreach task's config.
func NewJobForTask(t *task.Task, expected int) *Job {
	j := &Job{
		ID:             id.NewBatchJobID(),
		TaskID:         t.ID,
		WorkflowRunID:  t.WorkflowRunID,
		WorkflowStepID: t.WorkflowStepID,
		State:          JobPending,
		ExpectedCount:  expected,
	}
	j.Entity = taskloom.NewEntity()
	if fc := t.Foreach; fc != nil {
		j.MinSuccessPercent = fc.MinSuccessPercent
		j.RequiresManualReview = fc.RequiresManualReview
		if fc.ResponseDeadline > 0 {
			deadline := j.CreatedAt.Add(fc.ResponseDeadline)
			j.DeadlineAt = &deadline
		}
	}
	return j
}

// Create persists a new job in pending state.
func (c *Coordinator) Create(ctx context.Context, j *Job) error {
	return c.store.CreateJob(ctx, j)
}

// Begin moves a pending job to processing while work units are being
// dispatched.
func (c *Coordinator) Begin(ctx context.Context, jobID id.BatchJobID) error {
	return c.transition(ctx, jobID, JobPending, JobProcessing)
}

// AwaitResponses moves a processing job to awaiting_responses once all
// work units have been dispatched.
func (c *Coordinator) AwaitResponses(ctx context.Context, jobID id.BatchJobID) error {
	return c.transition(ctx, jobID, JobProcessing, JobAwaitingResponses)
}

// Cancel seals a job as cancelled before any results are aggregated.
func (c *Coordinator) Cancel(ctx context.Context, jobID id.BatchJobID) error {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.IsResultSealed {
		return fmt.Errorf("batch: job %s: %w", jobID, taskloom.ErrResultSealed)
	}
	return c.seal(ctx, j, JobCancelled, "")
}

func (c *Coordinator) transition(ctx context.Context, jobID id.BatchJobID, from, to JobState) error {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != from {
		return fmt.Errorf("batch: job %s in %s: %w", jobID, j.State, taskloom.ErrInvalidState)
	}
	j.State = to
	j.Touch()
	return c.store.UpdateJob(ctx, j)
}

// Ingest records one inbound callback. Duplicate deliveries for a key
// update the existing item in place; receivedCount only moves on first
// delivery. Reaching expectedCount triggers finalization.
func (c *Coordinator) Ingest(ctx context.Context, jobID id.BatchJobID, cb Callback) (*Item, error) {
	if cb.ItemKey == "" {
		return nil, fmt.Errorf("batch: callback without item key: %w", taskloom.ErrInvalidState)
	}

	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.IsResultSealed || j.State.Terminal() {
		return nil, fmt.Errorf("batch: job %s in %s: %w", jobID, j.State, taskloom.ErrResultSealed)
	}
	switch j.State {
	case JobProcessing, JobAwaitingResponses:
	default:
		return nil, fmt.Errorf("batch: job %s in %s: %w", jobID, j.State, taskloom.ErrInvalidState)
	}

	state := cb.State
	if state == "" {
		state = ItemReceived
	}
	item, created, err := c.store.UpsertItem(ctx, &Item{
		BatchJobID: jobID,
		ItemKey:    cb.ItemKey,
		State:      state,
		ResultData: cb.Result,
		Error:      cb.Error,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("batch callback ingested",
		slog.String("job_id", jobID.String()),
		slog.String("item_key", cb.ItemKey),
		slog.Bool("created", created),
		slog.Int("attempts", item.Attempts),
	)

	j, err = c.store.GetJob(ctx, jobID)
	if err != nil {
		return item, err
	}
	if j.ReceivedCount >= j.ExpectedCount {
		if err := c.Finalize(ctx, jobID); err != nil {
			return item, err
		}
	}
	return item, nil
}

// Finalize evaluates a job's outcome and seals it, or parks it in
// manual_review when the threshold is missed and a reviewer is
// required. Safe to call repeatedly; only the first effective call
// seals.
func (c *Coordinator) Finalize(ctx context.Context, jobID id.BatchJobID) error {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.IsResultSealed || j.State == JobManualReview {
		return nil
	}

	percent := j.SuccessPercent()
	if percent >= j.MinSuccess() {
		state := JobCompleted
		if j.FailedCount > 0 || j.ProcessedCount < j.ExpectedCount {
			state = JobCompletedWithWarnings
		}
		return c.seal(ctx, j, state, "")
	}

	if j.RequiresManualReview {
		j.State = JobManualReview
		j.Touch()
		if err := c.store.UpdateJob(ctx, j); err != nil {
			return err
		}
		c.logger.Info("batch job parked for manual review",
			slog.String("job_id", jobID.String()),
			slog.Int("processed", j.ProcessedCount),
			slog.Int("expected", j.ExpectedCount),
		)
		return nil
	}

	// Below threshold with no reviewer: nothing processed is a hard
	// failure, partial progress is kept with warnings.
	state := JobCompletedWithWarnings
	if j.ProcessedCount == 0 {
		state = JobFailed
	}
	return c.seal(ctx, j, state, "")
}

// Review records a reviewer's decision on a job in manual_review and
// finalizes it accordingly.
func (c *Coordinator) Review(ctx context.Context, jobID id.BatchJobID, decision ReviewDecision) error {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != JobManualReview || j.IsResultSealed {
		return fmt.Errorf("batch: job %s in %s: %w", jobID, j.State, taskloom.ErrNotReviewable)
	}

	var state JobState
	switch decision {
	case ReviewApproved:
		state = JobCompleted
	case ReviewRejected:
		state = JobFailed
	case ReviewProceedWithPartial:
		state = JobCompletedWithWarnings
	default:
		return fmt.Errorf("batch: unknown review decision %q: %w", decision, taskloom.ErrNotReviewable)
	}
	return c.seal(ctx, j, state, decision)
}

// sweepConcurrency bounds how many overdue jobs a single sweep
// finalizes at once.
const sweepConcurrency = 8

// Sweep finalizes every unsealed job whose deadline has passed.
// Per-job failures are logged and isolated.
func (c *Coordinator) Sweep(ctx context.Context) {
	jobs, err := c.store.ListDueJobs(ctx, c.now())
	if err != nil {
		c.logger.Error("deadline sweep failed", slog.String("error", err.Error()))
		return
	}

	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			if err := c.Finalize(ctx, j.ID); err != nil {
				c.logger.Error("deadline finalize failed",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// seal computes the aggregate, writes it exactly once, and only then
// advances the owning task and workflow step. A lost race to the seal
// is a silent no-op.
func (c *Coordinator) seal(ctx context.Context, j *Job, state JobState, decision ReviewDecision) error {
	aggregate, err := c.buildAggregate(ctx, j)
	if err != nil {
		return err
	}

	sealed, err := c.store.SealJob(ctx, j.ID, state, aggregate, decision)
	if err != nil {
		return err
	}
	if !sealed {
		return nil
	}

	c.logger.Info("batch job sealed",
		slog.String("job_id", j.ID.String()),
		slog.String("state", string(state)),
		slog.Int("processed", j.ProcessedCount),
		slog.Int("failed", j.FailedCount),
	)

	c.advanceOwners(ctx, j, state)
	return nil
}

func (c *Coordinator) buildAggregate(ctx context.Context, j *Job) (map[string]any, error) {
	items, err := c.store.ListItems(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	results := make(map[string]any, len(items))
	for _, item := range items {
		results[item.ItemKey] = map[string]any{
			"state":  string(item.State),
			"result": item.ResultData,
		}
	}
	return map[string]any{
		"expected":        j.ExpectedCount,
		"received":        j.ReceivedCount,
		"processed":       j.ProcessedCount,
		"failed":          j.FailedCount,
		"success_percent": j.SuccessPercent(),
		"items":           results,
	}, nil
}

// advanceOwners moves the owning task and workflow step after the seal.
// Failures here are logged, not returned: the seal already happened and
// must not appear to have failed.
func (c *Coordinator) advanceOwners(ctx context.Context, j *Job, state JobState) {
	if c.updater != nil && !j.TaskID.IsNil() {
		taskStatus := task.StatusCompleted
		if state == JobFailed || state == JobCancelled {
			taskStatus = task.StatusFailed
		}
		fields := map[string]any{"status": string(taskStatus)}
		if _, err := c.updater.ApplyFields(ctx, j.TaskID, fields, actor.TypeSystem); err != nil {
			c.logger.Error("failed to advance owning task",
				slog.String("job_id", j.ID.String()),
				slog.String("task_id", j.TaskID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.progress == nil || j.WorkflowRunID.IsNil() || j.WorkflowStepID == "" {
		return
	}
	var err error
	if state == JobFailed || state == JobCancelled {
		_, err = c.progress.FailStep(ctx, j.WorkflowRunID, j.WorkflowStepID, "batch job "+string(state))
	} else {
		_, err = c.progress.CompleteStep(ctx, j.WorkflowRunID, j.WorkflowStepID)
	}
	if err != nil {
		c.logger.Error("failed to advance workflow step",
			slog.String("job_id", j.ID.String()),
			slog.String("run_id", j.WorkflowRunID.String()),
			slog.String("error", err.Error()),
		)
	}
}
