package batch_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/store/memory"
	"github.com/taskloom/taskloom/task"
	"github.com/taskloom/taskloom/workflow"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// openJob creates a job and walks it to awaiting_responses.
func openJob(t *testing.T, c *batch.Coordinator, j *batch.Job) {
	t.Helper()
	ctx := context.Background()
	if err := c.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Begin(ctx, j.ID); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.AwaitResponses(ctx, j.ID); err != nil {
		t.Fatalf("AwaitResponses: %v", err)
	}
}

func newJob(expected int) *batch.Job {
	j := &batch.Job{
		ID:            id.NewBatchJobID(),
		State:         batch.JobPending,
		ExpectedCount: expected,
	}
	j.Entity = taskloom.NewEntity()
	return j
}

func deliver(t *testing.T, c *batch.Coordinator, jobID id.BatchJobID, key string, state batch.ItemState) {
	t.Helper()
	_, err := c.Ingest(context.Background(), jobID, batch.Callback{ItemKey: key, State: state})
	if err != nil {
		t.Fatalf("Ingest %s: %v", key, err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	ctx := context.Background()

	j := newJob(2)
	if err := c.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// AwaitResponses out of order is rejected.
	if err := c.AwaitResponses(ctx, j.ID); !errors.Is(err, taskloom.ErrInvalidState) {
		t.Fatalf("out-of-order transition err = %v", err)
	}
	if err := c.Begin(ctx, j.ID); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.AwaitResponses(ctx, j.ID); err != nil {
		t.Fatalf("AwaitResponses: %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != batch.JobAwaitingResponses {
		t.Errorf("state = %s", got.State)
	}
}

func TestIngest_CompletesOnFullReceipt(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(3)
	openJob(t, c, j)

	for _, key := range []string{"a", "b", "c"} {
		deliver(t, c, j.ID, key, batch.ItemCompleted)
	}

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.State != batch.JobCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if !got.IsResultSealed {
		t.Error("job should be sealed")
	}
	if got.AggregateResult == nil {
		t.Fatal("aggregate result missing")
	}
	if got.AggregateResult["processed"] != 3 {
		t.Errorf("aggregate processed = %v", got.AggregateResult["processed"])
	}
}

// Duplicate deliveries for the same key keep exactly one item, keep
// receivedCount flat, and reflect the latest payload.
func TestIngest_DuplicateDelivery(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(10)
	openJob(t, c, j)
	ctx := context.Background()

	_, err := c.Ingest(ctx, j.ID, batch.Callback{
		ItemKey: "a",
		State:   batch.ItemCompleted,
		Result:  map[string]any{"rev": 1},
	})
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, err = c.Ingest(ctx, j.ID, batch.Callback{
		ItemKey: "a",
		State:   batch.ItemCompleted,
		Result:  map[string]any{"rev": 2},
	})
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.ReceivedCount != 1 {
		t.Errorf("receivedCount = %d, duplicate must not increment", got.ReceivedCount)
	}

	items, _ := st.ListItems(ctx, j.ID)
	if len(items) != 1 {
		t.Fatalf("items = %d, want exactly one for key a", len(items))
	}
	if items[0].ResultData["rev"] != 2 {
		t.Errorf("resultData = %v, want most recent delivery", items[0].ResultData)
	}
	if items[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", items[0].Attempts)
	}
}

func TestIngest_RejectedAfterSeal(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(1)
	openJob(t, c, j)

	deliver(t, c, j.ID, "a", batch.ItemCompleted)

	_, err := c.Ingest(context.Background(), j.ID, batch.Callback{ItemKey: "b", State: batch.ItemCompleted})
	if !errors.Is(err, taskloom.ErrResultSealed) {
		t.Fatalf("post-seal ingest err = %v", err)
	}
}

func TestIngest_MissingItemKey(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(1)
	openJob(t, c, j)

	_, err := c.Ingest(context.Background(), j.ID, batch.Callback{State: batch.ItemCompleted})
	if !errors.Is(err, taskloom.ErrInvalidState) {
		t.Fatalf("err = %v", err)
	}
}

// Eight of ten completed at an 80% threshold: over the bar, but the
// failures downgrade the outcome to completed_with_warnings.
func TestFinalize_PartialSuccessAboveThreshold(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(10)
	j.MinSuccessPercent = 80
	deadline := time.Now().UTC().Add(-time.Minute)
	j.DeadlineAt = &deadline
	openJob(t, c, j)

	for i := range 8 {
		deliver(t, c, j.ID, fmt.Sprintf("ok-%d", i), batch.ItemCompleted)
	}
	for i := range 2 {
		deliver(t, c, j.ID, fmt.Sprintf("bad-%d", i), batch.ItemFailed)
	}

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.State != batch.JobCompletedWithWarnings {
		t.Errorf("state = %s, want completed_with_warnings", got.State)
	}
	if !got.IsResultSealed {
		t.Error("job should be sealed")
	}
}

func TestFinalize_BelowThresholdWithReview(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(10)
	j.MinSuccessPercent = 100
	j.RequiresManualReview = true
	openJob(t, c, j)
	ctx := context.Background()

	for i := range 8 {
		deliver(t, c, j.ID, fmt.Sprintf("ok-%d", i), batch.ItemCompleted)
	}
	for i := range 2 {
		deliver(t, c, j.ID, fmt.Sprintf("bad-%d", i), batch.ItemFailed)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != batch.JobManualReview {
		t.Fatalf("state = %s, want manual_review", got.State)
	}
	if got.IsResultSealed {
		t.Fatal("manual_review must not seal")
	}

	if err := c.Review(ctx, j.ID, batch.ReviewProceedWithPartial); err != nil {
		t.Fatalf("Review: %v", err)
	}
	got, _ = st.GetJob(ctx, j.ID)
	if got.State != batch.JobCompletedWithWarnings {
		t.Errorf("state = %s, want completed_with_warnings", got.State)
	}
	if got.ReviewDecision != batch.ReviewProceedWithPartial {
		t.Errorf("reviewDecision = %s", got.ReviewDecision)
	}
	if !got.IsResultSealed {
		t.Error("review decision must seal")
	}
}

func TestReview_Decisions(t *testing.T) {
	tests := []struct {
		decision batch.ReviewDecision
		want     batch.JobState
	}{
		{batch.ReviewApproved, batch.JobCompleted},
		{batch.ReviewRejected, batch.JobFailed},
		{batch.ReviewProceedWithPartial, batch.JobCompletedWithWarnings},
	}

	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			st := memory.New()
			c := batch.NewCoordinator(st, discardLogger())
			j := newJob(2)
			j.RequiresManualReview = true
			openJob(t, c, j)
			ctx := context.Background()

			deliver(t, c, j.ID, "a", batch.ItemCompleted)
			deliver(t, c, j.ID, "b", batch.ItemFailed)

			got, _ := st.GetJob(ctx, j.ID)
			if got.State != batch.JobManualReview {
				t.Fatalf("state = %s, want manual_review", got.State)
			}

			if err := c.Review(ctx, j.ID, tt.decision); err != nil {
				t.Fatalf("Review: %v", err)
			}
			got, _ = st.GetJob(ctx, j.ID)
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
		})
	}
}

func TestReview_OnlyInManualReview(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(2)
	openJob(t, c, j)

	err := c.Review(context.Background(), j.ID, batch.ReviewApproved)
	if !errors.Is(err, taskloom.ErrNotReviewable) {
		t.Fatalf("err = %v, want ErrNotReviewable", err)
	}
}

func TestFinalize_BelowThresholdNoReview(t *testing.T) {
	t.Run("nothing processed fails", func(t *testing.T) {
		st := memory.New()
		c := batch.NewCoordinator(st, discardLogger())
		j := newJob(4)
		openJob(t, c, j)

		for _, key := range []string{"a", "b", "c", "d"} {
			deliver(t, c, j.ID, key, batch.ItemFailed)
		}

		got, _ := st.GetJob(context.Background(), j.ID)
		if got.State != batch.JobFailed {
			t.Errorf("state = %s, want failed", got.State)
		}
	})

	t.Run("partial progress keeps warnings", func(t *testing.T) {
		st := memory.New()
		c := batch.NewCoordinator(st, discardLogger())
		j := newJob(4)
		openJob(t, c, j)

		deliver(t, c, j.ID, "a", batch.ItemCompleted)
		for _, key := range []string{"b", "c", "d"} {
			deliver(t, c, j.ID, key, batch.ItemFailed)
		}

		got, _ := st.GetJob(context.Background(), j.ID)
		if got.State != batch.JobCompletedWithWarnings {
			t.Errorf("state = %s, want completed_with_warnings", got.State)
		}
	})
}

func TestFinalize_ConcurrentSealOnce(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(2)
	openJob(t, c, j)

	deliver(t, c, j.ID, "a", batch.ItemCompleted)
	deliver(t, c, j.ID, "b", batch.ItemCompleted)

	// The job sealed during ingestion; concurrent re-finalisation must
	// all be silent no-ops.
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Finalize(context.Background(), j.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Finalize: %v", err)
		}
	}

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.State != batch.JobCompleted {
		t.Errorf("state = %s", got.State)
	}
}

func TestSweep_FinalizesDueJobs(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()
	c := batch.NewCoordinator(st, discardLogger(), batch.WithNow(func() time.Time { return now }))

	due := newJob(10)
	due.MinSuccessPercent = 80
	past := now.Add(-time.Minute)
	due.DeadlineAt = &past
	openJob(t, c, due)
	for i := range 8 {
		deliver(t, c, due.ID, fmt.Sprintf("ok-%d", i), batch.ItemCompleted)
	}

	fresh := newJob(10)
	future := now.Add(time.Hour)
	fresh.DeadlineAt = &future
	openJob(t, c, fresh)

	c.Sweep(context.Background())

	got, _ := st.GetJob(context.Background(), due.ID)
	if got.State != batch.JobCompletedWithWarnings {
		t.Errorf("due job state = %s, want completed_with_warnings", got.State)
	}
	got2, _ := st.GetJob(context.Background(), fresh.ID)
	if got2.IsResultSealed {
		t.Error("job before its deadline must not be sealed by the sweep")
	}
}

func TestCancel(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	j := newJob(5)
	openJob(t, c, j)
	ctx := context.Background()

	if err := c.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != batch.JobCancelled || !got.IsResultSealed {
		t.Errorf("state = %s sealed = %v", got.State, got.IsResultSealed)
	}

	if err := c.Cancel(ctx, j.ID); !errors.Is(err, taskloom.ErrResultSealed) {
		t.Errorf("double cancel err = %v", err)
	}
}

// Sealing advances the owning task and workflow step, and only after
// the seal.
func TestSeal_AdvancesOwners(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	run := &workflow.Run{
		ID:             id.NewRunID(),
		Name:           "docs",
		State:          workflow.RunStateRunning,
		CurrentStepIDs: []string{"fanout"},
	}
	run.Entity = taskloom.NewEntity()
	_ = st.CreateRun(ctx, run)

	owner := &task.Task{
		ID:             id.NewTaskID(),
		Status:         task.StatusWaiting,
		Type:           task.TypeForeach,
		WorkflowRunID:  run.ID,
		WorkflowStepID: "fanout",
		Foreach:        &task.ForeachConfig{CallbackURL: "https://callbacks.example.com"},
	}
	owner.Entity = taskloom.NewEntity()
	_ = st.CreateTask(ctx, owner)

	updater := task.NewService(st, nil)
	progress := workflow.NewProgressor(st, discardLogger())
	c := batch.NewCoordinator(st, discardLogger(),
		batch.WithUpdater(updater),
		batch.WithProgressor(progress),
	)

	j := batch.NewJobForTask(owner, 2)
	openJob(t, c, j)
	deliver(t, c, j.ID, "a", batch.ItemCompleted)
	deliver(t, c, j.ID, "b", batch.ItemCompleted)

	gotTask, _ := st.GetTask(ctx, owner.ID)
	if gotTask.Status != task.StatusCompleted {
		t.Errorf("owning task status = %s, want completed", gotTask.Status)
	}

	gotRun, _ := st.GetRun(ctx, run.ID)
	if len(gotRun.CurrentStepIDs) != 0 {
		t.Errorf("currentStepIDs = %v, step should have completed", gotRun.CurrentStepIDs)
	}
	if gotRun.State != workflow.RunStateCompleted {
		t.Errorf("run state = %s", gotRun.State)
	}
}
