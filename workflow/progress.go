package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskloom/taskloom/id"
)

// Progressor advances a run's step bookkeeping. The batch coordinator
// calls it after sealing a job's aggregate result; the join step must
// never observe a partially-aggregated result, so callers advance only
// post-seal.
//
// Progression is a read-modify-write over the whole run document, so
// the mutex serializes concurrent step completions (the deadline sweep
// finalizes jobs in parallel) against lost updates.
type Progressor struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
}

// NewProgressor creates a Progressor.
func NewProgressor(store Store, logger *slog.Logger) *Progressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Progressor{store: store, logger: logger}
}

// CompleteStep moves stepID from the run's active set to its completed
// set and activates nextStepIDs. Completing an already-completed step
// is a no-op, keeping progression idempotent under duplicate finalize
// signals.
func (p *Progressor) CompleteStep(ctx context.Context, runID id.RunID, stepID string, nextStepIDs ...string) (*Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if r.StepCompleted(stepID) {
		return r, nil
	}

	remaining := make([]string, 0, len(r.CurrentStepIDs))
	for _, s := range r.CurrentStepIDs {
		if s != stepID {
			remaining = append(remaining, s)
		}
	}
	r.CurrentStepIDs = remaining
	r.CompletedStepIDs = append(r.CompletedStepIDs, stepID)

	for _, next := range nextStepIDs {
		if !r.StepActive(next) && !r.StepCompleted(next) {
			r.CurrentStepIDs = append(r.CurrentStepIDs, next)
		}
	}

	if len(r.CurrentStepIDs) == 0 && r.State == RunStateRunning {
		now := time.Now().UTC()
		r.State = RunStateCompleted
		r.CompletedAt = &now
	}

	r.Touch()
	if err := p.store.UpdateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("workflow: complete step %q: %w", stepID, err)
	}

	p.logger.Info("workflow step completed",
		slog.String("run_id", runID.String()),
		slog.String("step_id", stepID),
		slog.Int("active_steps", len(r.CurrentStepIDs)),
	)
	return r, nil
}

// FailStep records a terminal step failure on the run.
func (p *Progressor) FailStep(ctx context.Context, runID id.RunID, stepID, reason string) (*Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r.State = RunStateFailed
	r.FailedStepID = stepID
	r.Error = reason
	r.CompletedAt = &now

	r.Touch()
	if err := p.store.UpdateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("workflow: fail step %q: %w", stepID, err)
	}

	p.logger.Warn("workflow step failed",
		slog.String("run_id", runID.String()),
		slog.String("step_id", stepID),
		slog.String("reason", reason),
	)
	return r, nil
}
