// Package workflow defines the workflow run model and the step
// progression applied after a batch result is sealed.
package workflow

import (
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
)

// RunState represents the lifecycle state of a workflow run.
type RunState string

const (
	// RunStatePending means the run is created but not yet started.
	RunStatePending RunState = "pending"
	// RunStateRunning means the run is currently executing.
	RunStateRunning RunState = "running"
	// RunStatePaused means the run is suspended.
	RunStatePaused RunState = "paused"
	// RunStateCompleted means the run finished successfully.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means the run failed terminally.
	RunStateFailed RunState = "failed"
	// RunStateCancelled means the run was explicitly cancelled.
	RunStateCancelled RunState = "cancelled"
)

// Run represents a single execution of a workflow definition. A run
// owns many tasks via their WorkflowRunID; several steps may be active
// in parallel.
type Run struct {
	taskloom.Entity

	ID               id.RunID   `json:"id"`
	Name             string     `json:"name"`
	State            RunState   `json:"state"`
	CurrentStepIDs   []string   `json:"current_step_ids,omitempty"`
	CompletedStepIDs []string   `json:"completed_step_ids,omitempty"`
	Input            []byte     `json:"input,omitempty"`
	Output           []byte     `json:"output,omitempty"`
	FailedStepID     string     `json:"failed_step_id,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// StepActive reports whether the given step is currently active.
func (r *Run) StepActive(stepID string) bool {
	for _, s := range r.CurrentStepIDs {
		if s == stepID {
			return true
		}
	}
	return false
}

// StepCompleted reports whether the given step has completed.
func (r *Run) StepCompleted(stepID string) bool {
	for _, s := range r.CompletedStepIDs {
		if s == stepID {
			return true
		}
	}
	return false
}
