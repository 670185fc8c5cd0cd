// Package batch coordinates fan-out/join steps: a foreach task
// dispatches expectedCount work units to an external system, inbound
// callbacks report per-item results, and the coordinator decides once
// how the step completed.
package batch

import (
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
)

// JobState is the lifecycle state of a batch job.
type JobState string

const (
	JobPending               JobState = "pending"
	JobProcessing            JobState = "processing"
	JobAwaitingResponses     JobState = "awaiting_responses"
	JobCompleted             JobState = "completed"
	JobCompletedWithWarnings JobState = "completed_with_warnings"
	JobFailed                JobState = "failed"
	JobCancelled             JobState = "cancelled"
	JobManualReview          JobState = "manual_review"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithWarnings, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ReviewDecision is a reviewer's verdict on a job parked in
// manual_review.
type ReviewDecision string

const (
	ReviewApproved           ReviewDecision = "approved"
	ReviewRejected           ReviewDecision = "rejected"
	ReviewProceedWithPartial ReviewDecision = "proceed_with_partial"
)

// DefaultMinSuccessPercent applies when a job does not set its own
// threshold.
const DefaultMinSuccessPercent = 100.0

// Job tracks one fan-out step: how many work units were dispatched,
// how many came back, and the sealed outcome.
type Job struct {
	taskloom.Entity

	ID             id.BatchJobID `json:"id"`
	TaskID         id.TaskID     `json:"task_id,omitempty"`
	WorkflowRunID  id.RunID      `json:"workflow_run_id,omitempty"`
	WorkflowStepID string        `json:"workflow_step_id,omitempty"`
	State          JobState      `json:"state"`

	ExpectedCount  int `json:"expected_count"`
	ReceivedCount  int `json:"received_count"`
	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count"`

	MinSuccessPercent    float64    `json:"min_success_percent,omitempty"`
	DeadlineAt           *time.Time `json:"deadline_at,omitempty"`
	RequiresManualReview bool       `json:"requires_manual_review,omitempty"`

	AggregateResult map[string]any `json:"aggregate_result,omitempty"`
	IsResultSealed  bool           `json:"is_result_sealed"`
	ReviewDecision  ReviewDecision `json:"review_decision,omitempty"`
}

// MinSuccess returns the job's success threshold, applying the default
// when unset.
func (j *Job) MinSuccess() float64 {
	if j.MinSuccessPercent <= 0 {
		return DefaultMinSuccessPercent
	}
	return j.MinSuccessPercent
}

// SuccessPercent computes processed work as a percentage of expected.
func (j *Job) SuccessPercent() float64 {
	if j.ExpectedCount == 0 {
		return 0
	}
	return float64(j.ProcessedCount) / float64(j.ExpectedCount) * 100
}

// ItemState is the lifecycle state of a single batch item.
type ItemState string

const (
	ItemPending    ItemState = "pending"
	ItemReceived   ItemState = "received"
	ItemProcessing ItemState = "processing"
	ItemCompleted  ItemState = "completed"
	ItemFailed     ItemState = "failed"
	ItemSkipped    ItemState = "skipped"
)

// Item is one work unit of a batch job. (BatchJobID, ItemKey) is
// unique; re-delivery of a known key updates the item in place.
type Item struct {
	taskloom.Entity

	ID         id.BatchItemID `json:"id"`
	BatchJobID id.BatchJobID  `json:"batch_job_id"`
	ItemKey    string         `json:"item_key"`
	State      ItemState      `json:"state"`
	InputData  map[string]any `json:"input_data,omitempty"`
	ResultData map[string]any `json:"result_data,omitempty"`
	Attempts   int            `json:"attempts"`
	Error      string         `json:"error,omitempty"`
}
