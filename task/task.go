// Package task defines the shared task model mutated by users, the
// automation daemon, and the executors, plus the store and update
// collaborator interfaces the coordination subsystems depend on.
package task

import (
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task is waiting to be advanced.
	StatusPending Status = "pending"
	// StatusInProgress means the task is actively executing.
	StatusInProgress Status = "in_progress"
	// StatusOnHold means the task is parked by a human.
	StatusOnHold Status = "on_hold"
	// StatusWaiting means the task is blocked on an external signal.
	StatusWaiting Status = "waiting"
	// StatusCompleted means the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the task failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled means the task was explicitly cancelled.
	StatusCancelled Status = "cancelled"
	// StatusArchived means the task is retained for history only.
	StatusArchived Status = "archived"
)

// Type classifies how a task participates in a workflow.
type Type string

const (
	TypeFlow     Type = "flow"
	TypeTrigger  Type = "trigger"
	TypeAgent    Type = "agent"
	TypeManual   Type = "manual"
	TypeDecision Type = "decision"
	TypeForeach  Type = "foreach"
	TypeJoin     Type = "join"
	TypeExternal Type = "external"
	TypeWebhook  Type = "webhook"
	TypeSubflow  Type = "subflow"
)

// ExecutionMode governs how a task is advanced.
type ExecutionMode string

const (
	ModeManual           ExecutionMode = "manual"
	ModeAutomated        ExecutionMode = "automated"
	ModeImmediate        ExecutionMode = "immediate"
	ModeExternalCallback ExecutionMode = "external_callback"
)

// AttemptStatus is the outcome of a single webhook attempt.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt records one webhook execution. Attempts are append-only and
// numbered contiguously from 1.
type Attempt struct {
	AttemptNumber int           `json:"attempt_number"`
	StartedAt     time.Time     `json:"started_at"`
	Status        AttemptStatus `json:"status"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	ResponseBody  string        `json:"response_body,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// WebhookConfig describes the outbound HTTP side effect for an
// external task, including its retry bookkeeping.
type WebhookConfig struct {
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               []byte            `json:"body,omitempty"`
	Timeout            time.Duration     `json:"timeout,omitempty"`
	MaxRetries         int               `json:"max_retries,omitempty"`
	RetryDelay         time.Duration     `json:"retry_delay,omitempty"`
	SuccessStatusCodes []int             `json:"success_status_codes,omitempty"`
	Attempts           []Attempt         `json:"attempts,omitempty"`
	NextRetryAt        *time.Time        `json:"next_retry_at,omitempty"`
	LastAttemptAt      *time.Time        `json:"last_attempt_at,omitempty"`

	// WorkflowManaged hands execution ownership to the workflow
	// engine; the webhook executor skips these tasks entirely.
	WorkflowManaged bool `json:"workflow_managed,omitempty"`
}

// ForeachConfig configures a fan-out step: each input item is
// dispatched to the external system, which reports back through the
// callback URL.
type ForeachConfig struct {
	CallbackURL          string        `json:"callback_url"`
	MinSuccessPercent    float64       `json:"min_success_percent,omitempty"`
	RequiresManualReview bool          `json:"requires_manual_review,omitempty"`
	ResponseDeadline     time.Duration `json:"response_deadline,omitempty"`
}

// JoinConfig binds a join task to the batch job it waits on.
type JoinConfig struct {
	BatchJobID id.BatchJobID `json:"batch_job_id"`
}

// BatchCounters mirrors the owning batch job's progress onto the task
// for cheap reads. The batch store owns the authoritative counts.
type BatchCounters struct {
	Expected  int `json:"expected"`
	Received  int `json:"received"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Task is a unit of work with a status and an optional execution type
// governing how it is advanced.
type Task struct {
	taskloom.Entity

	ID            id.TaskID      `json:"id"`
	Title         string         `json:"title,omitempty"`
	Status        Status         `json:"status"`
	Type          Type           `json:"type"`
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Webhook       *WebhookConfig `json:"webhook,omitempty"`
	Foreach       *ForeachConfig `json:"foreach,omitempty"`
	Join          *JoinConfig    `json:"join,omitempty"`
	Batch         *BatchCounters `json:"batch,omitempty"`

	WorkflowRunID  id.RunID       `json:"workflow_run_id,omitempty"`
	WorkflowStepID string         `json:"workflow_step_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// Field returns the string form of a named task field for template
// interpolation and filter matching. Structured values are JSON
// serialized; absent values become the empty string.
func (t *Task) Field(name string) string {
	switch name {
	case "id":
		return t.ID.String()
	case "title":
		return t.Title
	case "status":
		return string(t.Status)
	case "type":
		return string(t.Type)
	case "execution_mode":
		return string(t.ExecutionMode)
	case "priority":
		return t.Priority
	case "workflow_run_id":
		return t.WorkflowRunID.String()
	case "workflow_step_id":
		return t.WorkflowStepID
	case "tags":
		return marshalString(t.Tags)
	default:
		if t.Metadata != nil {
			if v, ok := t.Metadata[name]; ok {
				return marshalString(v)
			}
		}
		return ""
	}
}
