package daemon

import (
	"context"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
)

// ExecState represents the lifecycle state of one rule firing.
type ExecState string

const (
	// ExecPending means the firing is queued but not started.
	ExecPending ExecState = "pending"
	// ExecRunning means the command is executing.
	ExecRunning ExecState = "running"
	// ExecCompleted means the command exited zero.
	ExecCompleted ExecState = "completed"
	// ExecFailed means the command exited non-zero or timed out.
	ExecFailed ExecState = "failed"
)

// MaxRecordedOutput caps the output persisted on an execution record.
const MaxRecordedOutput = 10_000

// Execution is the append-only record of one rule firing. It is
// created at dispatch and never mutated once terminal.
type Execution struct {
	taskloom.Entity

	ID            id.ExecutionID `json:"id"`
	RuleName      string         `json:"rule_name"`
	TaskID        id.TaskID      `json:"task_id"`
	EventID       id.EventID     `json:"event_id"`
	Command       string         `json:"command"`
	State         ExecState      `json:"state"`
	Output        string         `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	AppliedFields map[string]any `json:"applied_fields,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Truncate clamps a string to MaxRecordedOutput characters.
func Truncate(s string) string {
	if len(s) <= MaxRecordedOutput {
		return s
	}
	return s[:MaxRecordedOutput]
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	RuleName string
	TaskID   id.TaskID
	Limit    int
}

// Store is the persistence interface for execution records.
type Store interface {
	// CreateExecution persists a new execution record.
	CreateExecution(ctx context.Context, ex *Execution) error
	// UpdateExecution persists state transitions for a non-terminal record.
	UpdateExecution(ctx context.Context, ex *Execution) error
	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, execID id.ExecutionID) (*Execution, error)
	// ListExecutions returns records matching the filter, oldest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
}
