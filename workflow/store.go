package workflow

import (
	"context"

	"github.com/taskloom/taskloom/id"
)

// Store is the persistence interface for workflow runs.
type Store interface {
	// CreateRun persists a new workflow run.
	CreateRun(ctx context.Context, r *Run) error
	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)
	// UpdateRun persists the full run document.
	UpdateRun(ctx context.Context, r *Run) error
}
