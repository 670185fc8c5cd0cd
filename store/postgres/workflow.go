package postgres

import (
	"context"
	"fmt"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, r *workflow.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskloom_workflow_runs (
			id, name, state, current_step_ids, completed_step_ids,
			input, output, failed_step_id, error,
			started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		)`,
		r.ID.String(), r.Name, string(r.State),
		r.CurrentStepIDs, r.CompletedStepIDs,
		r.Input, r.Output, r.FailedStepID, r.Error,
		r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("taskloom/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	var (
		r        workflow.Run
		idStr    string
		stateStr string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			id, name, state, current_step_ids, completed_step_ids,
			input, output, failed_step_id, error,
			started_at, completed_at, created_at, updated_at
		FROM taskloom_workflow_runs
		WHERE id = $1`,
		runID.String(),
	).Scan(
		&idStr, &r.Name, &stateStr, &r.CurrentStepIDs, &r.CompletedStepIDs,
		&r.Input, &r.Output, &r.FailedStepID, &r.Error,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, taskloom.ErrRunNotFound
		}
		return nil, fmt.Errorf("taskloom/postgres: get run: %w", err)
	}

	r.State = workflow.RunState(stateStr)
	parsedID, parseErr := id.ParseRunID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("taskloom/postgres: parse run id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID
	return &r, nil
}

// UpdateRun persists the full run document.
func (s *Store) UpdateRun(ctx context.Context, r *workflow.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskloom_workflow_runs SET
			name = $2, state = $3, current_step_ids = $4,
			completed_step_ids = $5, input = $6, output = $7,
			failed_step_id = $8, error = $9,
			started_at = $10, completed_at = $11, updated_at = NOW()
		WHERE id = $1`,
		r.ID.String(), r.Name, string(r.State), r.CurrentStepIDs,
		r.CompletedStepIDs, r.Input, r.Output,
		r.FailedStepID, r.Error,
		r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("taskloom/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskloom.ErrRunNotFound
	}
	return nil
}
