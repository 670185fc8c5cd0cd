package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
)

const taskColumns = `
	id, title, status, type, execution_mode, priority, tags,
	webhook, foreach, join_config, batch_counters,
	workflow_run_id, workflow_step_id, metadata,
	created_at, updated_at`

// CreateTask persists a new task.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskloom_tasks (
			id, title, status, type, execution_mode, priority, tags,
			webhook, foreach, join_config, batch_counters,
			workflow_run_id, workflow_step_id, metadata,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16
		)`,
		t.ID.String(), t.Title, string(t.Status), string(t.Type),
		string(t.ExecutionMode), t.Priority, t.Tags,
		t.Webhook, t.Foreach, t.Join, t.Batch,
		t.WorkflowRunID.String(), t.WorkflowStepID, t.Metadata,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return taskloom.ErrTaskAlreadyExists
		}
		return fmt.Errorf("taskloom/postgres: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+taskColumns+` FROM taskloom_tasks WHERE id = $1`,
		taskID.String(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskloom.ErrTaskNotFound
		}
		return nil, fmt.Errorf("taskloom/postgres: get task: %w", err)
	}
	return t, nil
}

// UpdateTask persists the full task document.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskloom_tasks SET
			title = $2, status = $3, type = $4, execution_mode = $5,
			priority = $6, tags = $7, webhook = $8, foreach = $9,
			join_config = $10, batch_counters = $11,
			workflow_run_id = $12, workflow_step_id = $13,
			metadata = $14, updated_at = NOW()
		WHERE id = $1`,
		t.ID.String(), t.Title, string(t.Status), string(t.Type),
		string(t.ExecutionMode), t.Priority, t.Tags, t.Webhook, t.Foreach,
		t.Join, t.Batch,
		t.WorkflowRunID.String(), t.WorkflowStepID, t.Metadata,
	)
	if err != nil {
		return fmt.Errorf("taskloom/postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskloom.ErrTaskNotFound
	}
	return nil
}

// ListTasksByRun returns the tasks owned by a workflow run.
func (s *Store) ListTasksByRun(ctx context.Context, runID id.RunID) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+taskColumns+` FROM taskloom_tasks
		WHERE workflow_run_id = $1
		ORDER BY created_at ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("taskloom/postgres: list tasks by run: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("taskloom/postgres: scan task row: %w", scanErr)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskloom/postgres: iterate task rows: %w", err)
	}
	return tasks, nil
}

// scanTask scans a single task row.
func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t        task.Task
		idStr    string
		status   string
		typ      string
		mode     string
		runIDStr string
	)
	err := row.Scan(
		&idStr, &t.Title, &status, &typ, &mode, &t.Priority, &t.Tags,
		&t.Webhook, &t.Foreach, &t.Join, &t.Batch,
		&runIDStr, &t.WorkflowStepID, &t.Metadata,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Type = task.Type(typ)
	t.ExecutionMode = task.ExecutionMode(mode)

	parsedID, parseErr := id.ParseTaskID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse task id %q: %w", idStr, parseErr)
	}
	t.ID = parsedID

	if runIDStr != "" {
		runID, runErr := id.ParseRunID(runIDStr)
		if runErr != nil {
			return nil, fmt.Errorf("parse run id %q: %w", runIDStr, runErr)
		}
		t.WorkflowRunID = runID
	}

	return &t, nil
}
