package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/id"
)

const executionColumns = `
	id, rule_name, task_id, event_id, command, state,
	output, error, applied_fields,
	started_at, completed_at, created_at, updated_at`

// CreateExecution persists a new execution record.
func (s *Store) CreateExecution(ctx context.Context, ex *daemon.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskloom_daemon_executions (
			id, rule_name, task_id, event_id, command, state,
			output, error, applied_fields,
			started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13
		)`,
		ex.ID.String(), ex.RuleName, ex.TaskID.String(), ex.EventID.String(),
		ex.Command, string(ex.State),
		ex.Output, ex.Error, ex.AppliedFields,
		ex.StartedAt, ex.CompletedAt, ex.CreatedAt, ex.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("taskloom/postgres: create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists state transitions for a non-terminal record.
func (s *Store) UpdateExecution(ctx context.Context, ex *daemon.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskloom_daemon_executions SET
			state = $2, output = $3, error = $4, applied_fields = $5,
			started_at = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1`,
		ex.ID.String(), string(ex.State), ex.Output, ex.Error,
		ex.AppliedFields, ex.StartedAt, ex.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("taskloom/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskloom.ErrExecutionNotFound
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*daemon.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+executionColumns+` FROM taskloom_daemon_executions WHERE id = $1`,
		execID.String(),
	)

	ex, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskloom.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("taskloom/postgres: get execution: %w", err)
	}
	return ex, nil
}

// ListExecutions returns records matching the filter, oldest first.
func (s *Store) ListExecutions(ctx context.Context, filter daemon.ExecutionFilter) ([]*daemon.Execution, error) {
	query := `SELECT` + executionColumns + ` FROM taskloom_daemon_executions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.RuleName != "" {
		query += fmt.Sprintf(" AND rule_name = $%d", argIdx)
		args = append(args, filter.RuleName)
		argIdx++
	}
	if !filter.TaskID.IsNil() {
		query += fmt.Sprintf(" AND task_id = $%d", argIdx)
		args = append(args, filter.TaskID.String())
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskloom/postgres: list executions: %w", err)
	}
	defer rows.Close()

	var execs []*daemon.Execution
	for rows.Next() {
		ex, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("taskloom/postgres: scan execution row: %w", scanErr)
		}
		execs = append(execs, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskloom/postgres: iterate execution rows: %w", err)
	}
	return execs, nil
}

// scanExecution scans a single execution row.
func scanExecution(row pgx.Row) (*daemon.Execution, error) {
	var (
		ex         daemon.Execution
		idStr      string
		taskIDStr  string
		eventIDStr string
		stateStr   string
	)
	err := row.Scan(
		&idStr, &ex.RuleName, &taskIDStr, &eventIDStr, &ex.Command, &stateStr,
		&ex.Output, &ex.Error, &ex.AppliedFields,
		&ex.StartedAt, &ex.CompletedAt, &ex.CreatedAt, &ex.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ex.State = daemon.ExecState(stateStr)

	parsedID, parseErr := id.ParseExecutionID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse execution id %q: %w", idStr, parseErr)
	}
	ex.ID = parsedID

	if taskIDStr != "" {
		taskID, taskErr := id.ParseTaskID(taskIDStr)
		if taskErr != nil {
			return nil, fmt.Errorf("parse task id %q: %w", taskIDStr, taskErr)
		}
		ex.TaskID = taskID
	}
	if eventIDStr != "" {
		eventID, evErr := id.ParseEventID(eventIDStr)
		if evErr != nil {
			return nil, fmt.Errorf("parse event id %q: %w", eventIDStr, evErr)
		}
		ex.EventID = eventID
	}

	return &ex, nil
}
