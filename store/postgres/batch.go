package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/id"
)

const jobColumns = `
	id, task_id, workflow_run_id, workflow_step_id, state,
	expected_count, received_count, processed_count, failed_count,
	min_success_percent, deadline_at, requires_manual_review,
	aggregate_result, is_result_sealed, review_decision,
	created_at, updated_at`

const itemColumns = `
	id, batch_job_id, item_key, state, input_data, result_data,
	attempts, error, created_at, updated_at`

// CreateJob persists a new batch job.
func (s *Store) CreateJob(ctx context.Context, j *batch.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskloom_batch_jobs (
			id, task_id, workflow_run_id, workflow_step_id, state,
			expected_count, received_count, processed_count, failed_count,
			min_success_percent, deadline_at, requires_manual_review,
			aggregate_result, is_result_sealed, review_decision,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17
		)`,
		j.ID.String(), j.TaskID.String(), j.WorkflowRunID.String(),
		j.WorkflowStepID, string(j.State),
		j.ExpectedCount, j.ReceivedCount, j.ProcessedCount, j.FailedCount,
		j.MinSuccessPercent, j.DeadlineAt, j.RequiresManualReview,
		j.AggregateResult, j.IsResultSealed, string(j.ReviewDecision),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return taskloom.ErrBatchJobAlreadyExists
		}
		return fmt.Errorf("taskloom/postgres: create batch job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.BatchJobID) (*batch.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM taskloom_batch_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskloom.ErrBatchJobNotFound
		}
		return nil, fmt.Errorf("taskloom/postgres: get batch job: %w", err)
	}
	return j, nil
}

// UpdateJob persists the full job document.
func (s *Store) UpdateJob(ctx context.Context, j *batch.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskloom_batch_jobs SET
			state = $2, expected_count = $3, received_count = $4,
			processed_count = $5, failed_count = $6,
			min_success_percent = $7, deadline_at = $8,
			requires_manual_review = $9, aggregate_result = $10,
			is_result_sealed = $11, review_decision = $12,
			updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), string(j.State), j.ExpectedCount, j.ReceivedCount,
		j.ProcessedCount, j.FailedCount,
		j.MinSuccessPercent, j.DeadlineAt,
		j.RequiresManualReview, j.AggregateResult,
		j.IsResultSealed, string(j.ReviewDecision),
	)
	if err != nil {
		return fmt.Errorf("taskloom/postgres: update batch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskloom.ErrBatchJobNotFound
	}
	return nil
}

// UpsertItem atomically ingests one delivery. The transaction takes
// the job row lock first, so duplicate-key checks, the expected-count
// guard, and the counter updates all observe a consistent job.
func (s *Store) UpsertItem(ctx context.Context, item *batch.Item) (*batch.Item, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("taskloom/postgres: begin upsert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var (
		expected int
		received int
	)
	err = tx.QueryRow(ctx, `
		SELECT expected_count, received_count
		FROM taskloom_batch_jobs
		WHERE id = $1
		FOR UPDATE`,
		item.BatchJobID.String(),
	).Scan(&expected, &received)
	if err != nil {
		if isNoRows(err) {
			return nil, false, taskloom.ErrBatchJobNotFound
		}
		return nil, false, fmt.Errorf("taskloom/postgres: lock batch job: %w", err)
	}

	var prevState string
	err = tx.QueryRow(ctx, `
		SELECT state FROM taskloom_batch_items
		WHERE batch_job_id = $1 AND item_key = $2`,
		item.BatchJobID.String(), item.ItemKey,
	).Scan(&prevState)
	created := isNoRows(err)
	if err != nil && !created {
		return nil, false, fmt.Errorf("taskloom/postgres: find batch item: %w", err)
	}

	if created {
		if received >= expected {
			return nil, false, taskloom.ErrExpectedCount
		}
		item.ID = id.NewBatchItemID()
		item.Entity = taskloom.NewEntity()
		item.Attempts = 1
		if item.State == "" {
			item.State = batch.ItemReceived
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO taskloom_batch_items (
				id, batch_job_id, item_key, state, input_data,
				result_data, attempts, error, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			item.ID.String(), item.BatchJobID.String(), item.ItemKey,
			string(item.State), item.InputData,
			item.ResultData, item.Attempts, item.Error,
			item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return nil, false, fmt.Errorf("taskloom/postgres: insert batch item: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE taskloom_batch_items SET
				state = $3, result_data = $4, error = $5,
				attempts = attempts + 1, updated_at = NOW()
			WHERE batch_job_id = $1 AND item_key = $2`,
			item.BatchJobID.String(), item.ItemKey,
			string(item.State), item.ResultData, item.Error,
		)
		if err != nil {
			return nil, false, fmt.Errorf("taskloom/postgres: update batch item: %w", err)
		}
	}

	receivedDelta := 0
	if created {
		receivedDelta = 1
	}
	processedDelta, failedDelta := counterDeltas(batch.ItemState(prevState), item.State)

	_, err = tx.Exec(ctx, `
		UPDATE taskloom_batch_jobs SET
			received_count = received_count + $2,
			processed_count = processed_count + $3,
			failed_count = failed_count + $4,
			updated_at = NOW()
		WHERE id = $1`,
		item.BatchJobID.String(), receivedDelta, processedDelta, failedDelta,
	)
	if err != nil {
		return nil, false, fmt.Errorf("taskloom/postgres: update batch counters: %w", err)
	}

	stored, err := scanItem(tx.QueryRow(ctx,
		`SELECT`+itemColumns+` FROM taskloom_batch_items
		WHERE batch_job_id = $1 AND item_key = $2`,
		item.BatchJobID.String(), item.ItemKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("taskloom/postgres: reload batch item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("taskloom/postgres: commit upsert: %w", err)
	}
	return stored, created, nil
}

// counterDeltas computes processed/failed counter adjustments for an
// item moving between states.
func counterDeltas(prev, next batch.ItemState) (processed, failed int) {
	if prev == batch.ItemCompleted {
		processed--
	}
	if prev == batch.ItemFailed {
		failed--
	}
	if next == batch.ItemCompleted {
		processed++
	}
	if next == batch.ItemFailed {
		failed++
	}
	return processed, failed
}

// GetItem retrieves one item by its deduplication key.
func (s *Store) GetItem(ctx context.Context, jobID id.BatchJobID, itemKey string) (*batch.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+itemColumns+` FROM taskloom_batch_items
		WHERE batch_job_id = $1 AND item_key = $2`,
		jobID.String(), itemKey,
	)

	item, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskloom.ErrBatchItemNotFound
		}
		return nil, fmt.Errorf("taskloom/postgres: get batch item: %w", err)
	}
	return item, nil
}

// ListItems returns all items of a job, oldest first.
func (s *Store) ListItems(ctx context.Context, jobID id.BatchJobID) ([]*batch.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+itemColumns+` FROM taskloom_batch_items
		WHERE batch_job_id = $1
		ORDER BY created_at ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("taskloom/postgres: list batch items: %w", err)
	}
	defer rows.Close()

	var items []*batch.Item
	for rows.Next() {
		item, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("taskloom/postgres: scan batch item row: %w", scanErr)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskloom/postgres: iterate batch item rows: %w", err)
	}
	return items, nil
}

// SealJob conditionally finalizes a job. The WHERE clause makes the
// seal first-writer-wins; a lost race reports false with no error.
func (s *Store) SealJob(ctx context.Context, jobID id.BatchJobID, state batch.JobState, aggregate map[string]any, decision batch.ReviewDecision) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskloom_batch_jobs SET
			state = $2, aggregate_result = $3, review_decision = $4,
			is_result_sealed = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_result_sealed = FALSE`,
		jobID.String(), string(state), aggregate, string(decision),
	)
	if err != nil {
		return false, fmt.Errorf("taskloom/postgres: seal batch job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDueJobs returns unsealed jobs in awaiting_responses whose
// deadline has passed.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]*batch.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+jobColumns+` FROM taskloom_batch_jobs
		WHERE is_result_sealed = FALSE
		  AND state = $1
		  AND deadline_at IS NOT NULL
		  AND deadline_at <= $2
		ORDER BY deadline_at ASC`,
		string(batch.JobAwaitingResponses), now,
	)
	if err != nil {
		return nil, fmt.Errorf("taskloom/postgres: list due batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*batch.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("taskloom/postgres: scan batch job row: %w", scanErr)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskloom/postgres: iterate batch job rows: %w", err)
	}
	return jobs, nil
}

// scanJob scans a single batch job row.
func scanJob(row pgx.Row) (*batch.Job, error) {
	var (
		j           batch.Job
		idStr       string
		taskIDStr   string
		runIDStr    string
		stateStr    string
		decisionStr string
	)
	err := row.Scan(
		&idStr, &taskIDStr, &runIDStr, &j.WorkflowStepID, &stateStr,
		&j.ExpectedCount, &j.ReceivedCount, &j.ProcessedCount, &j.FailedCount,
		&j.MinSuccessPercent, &j.DeadlineAt, &j.RequiresManualReview,
		&j.AggregateResult, &j.IsResultSealed, &decisionStr,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = batch.JobState(stateStr)
	j.ReviewDecision = batch.ReviewDecision(decisionStr)

	parsedID, parseErr := id.ParseBatchJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse batch job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if taskIDStr != "" {
		taskID, taskErr := id.ParseTaskID(taskIDStr)
		if taskErr != nil {
			return nil, fmt.Errorf("parse task id %q: %w", taskIDStr, taskErr)
		}
		j.TaskID = taskID
	}
	if runIDStr != "" {
		runID, runErr := id.ParseRunID(runIDStr)
		if runErr != nil {
			return nil, fmt.Errorf("parse run id %q: %w", runIDStr, runErr)
		}
		j.WorkflowRunID = runID
	}

	return &j, nil
}

// scanItem scans a single batch item row.
func scanItem(row pgx.Row) (*batch.Item, error) {
	var (
		item     batch.Item
		idStr    string
		jobIDStr string
		stateStr string
	)
	err := row.Scan(
		&idStr, &jobIDStr, &item.ItemKey, &stateStr, &item.InputData,
		&item.ResultData, &item.Attempts, &item.Error,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.State = batch.ItemState(stateStr)

	parsedID, parseErr := id.ParseBatchItemID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse batch item id %q: %w", idStr, parseErr)
	}
	item.ID = parsedID

	jobID, jobErr := id.ParseBatchJobID(jobIDStr)
	if jobErr != nil {
		return nil, fmt.Errorf("parse batch job id %q: %w", jobIDStr, jobErr)
	}
	item.BatchJobID = jobID

	return &item, nil
}
