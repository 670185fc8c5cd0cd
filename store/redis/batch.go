package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/id"
)

// upsertItemScript performs one callback ingestion atomically: the
// duplicate-key check, the expected-count guard, the item write, and
// the job counter updates all happen inside Redis.
//
// KEYS: job hash, item hash, item-key index set.
// ARGV: state, input json, result json, error, item id, now, item key, job id.
var upsertItemScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('job_not_found')
end
local prev = redis.call('HGET', KEYS[2], 'state')
local created = 0
if not prev then
	local expected = tonumber(redis.call('HGET', KEYS[1], 'expected_count'))
	local received = tonumber(redis.call('HGET', KEYS[1], 'received_count'))
	if received >= expected then
		return redis.error_reply('expected_count')
	end
	redis.call('HSET', KEYS[2],
		'id', ARGV[5], 'batch_job_id', ARGV[8], 'item_key', ARGV[7],
		'state', ARGV[1], 'input_data', ARGV[2], 'result_data', ARGV[3],
		'error', ARGV[4], 'attempts', 1,
		'created_at', ARGV[6], 'updated_at', ARGV[6])
	redis.call('HINCRBY', KEYS[1], 'received_count', 1)
	redis.call('SADD', KEYS[3], ARGV[7])
	created = 1
	prev = ''
else
	redis.call('HSET', KEYS[2],
		'state', ARGV[1], 'result_data', ARGV[3],
		'error', ARGV[4], 'updated_at', ARGV[6])
	redis.call('HINCRBY', KEYS[2], 'attempts', 1)
end
if prev == 'completed' then
	redis.call('HINCRBY', KEYS[1], 'processed_count', -1)
end
if prev == 'failed' then
	redis.call('HINCRBY', KEYS[1], 'failed_count', -1)
end
if ARGV[1] == 'completed' then
	redis.call('HINCRBY', KEYS[1], 'processed_count', 1)
end
if ARGV[1] == 'failed' then
	redis.call('HINCRBY', KEYS[1], 'failed_count', 1)
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[6])
return created
`)

// sealJobScript finalizes a job if and only if it is not sealed yet.
//
// KEYS: job hash, due sorted set.
// ARGV: state, aggregate json, decision, now, job id.
var sealJobScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('job_not_found')
end
if redis.call('HGET', KEYS[1], 'is_result_sealed') == '1' then
	return 0
end
redis.call('HSET', KEYS[1],
	'state', ARGV[1], 'aggregate_result', ARGV[2],
	'review_decision', ARGV[3], 'is_result_sealed', '1',
	'updated_at', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[5])
return 1
`)

// CreateJob persists a new batch job as a Hash and registers its
// deadline in the due set.
func (s *Store) CreateJob(ctx context.Context, j *batch.Job) error {
	key := batchJobKey(j.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("taskloom/redis: create job exists: %w", err)
	}
	if exists > 0 {
		return taskloom.ErrBatchJobAlreadyExists
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.DeadlineAt != nil && !j.IsResultSealed {
		pipe.ZAdd(ctx, batchDueKey, goredis.Z{
			Score:  float64(j.DeadlineAt.Unix()),
			Member: j.ID.String(),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskloom/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.BatchJobID) (*batch.Job, error) {
	fields, err := s.client.HGetAll(ctx, batchJobKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, taskloom.ErrBatchJobNotFound
	}
	return jobFromMap(fields)
}

// UpdateJob persists the full job document.
func (s *Store) UpdateJob(ctx context.Context, j *batch.Job) error {
	key := batchJobKey(j.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("taskloom/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return taskloom.ErrBatchJobNotFound
	}

	j.Touch()
	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.DeadlineAt != nil && !j.IsResultSealed {
		pipe.ZAdd(ctx, batchDueKey, goredis.Z{
			Score:  float64(j.DeadlineAt.Unix()),
			Member: j.ID.String(),
		})
	} else {
		pipe.ZRem(ctx, batchDueKey, j.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskloom/redis: update job: %w", err)
	}
	return nil
}

// UpsertItem atomically ingests one delivery via a Lua script.
func (s *Store) UpsertItem(ctx context.Context, item *batch.Item) (*batch.Item, bool, error) {
	jobID := item.BatchJobID.String()
	now := time.Now().UTC()

	if item.State == "" {
		item.State = batch.ItemReceived
	}
	inputJSON, err := json.Marshal(item.InputData)
	if err != nil {
		return nil, false, fmt.Errorf("taskloom/redis: marshal item input: %w", err)
	}
	resultJSON, err := json.Marshal(item.ResultData)
	if err != nil {
		return nil, false, fmt.Errorf("taskloom/redis: marshal item result: %w", err)
	}

	keys := []string{
		batchJobKey(jobID),
		batchItemKey(jobID, item.ItemKey),
		batchItemsKey(jobID),
	}
	args := []any{
		string(item.State), string(inputJSON), string(resultJSON), item.Error,
		id.NewBatchItemID().String(), now.Format(time.RFC3339Nano),
		item.ItemKey, jobID,
	}

	created, err := upsertItemScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "job_not_found"):
			return nil, false, taskloom.ErrBatchJobNotFound
		case strings.Contains(err.Error(), "expected_count"):
			return nil, false, taskloom.ErrExpectedCount
		}
		return nil, false, fmt.Errorf("taskloom/redis: upsert item: %w", err)
	}

	stored, err := s.GetItem(ctx, item.BatchJobID, item.ItemKey)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

// GetItem retrieves one item by its deduplication key.
func (s *Store) GetItem(ctx context.Context, jobID id.BatchJobID, itemKey string) (*batch.Item, error) {
	fields, err := s.client.HGetAll(ctx, batchItemKey(jobID.String(), itemKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: get item: %w", err)
	}
	if len(fields) == 0 {
		return nil, taskloom.ErrBatchItemNotFound
	}
	return itemFromMap(fields)
}

// ListItems returns all items of a job.
func (s *Store) ListItems(ctx context.Context, jobID id.BatchJobID) ([]*batch.Item, error) {
	keys, err := s.client.SMembers(ctx, batchItemsKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: list item keys: %w", err)
	}

	items := make([]*batch.Item, 0, len(keys))
	for _, itemKey := range keys {
		item, getErr := s.GetItem(ctx, jobID, itemKey)
		if getErr != nil {
			if errors.Is(getErr, taskloom.ErrBatchItemNotFound) {
				continue
			}
			return nil, getErr
		}
		items = append(items, item)
	}
	return items, nil
}

// SealJob conditionally finalizes a job via a Lua script.
func (s *Store) SealJob(ctx context.Context, jobID id.BatchJobID, state batch.JobState, aggregate map[string]any, decision batch.ReviewDecision) (bool, error) {
	aggJSON, err := json.Marshal(aggregate)
	if err != nil {
		return false, fmt.Errorf("taskloom/redis: marshal aggregate: %w", err)
	}

	keys := []string{batchJobKey(jobID.String()), batchDueKey}
	args := []any{
		string(state), string(aggJSON), string(decision),
		time.Now().UTC().Format(time.RFC3339Nano), jobID.String(),
	}

	sealed, err := sealJobScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		if strings.Contains(err.Error(), "job_not_found") {
			return false, taskloom.ErrBatchJobNotFound
		}
		return false, fmt.Errorf("taskloom/redis: seal job: %w", err)
	}
	return sealed == 1, nil
}

// ListDueJobs returns unsealed jobs in awaiting_responses whose
// deadline has passed.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]*batch.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, batchDueKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: range due jobs: %w", err)
	}

	var jobs []*batch.Job
	for _, jobIDStr := range ids {
		jobID, parseErr := id.ParseBatchJobID(jobIDStr)
		if parseErr != nil {
			return nil, fmt.Errorf("taskloom/redis: parse job id %q: %w", jobIDStr, parseErr)
		}
		j, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			if errors.Is(getErr, taskloom.ErrBatchJobNotFound) {
				continue
			}
			return nil, getErr
		}
		if j.IsResultSealed || j.State != batch.JobAwaitingResponses {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// jobToMap flattens a job into Redis hash fields.
func jobToMap(j *batch.Job) (map[string]any, error) {
	aggJSON, err := json.Marshal(j.AggregateResult)
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: marshal aggregate: %w", err)
	}

	deadline := ""
	if j.DeadlineAt != nil {
		deadline = j.DeadlineAt.UTC().Format(time.RFC3339Nano)
	}

	return map[string]any{
		"id":                     j.ID.String(),
		"task_id":                j.TaskID.String(),
		"workflow_run_id":        j.WorkflowRunID.String(),
		"workflow_step_id":       j.WorkflowStepID,
		"state":                  string(j.State),
		"expected_count":         j.ExpectedCount,
		"received_count":         j.ReceivedCount,
		"processed_count":        j.ProcessedCount,
		"failed_count":           j.FailedCount,
		"min_success_percent":    j.MinSuccessPercent,
		"deadline_at":            deadline,
		"requires_manual_review": boolField(j.RequiresManualReview),
		"aggregate_result":       string(aggJSON),
		"is_result_sealed":       boolField(j.IsResultSealed),
		"review_decision":        string(j.ReviewDecision),
		"created_at":             j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":             j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// jobFromMap rebuilds a job from Redis hash fields.
func jobFromMap(fields map[string]string) (*batch.Job, error) {
	j := &batch.Job{
		WorkflowStepID:       fields["workflow_step_id"],
		State:                batch.JobState(fields["state"]),
		RequiresManualReview: fields["requires_manual_review"] == "1",
		IsResultSealed:       fields["is_result_sealed"] == "1",
		ReviewDecision:       batch.ReviewDecision(fields["review_decision"]),
	}

	parsedID, err := id.ParseBatchJobID(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: parse job id %q: %w", fields["id"], err)
	}
	j.ID = parsedID

	if v := fields["task_id"]; v != "" {
		taskID, taskErr := id.ParseTaskID(v)
		if taskErr != nil {
			return nil, fmt.Errorf("taskloom/redis: parse task id %q: %w", v, taskErr)
		}
		j.TaskID = taskID
	}
	if v := fields["workflow_run_id"]; v != "" {
		runID, runErr := id.ParseRunID(v)
		if runErr != nil {
			return nil, fmt.Errorf("taskloom/redis: parse run id %q: %w", v, runErr)
		}
		j.WorkflowRunID = runID
	}

	j.ExpectedCount, _ = strconv.Atoi(fields["expected_count"])
	j.ReceivedCount, _ = strconv.Atoi(fields["received_count"])
	j.ProcessedCount, _ = strconv.Atoi(fields["processed_count"])
	j.FailedCount, _ = strconv.Atoi(fields["failed_count"])
	j.MinSuccessPercent, _ = strconv.ParseFloat(fields["min_success_percent"], 64)

	if v := fields["deadline_at"]; v != "" {
		deadline, timeErr := time.Parse(time.RFC3339Nano, v)
		if timeErr != nil {
			return nil, fmt.Errorf("taskloom/redis: parse deadline %q: %w", v, timeErr)
		}
		j.DeadlineAt = &deadline
	}
	if v := fields["aggregate_result"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &j.AggregateResult); err != nil {
			return nil, fmt.Errorf("taskloom/redis: unmarshal aggregate: %w", err)
		}
	}

	j.CreatedAt = parseTimeField(fields["created_at"])
	j.UpdatedAt = parseTimeField(fields["updated_at"])
	return j, nil
}

// itemFromMap rebuilds an item from Redis hash fields.
func itemFromMap(fields map[string]string) (*batch.Item, error) {
	item := &batch.Item{
		ItemKey: fields["item_key"],
		State:   batch.ItemState(fields["state"]),
		Error:   fields["error"],
	}

	parsedID, err := id.ParseBatchItemID(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: parse item id %q: %w", fields["id"], err)
	}
	item.ID = parsedID

	jobID, err := id.ParseBatchJobID(fields["batch_job_id"])
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: parse job id %q: %w", fields["batch_job_id"], err)
	}
	item.BatchJobID = jobID

	item.Attempts, _ = strconv.Atoi(fields["attempts"])

	if v := fields["input_data"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &item.InputData); err != nil {
			return nil, fmt.Errorf("taskloom/redis: unmarshal item input: %w", err)
		}
	}
	if v := fields["result_data"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &item.ResultData); err != nil {
			return nil, fmt.Errorf("taskloom/redis: unmarshal item result: %w", err)
		}
	}

	item.CreatedAt = parseTimeField(fields["created_at"])
	item.UpdatedAt = parseTimeField(fields["updated_at"])
	return item, nil
}

// boolField renders a bool the way the Lua scripts compare it.
func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseTimeField parses an RFC3339 hash field, zero on absence.
func parseTimeField(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
