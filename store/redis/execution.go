package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/id"
)

// CreateExecution persists a new execution record and appends its ID to
// the creation-order List.
func (s *Store) CreateExecution(ctx context.Context, ex *daemon.Execution) error {
	data, err := msgpack.Marshal(ex)
	if err != nil {
		return fmt.Errorf("taskloom/redis: marshal execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(ex.ID.String()), data, 0)
	pipe.RPush(ctx, execIDsKey, ex.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskloom/redis: create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists state transitions for a non-terminal record.
func (s *Store) UpdateExecution(ctx context.Context, ex *daemon.Execution) error {
	key := execKey(ex.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("taskloom/redis: update execution exists: %w", err)
	}
	if exists == 0 {
		return taskloom.ErrExecutionNotFound
	}

	data, err := msgpack.Marshal(ex)
	if err != nil {
		return fmt.Errorf("taskloom/redis: marshal execution: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("taskloom/redis: update execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*daemon.Execution, error) {
	data, err := s.client.Get(ctx, execKey(execID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, taskloom.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("taskloom/redis: get execution: %w", err)
	}

	var ex daemon.Execution
	if err := msgpack.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("taskloom/redis: unmarshal execution: %w", err)
	}
	return &ex, nil
}

// ListExecutions returns records matching the filter, oldest first. The
// ID List preserves creation order; filtering happens client side.
func (s *Store) ListExecutions(ctx context.Context, filter daemon.ExecutionFilter) ([]*daemon.Execution, error) {
	ids, err := s.client.LRange(ctx, execIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: list execution ids: %w", err)
	}

	var execs []*daemon.Execution
	for _, execIDStr := range ids {
		if filter.Limit > 0 && len(execs) >= filter.Limit {
			break
		}

		execID, parseErr := id.ParseExecutionID(execIDStr)
		if parseErr != nil {
			return nil, fmt.Errorf("taskloom/redis: parse execution id %q: %w", execIDStr, parseErr)
		}
		ex, getErr := s.GetExecution(ctx, execID)
		if getErr != nil {
			if errors.Is(getErr, taskloom.ErrExecutionNotFound) {
				continue
			}
			return nil, getErr
		}

		if filter.RuleName != "" && ex.RuleName != filter.RuleName {
			continue
		}
		if !filter.TaskID.IsNil() && ex.TaskID != filter.TaskID {
			continue
		}
		execs = append(execs, ex)
	}
	return execs, nil
}
