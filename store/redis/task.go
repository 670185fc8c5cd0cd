package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
)

// CreateTask stores the task as a msgpack value and indexes it under its
// workflow run.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	key := taskKey(t.ID.String())

	data, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("taskloom/redis: marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("taskloom/redis: create task: %w", err)
	}
	if !ok {
		return taskloom.ErrTaskAlreadyExists
	}

	if !t.WorkflowRunID.IsNil() {
		if err := s.client.SAdd(ctx, runTasksKey(t.WorkflowRunID.String()), t.ID.String()).Err(); err != nil {
			return fmt.Errorf("taskloom/redis: index task by run: %w", err)
		}
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskKey(taskID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, taskloom.ErrTaskNotFound
		}
		return nil, fmt.Errorf("taskloom/redis: get task: %w", err)
	}

	var t task.Task
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("taskloom/redis: unmarshal task: %w", err)
	}
	return &t, nil
}

// UpdateTask persists the full task document.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("taskloom/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return taskloom.ErrTaskNotFound
	}

	data, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("taskloom/redis: marshal task: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("taskloom/redis: update task: %w", err)
	}
	return nil
}

// ListTasksByRun returns the tasks owned by a workflow run.
func (s *Store) ListTasksByRun(ctx context.Context, runID id.RunID) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, runTasksKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("taskloom/redis: list run tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, taskIDStr := range ids {
		taskID, parseErr := id.ParseTaskID(taskIDStr)
		if parseErr != nil {
			return nil, fmt.Errorf("taskloom/redis: parse task id %q: %w", taskIDStr, parseErr)
		}
		t, getErr := s.GetTask(ctx, taskID)
		if getErr != nil {
			if errors.Is(getErr, taskloom.ErrTaskNotFound) {
				continue
			}
			return nil, getErr
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
