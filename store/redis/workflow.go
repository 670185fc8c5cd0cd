package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, r *workflow.Run) error {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("taskloom/redis: marshal run: %w", err)
	}
	if err := s.client.Set(ctx, runKey(r.ID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("taskloom/redis: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	data, err := s.client.Get(ctx, runKey(runID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, taskloom.ErrRunNotFound
		}
		return nil, fmt.Errorf("taskloom/redis: get run: %w", err)
	}

	var r workflow.Run
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("taskloom/redis: unmarshal run: %w", err)
	}
	return &r, nil
}

// UpdateRun persists the full run document.
func (s *Store) UpdateRun(ctx context.Context, r *workflow.Run) error {
	key := runKey(r.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("taskloom/redis: update run exists: %w", err)
	}
	if exists == 0 {
		return taskloom.ErrRunNotFound
	}

	data, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("taskloom/redis: marshal run: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("taskloom/redis: update run: %w", err)
	}
	return nil
}
