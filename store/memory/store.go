// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
	"github.com/taskloom/taskloom/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ task.Store     = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ daemon.Store   = (*Store)(nil)
	_ batch.Store    = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	tasks      map[string]*task.Task
	runs       map[string]*workflow.Run
	executions map[string]*daemon.Execution
	jobs       map[string]*batch.Job
	items      map[string]*batch.Item // key: "jobID/itemKey"
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		tasks:      make(map[string]*task.Task),
		runs:       make(map[string]*workflow.Run),
		executions: make(map[string]*daemon.Execution),
		jobs:       make(map[string]*batch.Job),
		items:      make(map[string]*batch.Item),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// cloneTask deep-copies a task so callers and the store never share
// mutable state. Shared maps or slices would let one snapshot's writes
// bleed into every other, and concurrent field application would race.
func cloneTask(t *task.Task) *task.Task {
	cp := *t
	cp.Tags = slices.Clone(t.Tags)
	cp.Metadata = maps.Clone(t.Metadata)
	if t.Webhook != nil {
		wh := *t.Webhook
		wh.Headers = maps.Clone(t.Webhook.Headers)
		wh.Body = slices.Clone(t.Webhook.Body)
		wh.SuccessStatusCodes = slices.Clone(t.Webhook.SuccessStatusCodes)
		wh.Attempts = slices.Clone(t.Webhook.Attempts)
		cp.Webhook = &wh
	}
	if t.Foreach != nil {
		fe := *t.Foreach
		cp.Foreach = &fe
	}
	if t.Join != nil {
		jn := *t.Join
		cp.Join = &jn
	}
	if t.Batch != nil {
		bc := *t.Batch
		cp.Batch = &bc
	}
	return &cp
}

func (m *Store) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := t.ID.String()
	if _, ok := m.tasks[key]; ok {
		return taskloom.ErrTaskAlreadyExists
	}
	m.tasks[key] = cloneTask(t)
	return nil
}

func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, taskloom.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return taskloom.ErrTaskNotFound
	}
	m.tasks[key] = cloneTask(t)
	return nil
}

func (m *Store) ListTasksByRun(_ context.Context, runID id.RunID) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*task.Task
	for _, t := range m.tasks {
		if t.WorkflowRunID == runID {
			result = append(result, cloneTask(t))
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

func cloneRun(r *workflow.Run) *workflow.Run {
	cp := *r
	cp.CurrentStepIDs = slices.Clone(r.CurrentStepIDs)
	cp.CompletedStepIDs = slices.Clone(r.CompletedStepIDs)
	cp.Input = slices.Clone(r.Input)
	cp.Output = slices.Clone(r.Output)
	return &cp
}

func (m *Store) CreateRun(_ context.Context, r *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID.String()] = cloneRun(r)
	return nil
}

func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, taskloom.ErrRunNotFound
	}
	return cloneRun(r), nil
}

func (m *Store) UpdateRun(_ context.Context, r *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.ID.String()
	if _, ok := m.runs[key]; !ok {
		return taskloom.ErrRunNotFound
	}
	m.runs[key] = cloneRun(r)
	return nil
}

// ──────────────────────────────────────────────────
// Daemon Execution Store
// ──────────────────────────────────────────────────

func cloneExecution(ex *daemon.Execution) *daemon.Execution {
	cp := *ex
	cp.AppliedFields = maps.Clone(ex.AppliedFields)
	return &cp
}

func (m *Store) CreateExecution(_ context.Context, ex *daemon.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[ex.ID.String()] = cloneExecution(ex)
	return nil
}

func (m *Store) UpdateExecution(_ context.Context, ex *daemon.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ex.ID.String()
	if _, ok := m.executions[key]; !ok {
		return taskloom.ErrExecutionNotFound
	}
	m.executions[key] = cloneExecution(ex)
	return nil
}

func (m *Store) GetExecution(_ context.Context, execID id.ExecutionID) (*daemon.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executions[execID.String()]
	if !ok {
		return nil, taskloom.ErrExecutionNotFound
	}
	return cloneExecution(ex), nil
}

func (m *Store) ListExecutions(_ context.Context, filter daemon.ExecutionFilter) ([]*daemon.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*daemon.Execution
	for _, ex := range m.executions {
		if filter.RuleName != "" && ex.RuleName != filter.RuleName {
			continue
		}
		if !filter.TaskID.IsNil() && ex.TaskID != filter.TaskID {
			continue
		}
		result = append(result, cloneExecution(ex))
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Batch Store
// ──────────────────────────────────────────────────

func cloneJob(j *batch.Job) *batch.Job {
	cp := *j
	cp.AggregateResult = maps.Clone(j.AggregateResult)
	if j.DeadlineAt != nil {
		d := *j.DeadlineAt
		cp.DeadlineAt = &d
	}
	return &cp
}

func cloneItem(item *batch.Item) *batch.Item {
	cp := *item
	cp.InputData = maps.Clone(item.InputData)
	cp.ResultData = maps.Clone(item.ResultData)
	return &cp
}

func (m *Store) CreateJob(_ context.Context, j *batch.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := j.ID.String()
	if _, ok := m.jobs[key]; ok {
		return taskloom.ErrBatchJobAlreadyExists
	}
	m.jobs[key] = cloneJob(j)
	return nil
}

func (m *Store) GetJob(_ context.Context, jobID id.BatchJobID) (*batch.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, taskloom.ErrBatchJobNotFound
	}
	return cloneJob(j), nil
}

func (m *Store) UpdateJob(_ context.Context, j *batch.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return taskloom.ErrBatchJobNotFound
	}
	m.jobs[key] = cloneJob(j)
	return nil
}

func itemKey(jobID id.BatchJobID, key string) string {
	return jobID.String() + "/" + key
}

// UpsertItem holds the store mutex across the whole read-modify-write,
// so two deliveries for the same key serialize and counters never see
// lost updates.
func (m *Store) UpsertItem(_ context.Context, item *batch.Item) (*batch.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[item.BatchJobID.String()]
	if !ok {
		return nil, false, taskloom.ErrBatchJobNotFound
	}

	key := itemKey(item.BatchJobID, item.ItemKey)
	existing, ok := m.items[key]
	if !ok {
		if j.ReceivedCount >= j.ExpectedCount {
			return nil, false, taskloom.ErrExpectedCount
		}
		cp := cloneItem(item)
		if cp.ID.IsNil() {
			cp.ID = id.NewBatchItemID()
		}
		cp.Attempts = 1
		if cp.State == "" {
			cp.State = batch.ItemReceived
		}
		cp.Entity = taskloom.NewEntity()
		m.items[key] = cp

		j.ReceivedCount++
		m.applyCounterDelta(j, "", cp.State)
		j.Touch()

		return cloneItem(cp), true, nil
	}

	prev := existing.State
	existing.Attempts++
	if item.State != "" {
		existing.State = item.State
	}
	if item.ResultData != nil {
		existing.ResultData = maps.Clone(item.ResultData)
	}
	if item.Error != "" {
		existing.Error = item.Error
	}
	existing.Touch()

	m.applyCounterDelta(j, prev, existing.State)
	j.Touch()

	return cloneItem(existing), false, nil
}

// applyCounterDelta keeps processedCount/failedCount consistent with
// item state transitions. Called with the mutex held.
func (m *Store) applyCounterDelta(j *batch.Job, prev, next batch.ItemState) {
	if prev == next {
		return
	}
	switch prev {
	case batch.ItemCompleted:
		j.ProcessedCount--
	case batch.ItemFailed:
		j.FailedCount--
	}
	switch next {
	case batch.ItemCompleted:
		j.ProcessedCount++
	case batch.ItemFailed:
		j.FailedCount++
	}
}

func (m *Store) GetItem(_ context.Context, jobID id.BatchJobID, key string) (*batch.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemKey(jobID, key)]
	if !ok {
		return nil, taskloom.ErrBatchItemNotFound
	}
	return cloneItem(item), nil
}

func (m *Store) ListItems(_ context.Context, jobID id.BatchJobID) ([]*batch.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*batch.Item
	for _, item := range m.items {
		if item.BatchJobID == jobID {
			result = append(result, cloneItem(item))
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].ItemKey < result[k].ItemKey
	})
	return result, nil
}

// SealJob finalizes at most once: a second seal attempt is a no-op
// returning false.
func (m *Store) SealJob(_ context.Context, jobID id.BatchJobID, state batch.JobState, aggregate map[string]any, decision batch.ReviewDecision) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, taskloom.ErrBatchJobNotFound
	}
	if j.IsResultSealed {
		return false, nil
	}
	j.State = state
	j.AggregateResult = maps.Clone(aggregate)
	j.ReviewDecision = decision
	j.IsResultSealed = true
	j.Touch()
	return true, nil
}

func (m *Store) ListDueJobs(_ context.Context, now time.Time) ([]*batch.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*batch.Job
	for _, j := range m.jobs {
		if j.IsResultSealed || j.State != batch.JobAwaitingResponses {
			continue
		}
		if j.DeadlineAt == nil || now.Before(*j.DeadlineAt) {
			continue
		}
		result = append(result, cloneJob(j))
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}
