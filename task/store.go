package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/id"
)

// Store is the persistence interface for tasks. A composite backend
// under store/ implements it alongside the other subsystem stores.
type Store interface {
	// CreateTask persists a new task.
	CreateTask(ctx context.Context, t *Task) error
	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)
	// UpdateTask persists the full task document.
	UpdateTask(ctx context.Context, t *Task) error
	// ListTasksByRun returns the tasks owned by a workflow run.
	ListTasksByRun(ctx context.Context, runID id.RunID) ([]*Task, error)
}

// EventPublisher notifies the event bus of task mutations made through
// the updater. The event package's Bus satisfies it; the interface
// lives here so task does not import event.
type EventPublisher interface {
	PublishTask(ctx context.Context, eventType string, t *Task, changes map[string]any, act actor.Type)
}

// Updater is the task update collaborator: it accepts a partial field
// map plus an actor tag and applies it without embedding field
// visibility or validation rules (those belong to the CRUD layer).
type Updater interface {
	ApplyFields(ctx context.Context, taskID id.TaskID, fields map[string]any, act actor.Type) (*Task, error)
}

// Event type names published for task mutations.
const (
	EventCreated       = "task.created"
	EventUpdated       = "task.updated"
	EventStatusChanged = "task.status_changed"
)

// Service is the default Updater implementation: load, apply, persist,
// publish. Status changes additionally emit a status-changed event.
type Service struct {
	store Store
	bus   EventPublisher
}

// NewService creates a task update service.
func NewService(store Store, bus EventPublisher) *Service {
	return &Service{store: store, bus: bus}
}

// Create persists a new task and publishes a task.created event.
func (s *Service) Create(ctx context.Context, t *Task, act actor.Type) error {
	if err := s.store.CreateTask(ctx, t); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.PublishTask(ctx, EventCreated, t, nil, act)
	}
	return nil
}

// ApplyFields implements Updater. Unknown field names land in the
// task's metadata; the CRUD layer owns stricter validation.
func (s *Service) ApplyFields(ctx context.Context, taskID id.TaskID, fields map[string]any, act actor.Type) (*Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	prevStatus := t.Status
	changes := make(map[string]any, len(fields))

	for name, value := range fields {
		if err := applyField(t, name, value); err != nil {
			return nil, fmt.Errorf("task: apply field %q: %w", name, err)
		}
		changes[name] = value
	}

	t.Touch()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.PublishTask(ctx, EventUpdated, t, changes, act)
		if t.Status != prevStatus {
			s.bus.PublishTask(ctx, EventStatusChanged, t, changes, act)
		}
	}
	return t, nil
}

// applyField mutates one task field from its loosely-typed value.
func applyField(t *Task, name string, value any) error {
	switch name {
	case "status":
		s, err := asString(value)
		if err != nil {
			return err
		}
		t.Status = Status(s)
	case "priority":
		s, err := asString(value)
		if err != nil {
			return err
		}
		t.Priority = s
	case "title":
		s, err := asString(value)
		if err != nil {
			return err
		}
		t.Title = s
	case "tags":
		tags, err := asStringSlice(value)
		if err != nil {
			return err
		}
		t.Tags = tags
	default:
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[name] = value
	}
	return nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asStringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string slice, got %T", v)
	}
}

// marshalString renders a value for interpolation: strings pass
// through, nil becomes empty, everything else is JSON serialized.
func marshalString(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
