// Package event provides the in-process event bus the coordination
// subsystems hang off: typed publish/subscribe of task lifecycle
// events with wildcard subscriptions and isolated handler failures.
//
// Delivery is fire-and-forget from the publisher's point of view and
// at-least-once to registered handlers for the lifetime of the
// process. There is no durability or replay.
package event

import (
	"time"

	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
)

// Wildcard matches every event type. Subscribers register for it to
// observe the whole stream; the concrete type constants live with the
// task package that emits them.
const Wildcard = "*"

// Event is one task lifecycle notification fanned out to subscribers.
type Event struct {
	ID         id.EventID     `json:"id"`
	Type       string         `json:"type"`
	Task       *task.Task     `json:"task,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	Actor      actor.Type     `json:"actor"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Field returns the string form of a named event field for template
// interpolation. Recognised names: id, type, actor, occurred_at, and
// task-prefixed lookups fall through to the task itself.
func (e *Event) Field(name string) string {
	switch name {
	case "id":
		return e.ID.String()
	case "type":
		return e.Type
	case "actor":
		return string(e.Actor)
	case "occurred_at":
		return e.OccurredAt.Format(time.RFC3339)
	default:
		return ""
	}
}
