package event

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
)

// Handler processes one event. Returning an error is recorded but
// never propagates to the publisher or to later handlers.
type Handler func(ctx context.Context, evt *Event) error

// Subscription identifies one registered handler. Keep it to
// unsubscribe later.
type Subscription struct {
	seq       uint64
	eventType string
	handler   Handler
}

// Bus is the in-process event bus. Handlers for the exact event type
// and wildcard handlers are invoked in subscription order for a given
// dispatch. Ordering across separate Publish calls racing from
// different goroutines is not guaranteed.
type Bus struct {
	mu       sync.RWMutex
	nextSeq  uint64
	byType   map[string][]*Subscription
	wildcard []*Subscription
	logger   *slog.Logger

	// dispatchWG tracks in-flight async dispatches so Close can drain.
	dispatchWG sync.WaitGroup
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		byType: make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event type, or for every
// event when eventType is Wildcard. Handlers run in subscription order.
func (b *Bus) Subscribe(eventType string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{seq: b.nextSeq, eventType: eventType, handler: h}
	b.nextSeq++

	if eventType == Wildcard {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.byType[eventType] = append(b.byType[eventType], sub)
	}
	return sub
}

// Unsubscribe removes a previously registered subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.eventType == Wildcard {
		b.wildcard = removeSub(b.wildcard, sub)
	} else {
		b.byType[sub.eventType] = removeSub(b.byType[sub.eventType], sub)
	}
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish fans the event out to subscribers asynchronously. It returns
// immediately; no handler's completion is guaranteed before it does.
func (b *Bus) Publish(evt *Event) {
	handlers := b.snapshot(evt.Type)
	if len(handlers) == 0 {
		return
	}

	b.dispatchWG.Add(1)
	go func() {
		defer b.dispatchWG.Done()
		b.run(context.Background(), evt, handlers)
	}()
}

// Dispatch fans the event out synchronously, returning after every
// handler has run. Use it when the caller must observe the effects.
func (b *Bus) Dispatch(ctx context.Context, evt *Event) {
	b.run(ctx, evt, b.snapshot(evt.Type))
}

// PublishTask builds an Event from a task mutation and publishes it.
// It satisfies the task.EventPublisher collaborator interface.
func (b *Bus) PublishTask(ctx context.Context, eventType string, t *task.Task, changes map[string]any, act actor.Type) {
	_ = ctx // delivery is fire-and-forget; the publisher's ctx does not bound handlers
	b.Publish(&Event{
		ID:         id.NewEventID(),
		Type:       eventType,
		Task:       t,
		Changes:    changes,
		Actor:      act,
		OccurredAt: time.Now().UTC(),
	})
}

// Drain blocks until all in-flight async dispatches have completed.
// Intended for shutdown and tests.
func (b *Bus) Drain() {
	b.dispatchWG.Wait()
}

// snapshot returns the exact-type and wildcard handlers for a type,
// merged by subscription order.
func (b *Bus) snapshot(eventType string) []*Subscription {
	b.mu.RLock()
	exact := b.byType[eventType]
	merged := make([]*Subscription, 0, len(exact)+len(b.wildcard))
	merged = append(merged, exact...)
	merged = append(merged, b.wildcard...)
	b.mu.RUnlock()

	sort.Slice(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })
	return merged
}

// run invokes handlers sequentially, isolating per-handler failures.
func (b *Bus) run(ctx context.Context, evt *Event, handlers []*Subscription) {
	for _, sub := range handlers {
		b.invoke(ctx, evt, sub)
	}
}

func (b *Bus) invoke(ctx context.Context, evt *Event, sub *Subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", evt.Type),
				slog.String("event_id", evt.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		b.logger.Error("event handler failed",
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
