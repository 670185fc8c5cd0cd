package daemon

import (
	"regexp"
	"strings"

	"github.com/taskloom/taskloom/event"
)

// andSplit splits a filter into clauses on the AND keyword,
// case-insensitively.
var andSplit = regexp.MustCompile(`(?i)\s+AND\s+`)

// Matches reports whether a rule fires for an event: the event type
// must equal the trigger event and, when a filter is present, every
// clause must hold against the event's task.
func Matches(r *Rule, evt *event.Event) bool {
	if !r.IsEnabled() {
		return false
	}
	if evt.Type != r.Trigger.Event {
		return false
	}
	if r.Trigger.Filter == "" {
		return true
	}
	for _, clause := range andSplit.Split(strings.TrimSpace(r.Trigger.Filter), -1) {
		if !clauseHolds(clause, evt) {
			return false
		}
	}
	return true
}

// clauseHolds evaluates one "field:value" clause. The grammar is
// deliberately permissive: a clause that does not parse, or names a
// field the matcher does not know, is vacuously true. Callers rely on
// this so that newer rule files keep working against older daemons.
func clauseHolds(clause string, evt *event.Event) bool {
	field, value, ok := strings.Cut(strings.TrimSpace(clause), ":")
	if !ok {
		return true
	}
	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)

	t := evt.Task
	switch strings.ToLower(field) {
	case "status":
		return t != nil && string(t.Status) == value
	case "priority":
		return t != nil && t.Priority == value
	case "label", "tag":
		return t != nil && t.HasTag(value)
	default:
		return true
	}
}
