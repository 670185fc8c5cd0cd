package daemon

import (
	"encoding/json"
	"strings"

	"github.com/taskloom/taskloom/task"
)

// Output is the two-variant parse of a command's stdout: either the
// output was structured JSON, or it is carried as raw text under the
// "raw" key. The variant is explicit so directive resolution never
// guesses.
type Output struct {
	structured map[string]any
	raw        string
}

// ParseOutput attempts to parse stdout as a JSON object; anything else
// becomes the raw variant.
func ParseOutput(stdout string) Output {
	trimmed := strings.TrimSpace(stdout)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return Output{structured: m}
		}
	}
	return Output{raw: stdout}
}

// IsStructured reports whether the output parsed as JSON.
func (o Output) IsStructured() bool { return o.structured != nil }

// Value looks up a named field. The raw variant exposes the whole
// output under "raw" only.
func (o Output) Value(field string) (any, bool) {
	if o.structured != nil {
		v, ok := o.structured[field]
		return v, ok
	}
	if field == "raw" {
		return o.raw, true
	}
	return nil, false
}

// resultPlaceholder matches {{result.<field>}} directives.
var resultPlaceholder = func() func(string) (string, bool) {
	const prefix, suffix = "{{result.", "}}"
	return func(directive string) (string, bool) {
		trimmed := strings.TrimSpace(directive)
		if strings.HasPrefix(trimmed, prefix) && strings.HasSuffix(trimmed, suffix) {
			return strings.TrimSpace(trimmed[len(prefix) : len(trimmed)-len(suffix)]), true
		}
		return "", false
	}
}()

// ResolveUpdates computes the field map to send to the task updater
// from a rule's update_fields directives, the command output, and the
// task's current state. Only fields that resolve to a defined value
// are included.
func ResolveUpdates(directives map[string]string, out Output, t *task.Task) map[string]any {
	if len(directives) == 0 {
		return nil
	}
	updates := make(map[string]any, len(directives))

	for field, directive := range directives {
		switch {
		case strings.HasPrefix(directive, "+"):
			updates[field] = appendValue(currentArray(t, field), directive[1:])
		case strings.HasPrefix(directive, "-"):
			updates[field] = removeValue(currentArray(t, field), directive[1:])
		default:
			if name, ok := resultPlaceholder(directive); ok {
				if v, defined := out.Value(name); defined {
					updates[field] = v
				}
				continue
			}
			updates[field] = directive
		}
	}
	return updates
}

// currentArray returns the task's existing array value for a field, or
// nil when the field is absent or not an array. A non-array value is
// replaced by a fresh singleton on append, per the directive contract.
func currentArray(t *task.Task, field string) []string {
	if t == nil {
		return nil
	}
	if field == "tags" {
		return t.Tags
	}
	if t.Metadata == nil {
		return nil
	}
	switch v := t.Metadata[field].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func appendValue(arr []string, value string) []string {
	for _, have := range arr {
		if have == value {
			return arr
		}
	}
	return append(append([]string(nil), arr...), value)
}

func removeValue(arr []string, value string) []string {
	out := make([]string, 0, len(arr))
	for _, have := range arr {
		if have != value {
			out = append(out, have)
		}
	}
	return out
}
