package daemon

import (
	"regexp"

	"github.com/taskloom/taskloom/event"
)

// placeholder matches {{task.<field>}} and {{event.<field>}}. The
// variable namespace is deliberately restricted to those two roots;
// anything else is left untouched in the command string.
var placeholder = regexp.MustCompile(`\{\{\s*(task|event)\.([A-Za-z0-9_.]+)\s*\}\}`)

// Interpolate renders a command template against an event. Fields
// resolve to their string form: structured values are JSON serialized
// and absent values become the empty string.
//
// The resulting string is executed with shell semantics and is trusted
// input. No sandboxing is applied — rule configuration is a real
// security boundary and must not be accepted from untrusted sources.
func Interpolate(command string, evt *event.Event) string {
	return placeholder.ReplaceAllStringFunc(command, func(m string) string {
		groups := placeholder.FindStringSubmatch(m)
		root, field := groups[1], groups[2]
		switch root {
		case "task":
			if evt.Task == nil {
				return ""
			}
			return evt.Task.Field(field)
		case "event":
			return evt.Field(field)
		}
		return ""
	})
}
