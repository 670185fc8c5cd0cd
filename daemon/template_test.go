package daemon_test

import (
	"testing"

	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/task"
)

func TestInterpolate(t *testing.T) {
	tk := &task.Task{
		ID:       id.NewTaskID(),
		Title:    "deploy api",
		Status:   task.StatusPending,
		Priority: "high",
		Tags:     []string{"ops", "urgent"},
		Metadata: map[string]any{
			"region": "eu-west-1",
			"shards": []any{"a", "b"},
			"owner":  nil,
		},
	}
	evt := eventFor("task.created", tk)

	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"task field", "echo {{task.status}}", "echo pending"},
		{"task id", "notify {{task.id}}", "notify " + tk.ID.String()},
		{"metadata field", "deploy --region {{task.region}}", "deploy --region eu-west-1"},
		{"array serialized", "run {{task.shards}}", `run ["a","b"]`},
		{"null becomes empty", "run '{{task.owner}}'", "run ''"},
		{"absent becomes empty", "run '{{task.nothing}}'", "run ''"},
		{"event field", "log {{event.type}}", "log task.created"},
		{"whitespace tolerated", "echo {{ task.priority }}", "echo high"},
		{"outside namespace untouched", "echo {{env.HOME}}", "echo {{env.HOME}}"},
		{"multiple placeholders", "{{task.status}}:{{task.priority}}", "pending:high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := daemon.Interpolate(tt.command, evt); got != tt.want {
				t.Errorf("Interpolate(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}
