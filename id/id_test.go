package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/taskloom/taskloom/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"TaskID", id.NewTaskID, "task_"},
		{"RunID", id.NewRunID, "wfrun_"},
		{"ExecutionID", id.NewExecutionID, "dexec_"},
		{"BatchJobID", id.NewBatchJobID, "batch_"},
		{"BatchItemID", id.NewBatchItemID, "item_"},
		{"EventID", id.NewEventID, "evt_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixTask)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixTask {
		t.Errorf("expected prefix %q, got %q", id.PrefixTask, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"TaskID", id.NewTaskID, id.ParseTaskID},
		{"RunID", id.NewRunID, id.ParseRunID},
		{"ExecutionID", id.NewExecutionID, id.ParseExecutionID},
		{"BatchJobID", id.NewBatchJobID, id.ParseBatchJobID},
		{"BatchItemID", id.NewBatchItemID, id.ParseBatchItemID},
		{"EventID", id.NewEventID, id.ParseEventID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseTaskID rejects wfrun_", id.NewRunID().String(), id.ParseTaskID},
		{"ParseRunID rejects dexec_", id.NewExecutionID().String(), id.ParseRunID},
		{"ParseExecutionID rejects batch_", id.NewBatchJobID().String(), id.ParseExecutionID},
		{"ParseBatchJobID rejects item_", id.NewBatchItemID().String(), id.ParseBatchJobID},
		{"ParseBatchItemID rejects evt_", id.NewEventID().String(), id.ParseBatchItemID},
		{"ParseEventID rejects task_", id.NewTaskID().String(), id.ParseEventID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parseFn(tt.input)
			if err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseEmptyString(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error parsing empty string")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original := id.NewBatchJobID()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed id.ID
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
}

func TestNilID(t *testing.T) {
	var nilID id.ID
	if !nilID.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if nilID.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", nilID.String())
	}

	v, err := nilID.Value()
	if err != nil {
		t.Fatalf("Value() failed: %v", err)
	}
	if v != nil {
		t.Errorf("nil ID Value() = %v, want nil", v)
	}
}
