package batch_test

import (
	"context"
	"testing"
	"time"

	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/store/memory"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@every 30s", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"not a schedule", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := batch.ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestNewSweeper_RejectsBadExpression(t *testing.T) {
	c := batch.NewCoordinator(memory.New(), discardLogger())
	if _, err := batch.NewSweeper(c, "bogus", discardLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSweeper_FinalizesDueJobOnTick(t *testing.T) {
	st := memory.New()
	c := batch.NewCoordinator(st, discardLogger())
	ctx := context.Background()

	j := newJob(10)
	j.MinSuccessPercent = 50
	past := time.Now().UTC().Add(-time.Minute)
	j.DeadlineAt = &past
	openJob(t, c, j)
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		deliver(t, c, j.ID, key, batch.ItemCompleted)
	}

	s, err := batch.NewSweeper(c, "@every 10ms", discardLogger())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.IsResultSealed {
			if got.State != batch.JobCompletedWithWarnings {
				t.Fatalf("state = %s, want completed_with_warnings", got.State)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper never finalized the overdue job")
}

func TestSweeper_StartStopIdempotent(t *testing.T) {
	c := batch.NewCoordinator(memory.New(), discardLogger())
	s, err := batch.NewSweeper(c, "@every 1h", discardLogger())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
