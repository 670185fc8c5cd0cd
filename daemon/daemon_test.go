package daemon_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/event"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/store/memory"
	"github.com/taskloom/taskloom/task"
)

// fakeRunner records commands and returns canned results. A non-nil
// block channel stalls every run until it is closed.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	result   daemon.CommandResult
	block    chan struct{}
	active   atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeRunner) Run(_ context.Context, command string, _ time.Duration) (*daemon.CommandResult, error) {
	n := f.active.Add(1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	defer f.active.Add(-1)

	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	out := f.result
	return &out, nil
}

func (f *fakeRunner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// fakeUpdater records ApplyFields calls.
type fakeUpdater struct {
	mu     sync.Mutex
	fields map[string]any
	actor  actor.Type
	calls  int
}

func (f *fakeUpdater) ApplyFields(_ context.Context, _ id.TaskID, fields map[string]any, act actor.Type) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = fields
	f.actor = act
	f.calls++
	return &task.Task{}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestDaemon(t *testing.T, cfg *daemon.Config, runner daemon.CommandRunner) (*daemon.Daemon, *event.Bus, *memory.Store, *fakeUpdater) {
	t.Helper()
	logger := slog.Default()
	bus := event.NewBus(logger)
	st := memory.New()
	updater := &fakeUpdater{}

	d := daemon.New(cfg, st, updater, bus, logger, daemon.WithRunner(runner))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d, bus, st, updater
}

func pendingTask() *task.Task {
	tk := &task.Task{ID: id.NewTaskID(), Status: task.StatusPending, Priority: "high"}
	return tk
}

func TestDaemon_ExecutesMatchingRule(t *testing.T) {
	runner := &fakeRunner{result: daemon.CommandResult{Stdout: "ok\n", ExitCode: 0}}
	cfg := &daemon.Config{
		Concurrency: 2,
		Rules: []daemon.Rule{{
			Name:    "echo",
			Trigger: daemon.Trigger{Event: "task.created"},
			Action:  daemon.Action{Command: "echo {{task.status}}"},
		}},
	}
	_, bus, st, _ := newTestDaemon(t, cfg, runner)

	bus.Dispatch(context.Background(), eventFor("task.created", pendingTask()))

	waitFor(t, 2*time.Second, func() bool {
		execs, _ := st.ListExecutions(context.Background(), daemon.ExecutionFilter{RuleName: "echo"})
		return len(execs) == 1 && execs[0].State == daemon.ExecCompleted
	})

	execs, _ := st.ListExecutions(context.Background(), daemon.ExecutionFilter{RuleName: "echo"})
	ex := execs[0]
	if ex.Command != "echo pending" {
		t.Errorf("command = %q, want interpolated", ex.Command)
	}
	if ex.Output != "ok\n" {
		t.Errorf("output = %q", ex.Output)
	}
	if ex.StartedAt == nil || ex.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}
}

func TestDaemon_NonMatchingEventIgnored(t *testing.T) {
	runner := &fakeRunner{}
	cfg := &daemon.Config{
		Concurrency: 1,
		Rules: []daemon.Rule{{
			Name:    "narrow",
			Trigger: daemon.Trigger{Event: "task.created", Filter: "priority:high"},
			Action:  daemon.Action{Command: "true"},
		}},
	}
	d, bus, _, _ := newTestDaemon(t, cfg, runner)

	low := &task.Task{ID: id.NewTaskID(), Status: task.StatusPending, Priority: "low"}
	bus.Dispatch(context.Background(), eventFor("task.created", low))

	time.Sleep(50 * time.Millisecond)
	if got := len(runner.seen()); got != 0 {
		t.Errorf("runner invoked %d times, want 0", got)
	}
	if d.QueuedCount() != 0 {
		t.Errorf("queued = %d, want 0", d.QueuedCount())
	}
}

func TestDaemon_ConcurrencyBoundHoldsUnderBurst(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	cfg := &daemon.Config{
		Concurrency: 2,
		Rules: []daemon.Rule{{
			Name:    "slow",
			Trigger: daemon.Trigger{Event: "task.created"},
			Action:  daemon.Action{Command: "sleep"},
		}},
	}
	d, bus, st, _ := newTestDaemon(t, cfg, runner)

	for range 8 {
		bus.Dispatch(context.Background(), eventFor("task.created", pendingTask()))
	}

	waitFor(t, 2*time.Second, func() bool { return runner.active.Load() == 2 })
	if d.ActiveCount() != 2 {
		t.Errorf("active = %d, want 2", d.ActiveCount())
	}
	if d.QueuedCount() != 6 {
		t.Errorf("queued = %d, want 6", d.QueuedCount())
	}

	close(block)

	waitFor(t, 2*time.Second, func() bool {
		execs, _ := st.ListExecutions(context.Background(), daemon.ExecutionFilter{RuleName: "slow"})
		done := 0
		for _, ex := range execs {
			if ex.State == daemon.ExecCompleted {
				done++
			}
		}
		return done == 8
	})

	if max := runner.maxSeen.Load(); max > 2 {
		t.Errorf("observed %d concurrent executions, bound is 2", max)
	}
}

func TestDaemon_FIFOOrder(t *testing.T) {
	runner := &fakeRunner{}
	cfg := &daemon.Config{
		Concurrency: 1,
		Rules: []daemon.Rule{{
			Name:    "ordered",
			Trigger: daemon.Trigger{Event: "task.created"},
			Action:  daemon.Action{Command: "handle {{task.title}}"},
		}},
	}
	_, bus, _, _ := newTestDaemon(t, cfg, runner)

	for _, title := range []string{"first", "second", "third"} {
		tk := pendingTask()
		tk.Title = title
		bus.Dispatch(context.Background(), eventFor("task.created", tk))
	}

	waitFor(t, 2*time.Second, func() bool { return len(runner.seen()) == 3 })

	want := []string{"handle first", "handle second", "handle third"}
	got := runner.seen()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestDaemon_FailureIsRecordedAndIsolated(t *testing.T) {
	runner := &fakeRunner{result: daemon.CommandResult{Stderr: "boom", ExitCode: 1}}
	cfg := &daemon.Config{
		Concurrency: 1,
		Rules: []daemon.Rule{{
			Name:    "flaky",
			Trigger: daemon.Trigger{Event: "task.created"},
			Action:  daemon.Action{Command: "false"},
		}},
	}
	_, bus, st, _ := newTestDaemon(t, cfg, runner)

	bus.Dispatch(context.Background(), eventFor("task.created", pendingTask()))
	bus.Dispatch(context.Background(), eventFor("task.created", pendingTask()))

	waitFor(t, 2*time.Second, func() bool {
		execs, _ := st.ListExecutions(context.Background(), daemon.ExecutionFilter{RuleName: "flaky"})
		return len(execs) == 2 &&
			execs[0].State == daemon.ExecFailed &&
			execs[1].State == daemon.ExecFailed
	})

	execs, _ := st.ListExecutions(context.Background(), daemon.ExecutionFilter{RuleName: "flaky"})
	for _, ex := range execs {
		if ex.Error == "" {
			t.Error("failed execution should record an error")
		}
	}
}

func TestDaemon_AppliesUpdateFieldsAsDaemonActor(t *testing.T) {
	runner := &fakeRunner{result: daemon.CommandResult{Stdout: `{"verdict":"pass"}`}}
	cfg := &daemon.Config{
		Concurrency: 1,
		Rules: []daemon.Rule{{
			Name:    "classify",
			Trigger: daemon.Trigger{Event: "task.created"},
			Action: daemon.Action{
				Command: "classify {{task.id}}",
				UpdateFields: map[string]string{
					"verdict": "{{result.verdict}}",
					"tags":    "+classified",
				},
			},
		}},
	}
	_, bus, st, updater := newTestDaemon(t, cfg, runner)

	bus.Dispatch(context.Background(), eventFor("task.created", pendingTask()))

	waitFor(t, 2*time.Second, func() bool {
		updater.mu.Lock()
		defer updater.mu.Unlock()
		return updater.calls == 1
	})

	updater.mu.Lock()
	defer updater.mu.Unlock()
	if updater.actor != actor.TypeDaemon {
		t.Errorf("actor = %s, want daemon", updater.actor)
	}
	if updater.fields["verdict"] != "pass" {
		t.Errorf("verdict = %v, want pass", updater.fields["verdict"])
	}

	execs, _ := st.ListExecutions(context.Background(), daemon.ExecutionFilter{RuleName: "classify"})
	if len(execs) != 1 || execs[0].AppliedFields == nil {
		t.Fatal("applied field diff not recorded on execution")
	}
}

func TestDaemon_StopIsBounded(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	cfg := &daemon.Config{
		Concurrency: 1,
		Rules: []daemon.Rule{{
			Name:    "hung",
			Trigger: daemon.Trigger{Event: "task.created"},
			Action:  daemon.Action{Command: "hang"},
		}},
	}

	logger := slog.Default()
	bus := event.NewBus(logger)
	st := memory.New()
	d := daemon.New(cfg, st, &fakeUpdater{}, bus, logger,
		daemon.WithRunner(runner),
		daemon.WithShutdownTimeout(100*time.Millisecond),
	)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	bus.Dispatch(context.Background(), eventFor("task.created", pendingTask()))
	waitFor(t, 2*time.Second, func() bool { return runner.active.Load() == 1 })

	start := time.Now()
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop took %v, should force-proceed at the bound", elapsed)
	}
	close(block)
}
