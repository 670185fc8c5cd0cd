package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskloom/taskloom/daemon"
)

func TestNewLimiter_UnrestrictedRuleAlwaysAcquires(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "free"}})
	for range 10 {
		if !l.Acquire("free") {
			t.Fatal("rule without limits should always acquire")
		}
	}
	for range 10 {
		l.Release("free")
	}
}

func TestLimiter_UnknownRuleAlwaysAcquires(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "capped", MaxConcurrency: 1}})
	if !l.Acquire("never-configured") {
		t.Fatal("unknown rule should always acquire")
	}
	l.Release("never-configured")
}

func TestLimiter_MaxConcurrency(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "capped", MaxConcurrency: 2}})

	if !l.Acquire("capped") {
		t.Fatal("first Acquire should succeed")
	}
	if !l.Acquire("capped") {
		t.Fatal("second Acquire should succeed")
	}
	if l.Acquire("capped") {
		t.Fatal("third Acquire should fail at max concurrency 2")
	}

	l.Release("capped")
	if !l.Acquire("capped") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestLimiter_ActiveCount(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "r", MaxConcurrency: 5}})

	for i := range 3 {
		if !l.Acquire("r") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if l.ActiveCount("r") != 3 {
		t.Fatalf("active = %d, want 3", l.ActiveCount("r"))
	}

	l.Release("r")
	l.Release("r")
	if l.ActiveCount("r") != 1 {
		t.Fatalf("active = %d, want 1", l.ActiveCount("r"))
	}
}

func TestLimiter_RateLimitThrottles(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "slow", RateLimit: 1.0, RateBurst: 1}})

	if !l.Acquire("slow") {
		t.Fatal("first Acquire should succeed within burst")
	}
	l.Release("slow")

	if l.Acquire("slow") {
		t.Fatal("second Acquire should fail, bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)
	if !l.Acquire("slow") {
		t.Fatal("Acquire should succeed after token refill")
	}
	l.Release("slow")
}

func TestLimiter_RateBurstAllows(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "bursty", RateLimit: 10.0, RateBurst: 3}})

	for i := range 3 {
		if !l.Acquire("bursty") {
			t.Fatalf("Acquire %d should succeed within burst", i)
		}
		l.Release("bursty")
	}
}

func TestLimiter_DefaultBurstIsOne(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "r", RateLimit: 100.0}})

	if !l.Acquire("r") {
		t.Fatal("first Acquire should succeed")
	}
	if l.Acquire("r") {
		t.Fatal("second immediate Acquire should fail with burst 1")
	}
	l.Release("r")
}

func TestLimiter_SetRule(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "dyn", MaxConcurrency: 1}})

	l.Acquire("dyn")
	if l.Acquire("dyn") {
		t.Fatal("should be blocked at concurrency 1")
	}

	l.SetRule(daemon.Rule{Name: "dyn", MaxConcurrency: 3})

	if !l.Acquire("dyn") {
		t.Fatal("should succeed after raising the cap")
	}
	l.Release("dyn")
	l.Release("dyn")
}

func TestLimiter_ReleaseUnderflow(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "r", MaxConcurrency: 5}})

	l.Release("r")
	if l.ActiveCount("r") != 0 {
		t.Fatal("active count should not go below 0")
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := NewLimiter([]daemon.Rule{{Name: "busy", MaxConcurrency: 50}})

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("busy") {
				acquired.Add(1)
				time.Sleep(time.Millisecond)
				l.Release("busy")
			}
		}()
	}

	wg.Wait()

	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}
	if l.ActiveCount("busy") != 0 {
		t.Fatalf("active = %d after all goroutines, want 0", l.ActiveCount("busy"))
	}
}
