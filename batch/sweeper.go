package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Sweeper drives the periodic deadline sweep: on each tick it asks the
// coordinator to finalize every job whose response deadline has passed.
type Sweeper struct {
	coord    *Coordinator
	schedule cronlib.Schedule
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a Sweeper from a cron expression such as
// "@every 30s".
func NewSweeper(coord *Coordinator, expr string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("batch: parse sweep schedule %q: %w", expr, err)
	}
	return &Sweeper{
		coord:    coord,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start launches the sweep loop.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("batch deadline sweeper started")
	return nil
}

// Stop halts the sweep loop, waiting for an in-flight sweep to finish
// or the context to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.coord.Sweep(context.Background())
		}
	}
}
