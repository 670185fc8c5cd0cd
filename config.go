package taskloom

import "time"

// Config holds configuration for the Coordinator.
type Config struct {
	// Concurrency is the maximum number of daemon rule executions
	// running concurrently.
	Concurrency int

	// ShutdownTimeout is the maximum time to wait for in-flight
	// executions during graceful shutdown. Past the deadline shutdown
	// proceeds regardless.
	ShutdownTimeout time.Duration

	// SweepSchedule drives the batch deadline sweep. Accepts a
	// standard 5-field cron expression or a descriptor such as
	// "@every 30s".
	SweepSchedule string

	// CallbackSecret authenticates inbound batch callbacks.
	CallbackSecret string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		ShutdownTimeout: 30 * time.Second,
		SweepSchedule:   "@every 30s",
	}
}
