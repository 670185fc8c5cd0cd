package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// MaxCapturedOutput bounds how many bytes of command output are kept
// in memory per stream. Persisted records are truncated further (see
// MaxRecordedOutput).
const MaxCapturedOutput = 64 * 1024

// CommandResult is the outcome of one external command execution.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// CommandRunner executes rule commands. The Daemon uses ShellRunner in
// production; tests substitute fakes.
type CommandRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error)
}

// ShellRunner executes commands through the shell, bounded by a
// timeout and a capped output buffer.
type ShellRunner struct {
	// Shell is the interpreter invoked with -c. Defaults to /bin/sh.
	Shell string
}

// NewShellRunner creates a ShellRunner using /bin/sh.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "/bin/sh"}
}

// cappedBuffer discards writes past its limit so runaway commands
// cannot exhaust memory.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	// Report full write so the command keeps running.
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// Run executes the command with shell semantics. A non-zero exit or a
// timeout is reported in the result, not as an error; errors are
// reserved for failures to start the process at all.
func (r *ShellRunner) Run(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	stdout := &cappedBuffer{limit: MaxCapturedOutput}
	stderr := &cappedBuffer{limit: MaxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("daemon: start command: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}

// Err converts a failed result into the error recorded on the
// execution. Successful results return nil.
func (c *CommandResult) Err() error {
	if c.TimedOut {
		return fmt.Errorf("command timed out after %s", c.Duration.Round(time.Millisecond))
	}
	if c.ExitCode != 0 {
		msg := c.Stderr
		if msg == "" {
			msg = c.Stdout
		}
		return fmt.Errorf("command exited %d: %s", c.ExitCode, msg)
	}
	return nil
}
