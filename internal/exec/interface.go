// Package exec provides the process invocation surface used by vigil:
// short helper commands (git) and validator child processes with their
// own timeouts and process-group termination.
package exec

import (
	"context"
	"time"
)

// CommandRunner defines the interface for running short helper commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns its stdout.
	// The working directory is set to workDir if non-empty.
	// A non-zero exit returns an error carrying stderr.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)
}

// Command describes one validator invocation.
type Command struct {
	// Argv is the program and its arguments.
	Argv []string
	// Dir is the working directory (empty = current directory).
	Dir string
	// Env is appended to the parent's environment.
	Env []string
	// Timeout bounds the invocation (0 = no timeout).
	Timeout time.Duration
	// Started, if set, is called with the pid once the process runs. On unix
	// the pid also names the process group.
	Started func(pid int)
}

// Result is the outcome of a process that started.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	// TimedOut is set when the process was terminated for exceeding its timeout.
	TimedOut bool
	// Canceled is set when the process was terminated because ctx was done.
	Canceled bool
}

// ProcessRunner runs validator processes.
type ProcessRunner interface {
	// Run starts the command and waits for it to exit, time out, or be
	// cancelled through ctx. The error is non-nil only when the process
	// could not be started.
	Run(ctx context.Context, cmd Command) (Result, error)
}
