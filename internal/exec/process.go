package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const (
	defaultKillGrace   = 2 * time.Second
	defaultOutputLimit = 8 << 20
)

// Process implements ProcessRunner. Each command runs in its own process
// group so termination reaches every process the validator spawned.
type Process struct {
	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// OutputLimit caps the bytes retained per stream. Only the tail is kept.
	OutputLimit int
}

// NewProcessRunner creates a Process with default limits.
func NewProcessRunner() *Process {
	return &Process{KillGrace: defaultKillGrace, OutputLimit: defaultOutputLimit}
}

// Run starts the command and waits for it to exit, time out, or be cancelled.
func (p *Process) Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return Result{}, errors.New("empty command")
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	stdout := &tailBuffer{limit: p.outputLimit()}
	stderr := &tailBuffer{limit: p.outputLimit()}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds the wait for pipes held open by orphaned grandchildren.
	cmd.WaitDelay = p.killGrace()
	setProcessGroup(cmd)

	// A context that is already done never starts the process.
	if err := ctx.Err(); err != nil {
		return Result{Canceled: true, ExitCode: -1}, nil
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Argv[0], err)
	}
	if c.Started != nil {
		c.Started(cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var res Result
	select {
	case <-done:
	case <-timeout:
		res.TimedOut = true
		p.terminate(cmd, done)
	case <-ctx.Done():
		res.Canceled = true
		p.terminate(cmd, done)
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.ExitCode = -1
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res, nil
}

// terminate asks the process group to exit, escalating to SIGKILL after
// the grace period, and waits for Wait to return.
func (p *Process) terminate(cmd *exec.Cmd, done <-chan error) {
	_ = signalTerminate(cmd)
	select {
	case <-done:
		return
	case <-time.After(p.killGrace()):
	}
	_ = signalKill(cmd)
	<-done
}

func (p *Process) killGrace() time.Duration {
	if p.KillGrace <= 0 {
		return defaultKillGrace
	}
	return p.KillGrace
}

func (p *Process) outputLimit() int {
	if p.OutputLimit <= 0 {
		return defaultOutputLimit
	}
	return p.OutputLimit
}

// tailBuffer keeps the last limit bytes written. The backing slice grows to
// at most twice the limit before it is compacted.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return n, nil
	}
	if len(b.buf)+len(p) > 2*b.limit {
		keep := b.limit - len(p)
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-keep:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) Bytes() []byte {
	if len(b.buf) > b.limit {
		return b.buf[len(b.buf)-b.limit:]
	}
	return b.buf
}

// Verify Process implements ProcessRunner at compile time.
var _ ProcessRunner = (*Process)(nil)
