package exec

import (
	"fmt"
	"os/exec"
)

// StartDetached starts cmd in a new session so it outlives the caller and
// its controlling terminal. The process is released, never waited for, and
// its pid is returned.
func StartDetached(cmd *exec.Cmd) (int, error) {
	setSession(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start detached %s: %w", cmd.Path, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release pid %d: %w", pid, err)
	}
	return pid, nil
}
