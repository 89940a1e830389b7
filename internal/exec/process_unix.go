//go:build unix

package exec

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTerminate sends SIGTERM to the command's whole process group.
func signalTerminate(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
}

// signalKill sends SIGKILL to the command's whole process group.
func signalKill(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

func setSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// ProcessAlive reports whether pid names a live process. A process owned by
// another user still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillToolGroup sends SIGKILL to the process group led by pgid, provided the
// leader still belongs to session sid. It reports whether a signal was sent.
// A group whose leader exited, or whose pid now belongs to another session,
// is left alone.
func KillToolGroup(pgid, sid int) (bool, error) {
	if pgid <= 0 || sid <= 0 {
		return false, fmt.Errorf("kill group: invalid pgid %d or sid %d", pgid, sid)
	}
	got, err := unix.Getsid(pgid)
	if errors.Is(err, unix.ESRCH) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getsid %d: %w", pgid, err)
	}
	if got != sid {
		return false, nil
	}
	if leader, err := unix.Getpgid(pgid); err != nil || leader != pgid {
		return false, nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TerminateGroup sends SIGTERM to the process group led by pid.
func TerminateGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("terminate: invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			// Not a group leader; signal the process alone.
			return unix.Kill(pid, unix.SIGTERM)
		}
		return err
	}
	return nil
}
