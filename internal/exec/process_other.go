//go:build !unix

package exec

import (
	"fmt"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func setSession(*exec.Cmd) {}

func signalTerminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func signalKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

// KillToolGroup is a no-op without process groups and sessions.
func KillToolGroup(pgid, sid int) (bool, error) {
	if pgid <= 0 || sid <= 0 {
		return false, fmt.Errorf("kill group: invalid pgid %d or sid %d", pgid, sid)
	}
	return false, nil
}

// TerminateGroup kills the process pid.
func TerminateGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("terminate: invalid pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
