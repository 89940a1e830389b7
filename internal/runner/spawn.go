package runner

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"

	"github.com/ShayCichocki/vigil/internal/exec"
)

// WorkerCommand is the hidden subcommand that executes a run.
const WorkerCommand = "worker"

// ProcessSpawner re-executes the current binary as a detached worker in a
// new session, so the worker survives the hook and its terminal.
type ProcessSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	// Dir is the worker's working directory (the repository root).
	Dir string
	// LogDir receives <run_id>.out with the worker's stdout and stderr.
	// Empty discards the output.
	LogDir string
}

// Spawn starts "<exe> worker --run-id <id> --changeset <ref>".
func (s *ProcessSpawner) Spawn(_ context.Context, runID, changesetRef string) (int, error) {
	exe := s.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
		exe = self
	}

	// The worker must not die with the caller, so it gets no context.
	cmd := osexec.Command(exe, WorkerCommand, "--run-id", runID, "--changeset", changesetRef)
	cmd.Dir = s.Dir
	cmd.Env = os.Environ()

	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0755); err != nil {
			return 0, fmt.Errorf("create log directory: %w", err)
		}
		out, err := os.OpenFile(filepath.Join(s.LogDir, runID+".out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("open worker output: %w", err)
		}
		// The child holds its own descriptor after Start.
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	return exec.StartDetached(cmd)
}

// Verify ProcessSpawner implements Spawner at compile time.
var _ Spawner = (*ProcessSpawner)(nil)
