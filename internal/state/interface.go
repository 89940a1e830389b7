package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// RunWriter handles run mutations performed by the runner, executor and reaper.
type RunWriter interface {
	CreateRun(ctx context.Context, changesetRef string) (*models.Run, error)
	CreateRunUnlessActive(ctx context.Context, changesetRef string, isActive func(*models.Run) bool) (*models.Run, bool, error)
	SetOwner(ctx context.Context, runID string, pid int) error
	MarkRunning(ctx context.Context, runID string, pid int) error
	Transition(ctx context.Context, runID string, next models.RunStatus, reason string) error
	RecordToolResult(ctx context.Context, runID string, result models.ToolResult) error
}

// RunReader handles run queries used by the gate, viewers and status commands.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetLatest(ctx context.Context) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]models.Run, error)
	ListRunning(ctx context.Context) ([]models.Run, error)
}

// Pruner handles retention.
type Pruner interface {
	Prune(ctx context.Context, opts PruneOptions) ([]string, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// RunStore defines the interface for run persistence.
// Callers depend on the focused sub-interfaces they need rather than on
// the concrete SQLite implementation.
type RunStore interface {
	io.Closer
	Migrator
	RunWriter
	RunReader
	Pruner
}

// Compile-time verification that DB implements all interfaces.
var (
	_ RunStore  = (*DB)(nil)
	_ Migrator  = (*DB)(nil)
	_ RunWriter = (*DB)(nil)
	_ RunReader = (*DB)(nil)
	_ Pruner    = (*DB)(nil)
)
