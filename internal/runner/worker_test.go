package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/registry"
	"github.com/ShayCichocki/vigil/pkg/models"
)

type fakeGit struct {
	files []string
	err   error
}

func (g fakeGit) ChangedFiles(context.Context, string) ([]string, error) {
	return g.files, g.err
}

type exitCodes map[string]int

func (e exitCodes) Run(_ context.Context, c exec.Command) (exec.Result, error) {
	return exec.Result{ExitCode: e[c.Argv[0]], Duration: time.Millisecond}, nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	optional := false
	reg, err := registry.New(map[string]config.ToolConfig{
		"vet":   {Command: "vet ./..."},
		"spell": {Command: "spell", Required: &optional},
	}, time.Minute)
	require.NoError(t, err)
	return reg
}

func TestWorker_RunsToCompletion(t *testing.T) {
	db := openStore(t)
	eventsDir := t.TempDir()
	ctx := context.Background()
	run, err := db.CreateRun(ctx, "HEAD..abc")
	require.NoError(t, err)

	w := &Worker{
		Store:     db,
		Registry:  testRegistry(t),
		Procs:     exitCodes{"vet": 1, "spell": 0},
		Git:       fakeGit{files: []string{"main.go"}},
		EventsDir: eventsDir,
		PID:       999,
	}
	status, err := w.Run(ctx, run.ID, run.ChangesetRef)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, status)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, 999, got.OwnerPID)
	assert.NotNil(t, got.StartedAt)
	assert.Len(t, got.ToolResults, 2)
	assert.Equal(t, models.ToolFailed, got.ToolResults["vet"].Status)

	evs, err := events.ReadAll(eventsDir, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.True(t, last.IsOverall())
	assert.Equal(t, models.EventFinished, last.Type)
	assert.Equal(t, string(models.RunFailed), last.Payload.Status)
}

func TestWorker_ChangesetFailureAborts(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	run, _ := db.CreateRun(ctx, "HEAD..abc")

	w := &Worker{
		Store:     db,
		Registry:  testRegistry(t),
		Procs:     exitCodes{},
		Git:       fakeGit{err: errors.New("bad object")},
		EventsDir: t.TempDir(),
	}
	status, err := w.Run(ctx, run.ID, run.ChangesetRef)
	require.Error(t, err)
	assert.Equal(t, models.RunAborted, status)

	got, _ := db.GetRun(ctx, run.ID)
	assert.Equal(t, models.RunAborted, got.Status)
	assert.Contains(t, got.Reason, "bad object")
}

func TestWorker_RefusesFinalizedRun(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	run, _ := db.CreateRun(ctx, "HEAD..abc")
	require.NoError(t, db.Transition(ctx, run.ID, models.RunAborted, "orphaned"))

	w := &Worker{Store: db, Registry: testRegistry(t), Procs: exitCodes{}, Git: fakeGit{}, EventsDir: t.TempDir()}
	_, err := w.Run(ctx, run.ID, run.ChangesetRef)
	require.Error(t, err)

	got, _ := db.GetRun(ctx, run.ID)
	assert.Equal(t, "orphaned", got.Reason)
	assert.Empty(t, got.ToolResults)
}
