package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/pkg/models"
)

func openStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.OpenStore(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeSpawner struct {
	mu    sync.Mutex
	pid   int
	err   error
	calls []string
}

func (s *fakeSpawner) Spawn(_ context.Context, runID, ref string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, runID)
	return s.pid, s.err
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

func TestLaunch_CreatesRunAndRecordsOwner(t *testing.T) {
	db := openStore(t)
	eventsDir := t.TempDir()
	sp := &fakeSpawner{pid: 4242}
	r := New(db, sp, Options{EventsDir: eventsDir, Alive: alwaysAlive})

	id, err := r.Launch(context.Background(), "HEAD..abc")
	require.NoError(t, err)

	run, err := db.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, 4242, run.OwnerPID)
	assert.Equal(t, []string{id}, sp.calls)

	latest, err := db.GetLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)

	alias, err := events.ReadLatest(eventsDir)
	require.NoError(t, err)
	assert.Equal(t, id, alias)
}

func TestLaunch_JoinsLiveRun(t *testing.T) {
	db := openStore(t)
	sp := &fakeSpawner{pid: 4242}
	r := New(db, sp, Options{Policy: config.PolicyJoin, Alive: alwaysAlive})
	ctx := context.Background()

	first, err := r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)
	second, err := r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, sp.count(), "a second executor must never start for the same changeset")
}

func TestLaunch_RefusesLiveRun(t *testing.T) {
	db := openStore(t)
	sp := &fakeSpawner{pid: 4242}
	r := New(db, sp, Options{Policy: config.PolicyRefuse, Alive: alwaysAlive})
	ctx := context.Background()

	first, err := r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)

	id, err := r.Launch(ctx, "HEAD..abc")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, first, id)
	assert.Equal(t, 1, sp.count())
}

func TestLaunch_DeadOwnerStartsNewRun(t *testing.T) {
	db := openStore(t)
	sp := &fakeSpawner{pid: 4242}
	r := New(db, sp, Options{Policy: config.PolicyRefuse, Alive: neverAlive})
	ctx := context.Background()

	first, err := r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)
	second, err := r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, sp.count())
}

func TestLaunch_OtherChangesetIsIndependent(t *testing.T) {
	db := openStore(t)
	sp := &fakeSpawner{pid: 4242}
	r := New(db, sp, Options{Alive: alwaysAlive})
	ctx := context.Background()

	a, err := r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)
	b, err := r.Launch(ctx, "HEAD..def")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLaunch_PendingWithoutOwnerWithinWindow(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	existing, err := db.CreateRun(ctx, "HEAD..abc")
	require.NoError(t, err)

	now := existing.CreatedAt.Add(time.Second)
	sp := &fakeSpawner{pid: 1}
	r := New(db, sp, Options{Alive: neverAlive, Now: func() time.Time { return now }})

	id, err := r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, id, "a run mid-launch by another hook is joined")

	now = existing.CreatedAt.Add(time.Minute)
	id, err = r.Launch(ctx, "HEAD..abc")
	require.NoError(t, err)
	assert.NotEqual(t, existing.ID, id, "a stale ownerless run is not joined")
}

func TestLaunch_SpawnFailureAbortsRun(t *testing.T) {
	db := openStore(t)
	sp := &fakeSpawner{err: errors.New("fork failed")}
	r := New(db, sp, Options{})

	_, err := r.Launch(context.Background(), "HEAD..abc")
	require.Error(t, err)
	assert.ErrorContains(t, err, "fork failed")

	latest, err := db.GetLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.RunAborted, latest.Status)
	assert.Contains(t, latest.Reason, "launch failed")
}

func TestCanceller(t *testing.T) {
	ctx := context.Background()

	t.Run("signals live worker", func(t *testing.T) {
		db := openStore(t)
		run, err := db.CreateRun(ctx, "HEAD..abc")
		require.NoError(t, err)
		require.NoError(t, db.MarkRunning(ctx, run.ID, 777))

		var signalled int
		c := &Canceller{Store: db, Alive: alwaysAlive, Signal: func(pid int) error { signalled = pid; return nil }}
		ok, err := c.Cancel(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 777, signalled)

		got, _ := db.GetRun(ctx, run.ID)
		assert.Equal(t, models.RunRunning, got.Status, "the worker finalizes its own run")
	})

	t.Run("aborts run without worker", func(t *testing.T) {
		db := openStore(t)
		eventsDir := t.TempDir()
		run, err := db.CreateRun(ctx, "HEAD..abc")
		require.NoError(t, err)

		c := &Canceller{Store: db, EventsDir: eventsDir, Alive: neverAlive}
		ok, err := c.Cancel(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, _ := db.GetRun(ctx, run.ID)
		assert.Equal(t, models.RunAborted, got.Status)
		assert.Equal(t, "cancelled", got.Reason)

		evs, err := events.ReadAll(eventsDir, run.ID)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, models.EventFinished, evs[0].Type)
	})

	t.Run("kills tools left by a dead worker", func(t *testing.T) {
		db := openStore(t)
		eventsDir := t.TempDir()
		run, err := db.CreateRun(ctx, "HEAD..abc")
		require.NoError(t, err)
		require.NoError(t, db.MarkRunning(ctx, run.ID, 900))
		for _, e := range []models.Event{
			{ToolName: "vet", Type: models.EventProgress, Payload: models.EventPayload{PID: 901}},
			{ToolName: "lint", Type: models.EventProgress, Payload: models.EventPayload{PID: 902}},
			{ToolName: "vet", Type: models.EventFinished, Payload: models.EventPayload{Status: "passed"}},
		} {
			require.NoError(t, events.AppendOnce(eventsDir, run.ID, e))
		}

		type call struct{ pgid, sid int }
		var calls []call
		c := &Canceller{
			Store:     db,
			EventsDir: eventsDir,
			Alive:     neverAlive,
			KillGroup: func(pgid, sid int) (bool, error) {
				calls = append(calls, call{pgid, sid})
				return true, nil
			},
		}
		ok, err := c.Cancel(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []call{{902, 900}}, calls, "only the unfinished tool is killed")

		got, _ := db.GetRun(ctx, run.ID)
		assert.Equal(t, models.RunAborted, got.Status)
	})

	t.Run("finished run", func(t *testing.T) {
		db := openStore(t)
		run, _ := db.CreateRun(ctx, "HEAD..abc")
		require.NoError(t, db.Transition(ctx, run.ID, models.RunAborted, "x"))

		_, err := (&Canceller{Store: db}).Cancel(ctx, run.ID)
		assert.ErrorIs(t, err, ErrRunFinished)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := (&Canceller{Store: openStore(t)}).Cancel(ctx, "nope")
		assert.ErrorIs(t, err, state.ErrUnknownRun)
	})
}
