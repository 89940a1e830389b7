package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/registry"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// fakeStore records what the executor writes.
type fakeStore struct {
	mu         sync.Mutex
	results    map[string]models.ToolResult
	final      models.RunStatus
	reason     string
	recordErr  error
	transition int
}

func newFakeStore() *fakeStore {
	return &fakeStore{results: make(map[string]models.ToolResult)}
}

func (s *fakeStore) RecordToolResult(ctx context.Context, runID string, r models.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.recordErr != nil {
		return s.recordErr
	}
	if _, dup := s.results[r.ToolName]; dup {
		return errors.New("duplicate result")
	}
	s.results[r.ToolName] = r
	return nil
}

func (s *fakeStore) Transition(ctx context.Context, runID string, next models.RunStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = next
	s.reason = reason
	s.transition++
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeEvents) Append(e models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ToolName == "" {
		e.ToolName = models.OverallTool
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEvents) progress() []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, e := range f.events {
		if e.Type == models.EventProgress {
			out = append(out, e)
		}
	}
	return out
}

// fakeProcs dispatches on argv[0].
type fakeProcs struct {
	behaviors map[string]func(ctx context.Context, c exec.Command) (exec.Result, error)
	calls     atomic.Int32
}

func (p *fakeProcs) Run(ctx context.Context, c exec.Command) (exec.Result, error) {
	p.calls.Add(1)
	if fn, ok := p.behaviors[c.Argv[0]]; ok {
		return fn(ctx, c)
	}
	return exec.Result{}, nil
}

func exitWith(code int) func(context.Context, exec.Command) (exec.Result, error) {
	return func(context.Context, exec.Command) (exec.Result, error) {
		return exec.Result{ExitCode: code, Duration: time.Millisecond}, nil
	}
}

// blockUntilDone simulates a process killed by cancellation.
func blockUntilDone(started chan<- struct{}) func(context.Context, exec.Command) (exec.Result, error) {
	return func(ctx context.Context, _ exec.Command) (exec.Result, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return exec.Result{ExitCode: -1, Canceled: true}, nil
	}
}

func boolPtr(b bool) *bool { return &b }

func buildRegistry(t *testing.T, tools map[string]config.ToolConfig) *registry.Registry {
	t.Helper()
	reg, err := registry.New(tools, time.Minute)
	require.NoError(t, err)
	return reg
}

func TestExecute_TimeoutDoesNotAffectSiblings(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"slow": {Command: "slow"},
		"fast": {Command: "fast"},
	})
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"slow": func(context.Context, exec.Command) (exec.Result, error) {
			return exec.Result{ExitCode: -1, TimedOut: true, Duration: 10 * time.Millisecond}, nil
		},
	}}
	store := newFakeStore()

	status, err := New(store, reg, procs, &fakeEvents{}, Options{Workers: 2}).Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, status)
	assert.Equal(t, models.ToolTimeout, store.results["slow"].Status)
	assert.Equal(t, models.ToolPassed, store.results["fast"].Status)
	assert.Equal(t, 1, store.transition)
}

func TestExecute_OptionalFailureStillPasses(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"vet":   {Command: "vet"},
		"spell": {Command: "spell", Required: boolPtr(false)},
	})
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"spell": exitWith(1),
	}}
	store := newFakeStore()

	status, err := New(store, reg, procs, &fakeEvents{}, Options{}).Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, models.RunPassed, status)
	assert.Equal(t, models.ToolFailed, store.results["spell"].Status)
	assert.False(t, store.results["spell"].Required)
}

func TestExecute_RequiredFailureFailsRun(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"vet": {Command: "vet"},
	})
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"vet": exitWith(1),
	}}
	store := newFakeStore()

	status, err := New(store, reg, procs, &fakeEvents{}, Options{}).Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, status)
	assert.Equal(t, models.RunFailed, store.final)
}

func TestExecute_CancellationSkipsAndAborts(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"a": {Command: "block"},
		"b": {Command: "block"},
		"c": {Command: "block"},
	})
	started := make(chan struct{}, 3)
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"block": blockUntilDone(started),
	}}
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan models.RunStatus, 1)
	go func() {
		status, _ := New(store, reg, procs, &fakeEvents{}, Options{Workers: 1}).Execute(ctx, Request{RunID: "r1"})
		done <- status
	}()

	<-started
	cancel()

	select {
	case status := <-done:
		assert.Equal(t, models.RunAborted, status)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}

	assert.Equal(t, ReasonCancelled, store.reason)
	require.Len(t, store.results, 3, "every tool gets exactly one result")
	for name, r := range store.results {
		assert.Equal(t, models.ToolSkipped, r.Status, name)
	}
	assert.EqualValues(t, 1, procs.calls.Load(), "queued tools must not start after cancellation")
}

func TestExecute_RunTimeout(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"hang": {Command: "hang"},
	})
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"hang": blockUntilDone(nil),
	}}
	store := newFakeStore()

	status, err := New(store, reg, procs, &fakeEvents{}, Options{RunTimeout: 50 * time.Millisecond}).
		Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunAborted, status)
	assert.Equal(t, ReasonRunTimeout, store.reason)
}

func TestExecute_InfrastructureFailureAborts(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"vet": {Command: "vet"},
	})
	store := newFakeStore()
	store.recordErr = errors.New("disk full")
	evs := &fakeEvents{}

	status, err := New(store, reg, &fakeProcs{}, evs, Options{}).Execute(context.Background(), Request{RunID: "r1"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, models.RunAborted, status)
	assert.Equal(t, models.RunAborted, store.final)
	assert.Contains(t, store.reason, "disk full")

	last := evs.events[len(evs.events)-1]
	assert.True(t, last.IsOverall())
	assert.Equal(t, models.EventFinished, last.Type)
	assert.Equal(t, string(models.RunAborted), last.Payload.Status)
}

func TestExecute_BackpressureCompletesAll(t *testing.T) {
	tools := map[string]config.ToolConfig{}
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		tools[name] = config.ToolConfig{Command: name}
	}
	reg := buildRegistry(t, tools)
	store := newFakeStore()

	status, err := New(store, reg, &fakeProcs{}, &fakeEvents{}, Options{Workers: 1, QueueDepth: 1}).
		Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunPassed, status)
	assert.Len(t, store.results, 6)
}

func TestExecute_ClassLimit(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"h1": {Command: "heavy", ConcurrencyClass: "heavy"},
		"h2": {Command: "heavy", ConcurrencyClass: "heavy"},
		"h3": {Command: "heavy", ConcurrencyClass: "heavy"},
	})
	var running, peak atomic.Int32
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"heavy": func(context.Context, exec.Command) (exec.Result, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return exec.Result{}, nil
		},
	}}
	evs := &fakeEvents{}

	status, err := New(newFakeStore(), reg, procs, evs, Options{Workers: 3, ClassLimits: map[string]int{"heavy": 1}}).
		Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunPassed, status)
	assert.EqualValues(t, 1, peak.Load())
	assert.NotEmpty(t, evs.progress(), "waiting tools should report progress")
}

func TestExecute_PanicBecomesError(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"boom": {Command: "boom"},
		"ok":   {Command: "ok"},
	})
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"boom": func(context.Context, exec.Command) (exec.Result, error) { panic("kaboom") },
	}}
	store := newFakeStore()

	status, err := New(store, reg, procs, &fakeEvents{}, Options{}).Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, status)
	assert.Equal(t, models.ToolError, store.results["boom"].Status)
	assert.Contains(t, store.results["boom"].OutputExcerpt, "kaboom")
	assert.Equal(t, models.ToolPassed, store.results["ok"].Status)
}

func TestExecute_PatternsWithoutMatches(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"gofmt": {Command: "gofmt -l {files}", Patterns: []string{"*.go"}},
	})
	procs := &fakeProcs{}
	store := newFakeStore()

	status, err := New(store, reg, procs, &fakeEvents{}, Options{}).
		Execute(context.Background(), Request{RunID: "r1", Files: []string{"README.md"}})
	require.NoError(t, err)
	assert.Equal(t, models.RunPassed, status)
	assert.Equal(t, NoMatchingFiles, store.results["gofmt"].OutputExcerpt)
	assert.Zero(t, procs.calls.Load())
}

func TestExecute_ExpandsCommand(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"gofmt": {Command: "gofmt -l {files}", Patterns: []string{"*.go"}},
	})
	var got exec.Command
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"gofmt": func(_ context.Context, c exec.Command) (exec.Result, error) {
			got = c
			return exec.Result{}, nil
		},
	}}

	_, err := New(newFakeStore(), reg, procs, &fakeEvents{}, Options{Dir: "/repo"}).
		Execute(context.Background(), Request{RunID: "r1", Changeset: "HEAD..abc", Files: []string{"a.go", "b.txt", "pkg/c.go"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"gofmt", "-l", "a.go", "pkg/c.go"}, got.Argv)
	assert.Equal(t, "/repo", got.Dir)
	assert.Contains(t, got.Env, "VIGIL_RUN_ID=r1")
	assert.Contains(t, got.Env, "VIGIL_CHANGESET=HEAD..abc")
	assert.Equal(t, time.Minute, got.Timeout)
}

func TestExecute_StartFailureIsError(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"missing": {Command: "missing"},
	})
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"missing": func(context.Context, exec.Command) (exec.Result, error) {
			return exec.Result{}, errors.New("executable file not found")
		},
	}}
	store := newFakeStore()

	status, err := New(store, reg, procs, &fakeEvents{}, Options{}).Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, status)
	assert.Equal(t, models.ToolError, store.results["missing"].Status)
}

func TestExecute_EmitsOverallEvents(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{
		"vet": {Command: "vet"},
		"off": {Command: "off", Enabled: boolPtr(false)},
	})
	evs := &fakeEvents{}

	_, err := New(newFakeStore(), reg, &fakeProcs{}, evs, Options{}).Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)

	require.NotEmpty(t, evs.events)
	first, last := evs.events[0], evs.events[len(evs.events)-1]
	assert.True(t, first.IsOverall())
	assert.Equal(t, models.EventStarted, first.Type)
	assert.Equal(t, []string{"vet"}, first.Payload.Tools)
	assert.True(t, last.IsOverall())
	assert.Equal(t, models.EventFinished, last.Type)
	assert.Equal(t, string(models.RunPassed), last.Payload.Status)
}

func TestExecute_RecordsToolProcessGroup(t *testing.T) {
	reg := buildRegistry(t, map[string]config.ToolConfig{"vet": {Command: "vet"}})
	procs := &fakeProcs{behaviors: map[string]func(context.Context, exec.Command) (exec.Result, error){
		"vet": func(_ context.Context, c exec.Command) (exec.Result, error) {
			require.NotNil(t, c.Started)
			c.Started(4242)
			return exec.Result{}, nil
		},
	}}
	evs := &fakeEvents{}

	_, err := New(newFakeStore(), reg, procs, evs, Options{}).Execute(context.Background(), Request{RunID: "r1"})
	require.NoError(t, err)

	progress := evs.progress()
	require.Len(t, progress, 1)
	assert.Equal(t, "vet", progress[0].ToolName)
	assert.Equal(t, 4242, progress[0].Payload.PID)
}
