// Package events implements the per-run event log: one append-only JSONL
// file per run, a "latest" alias for viewers, and a tailing reader.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// Dir returns the event log directory inside a store directory.
func Dir(storeDir string) string {
	return filepath.Join(storeDir, "events")
}

// LogPath returns the log file of a run.
func LogPath(dir, runID string) string {
	return filepath.Join(dir, runID+".jsonl")
}

// Appender is the only mutator of an event log.
type Appender interface {
	Append(e models.Event) error
}

// Writer appends events for one run. It is safe for concurrent use by the
// goroutines of a single process; readers in other processes see complete lines.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	runID string
	seq   int64
	now   func() time.Time
}

// OpenWriter opens (creating if needed) the log of runID for appending.
// Sequence numbers continue after any events already in the file.
func OpenWriter(dir, runID string) (*Writer, error) {
	if runID == "" {
		return nil, errors.New("open event log: empty run id")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}

	path := LogPath(dir, runID)
	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Writer{f: f, runID: runID, seq: seq, now: time.Now}, nil
}

// lastSeq returns the highest sequence number in an existing log.
func lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read event log: %w", err)
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var e models.Event
		if json.Unmarshal(scanner.Bytes(), &e) == nil && e.Seq > last {
			last = e.Seq
		}
	}
	return last, scanner.Err()
}

// Append writes one event as a single line and syncs it to disk.
// RunID, Seq and a zero Timestamp are filled in by the writer.
func (w *Writer) Append(e models.Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("append event: invalid type %q", e.Type)
	}
	if e.ToolName == "" {
		e.ToolName = models.OverallTool
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return errors.New("append event: writer closed")
	}

	w.seq++
	e.RunID = w.runID
	e.Seq = w.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		w.seq--
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.f.Write(line); err != nil {
		w.seq--
		return fmt.Errorf("write event: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

// Close closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// AppendOnce opens the log of runID, appends one event and closes it.
// Used by processes that do not own the run, such as the reaper.
func AppendOnce(dir, runID string, e models.Event) error {
	w, err := OpenWriter(dir, runID)
	if err != nil {
		return err
	}
	if err := w.Append(e); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadAll returns every complete event in a run's log.
func ReadAll(dir, runID string) ([]models.Event, error) {
	r, err := NewReader(LogPath(dir, runID))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Next()
}

// UnfinishedToolPIDs returns the process groups recorded for tool
// invocations of runID that never logged a finished event, in ascending
// order. A missing log yields none.
func UnfinishedToolPIDs(dir, runID string) ([]int, error) {
	evs, err := ReadAll(dir, runID)
	if err != nil {
		return nil, err
	}
	open := make(map[string]int)
	for _, e := range evs {
		if e.IsOverall() {
			continue
		}
		switch {
		case e.Type == models.EventFinished:
			delete(open, e.ToolName)
		case e.Payload.PID > 0:
			open[e.ToolName] = e.Payload.PID
		}
	}
	pids := make([]int, 0, len(open))
	for _, pid := range open {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// RemoveRunLog deletes the log of a pruned run. A missing log is not an error.
func RemoveRunLog(dir, runID string) error {
	if err := os.Remove(LogPath(dir, runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove event log: %w", err)
	}
	return nil
}

// Verify Writer implements Appender at compile time.
var _ Appender = (*Writer)(nil)
