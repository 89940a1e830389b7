package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// maxLineBytes bounds a single event line.
const maxLineBytes = 1 << 20

// DefaultPollInterval is the fallback polling period of Tail.
const DefaultPollInterval = 500 * time.Millisecond

// Reader reads a growing log incrementally. Each call to Next returns
// the events appended since the previous call; a trailing partial line
// is held back until it is completed.
type Reader struct {
	path    string
	f       *os.File
	partial []byte
	buf     []byte
}

// NewReader creates a reader for a log that may not exist yet.
func NewReader(path string) (*Reader, error) {
	r := &Reader{path: path, buf: make([]byte, 32*1024)}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	if r.f != nil {
		return nil
	}
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	r.f = f
	return nil
}

// Next returns the complete events that appeared since the last call.
// Lines that do not decode are skipped.
func (r *Reader) Next() ([]models.Event, error) {
	if err := r.open(); err != nil {
		return nil, err
	}
	if r.f == nil {
		return nil, nil
	}

	var events []models.Event
	for {
		n, err := r.f.Read(r.buf)
		if n > 0 {
			r.partial = append(r.partial, r.buf[:n]...)
			events = append(events, r.drainLines()...)
		}
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("read event log: %w", err)
		}
	}
}

func (r *Reader) drainLines() []models.Event {
	var events []models.Event
	for {
		i := bytes.IndexByte(r.partial, '\n')
		if i < 0 {
			if len(r.partial) > maxLineBytes {
				// An oversized line can never be decoded; drop it.
				r.partial = r.partial[:0]
			}
			return events
		}
		line := r.partial[:i]
		var e models.Event
		if len(bytes.TrimSpace(line)) > 0 && json.Unmarshal(line, &e) == nil {
			events = append(events, e)
		}
		r.partial = r.partial[i+1:]
	}
}

// Close releases the file handle.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Tail delivers every event of the log at path to fn, then waits for new
// ones until fn returns false or ctx is done. It reacts to filesystem
// notifications when available and always polls as a fallback.
func Tail(ctx context.Context, path string, poll time.Duration, fn func(models.Event) bool) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	r, err := NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var notify <-chan fsnotify.Event
	var notifyErrs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		// Watch the directory so creation of the log is observed too.
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			notify = watcher.Events
			notifyErrs = watcher.Errors
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	drain := func() (bool, error) {
		evs, err := r.Next()
		for _, e := range evs {
			if !fn(e) {
				return false, nil
			}
		}
		return true, err
	}

	for {
		more, err := drain()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case _, ok := <-notifyErrs:
			if !ok {
				notifyErrs = nil
			}
		}
	}
}
