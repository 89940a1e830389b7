// Package logging builds the file-backed structured loggers used by every
// vigil process. Nothing is ever logged to the terminal.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MainLog is the log shared by hook, viewer and maintenance invocations.
const MainLog = "vigil"

// Dir returns the log directory inside a store directory.
func Dir(storeDir string) string {
	return filepath.Join(storeDir, "logs")
}

// Path returns the path of a named log, e.g. "vigil" or a run id.
func Path(storeDir, name string) string {
	return filepath.Join(Dir(storeDir), name+".log")
}

// Logger is a slog.Logger that owns its file.
type Logger struct {
	*slog.Logger
	mu   sync.Mutex
	file *os.File
}

// New creates a logger appending to path. An empty path discards everything.
// Creates parent directories if they don't exist.
func New(path, level, format string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return Nop(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{Logger: slog.New(newHandler(f, lvl, format)).With("pid", os.Getpid()), file: f}, nil
}

// ForStore creates the named logger in the store's log directory.
// Returns a no-op logger if the file cannot be opened.
func ForStore(storeDir, name, level, format string) *Logger {
	l, err := New(Path(storeDir, name), level, format)
	if err != nil {
		return Nop()
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// Close closes the log file. Safe to call on a no-op logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ParseLevel maps a configured level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
