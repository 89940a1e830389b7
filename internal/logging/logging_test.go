package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_WritesJSONToFile(t *testing.T) {
	store := t.TempDir()
	l, err := New(Path(store, "run-1"), "info", "json")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Debug("hidden")
	l.Info("tool finished", "run_id", "run-1", "tool", "vet")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(Path(store, "run-1"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug filtered): %q", len(lines), data)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if rec["tool"] != "vet" || rec["run_id"] != "run-1" || rec["pid"] == nil {
		t.Errorf("record = %v", rec)
	}
}

func TestForStore_FallsBackToNop(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "file")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	// A regular file where the store directory should be.
	l := ForStore(f.Name(), MainLog, "info", "text")
	l.Info("discarded")
	if err := l.Close(); err != nil {
		t.Errorf("Close on nop logger = %v", err)
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("", "loud", "text"); err == nil {
		t.Error("expected error for invalid level")
	}
}
