package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// latestName is the alias file pointing viewers at the most recent run.
const latestName = "latest.json"

// latestAlias is the JSON structure written to latest.json.
// Path is the base name of the run's log inside the event directory.
type latestAlias struct {
	RunID     string    `json:"run_id"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

// syncDirFunc fsyncs a directory after an atomic rename.
// It is a var so tests can observe that the directory was synced.
var syncDirFunc = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// WriteLatest points the latest alias at runID.
func WriteLatest(dir, runID string) error {
	data, err := json.Marshal(latestAlias{
		RunID:     runID,
		Path:      filepath.Base(LogPath(dir, runID)),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode latest alias: %w", err)
	}
	return writeFileAtomic(dir, filepath.Join(dir, latestName), data)
}

// ReadLatest returns the run id the latest alias points at, or "" if none exists.
func ReadLatest(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, latestName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read latest alias: %w", err)
	}
	var alias latestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return "", fmt.Errorf("decode latest alias: %w", err)
	}
	if alias.RunID == "" {
		return "", errors.New("latest alias has no run id")
	}
	return alias.RunID, nil
}

// writeFileAtomic writes data to a temporary file in dir, fsyncs it,
// renames it over dstPath and fsyncs the directory.
func writeFileAtomic(dir, dstPath string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDirFunc(dir)
}
