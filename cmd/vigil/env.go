package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/git"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/internal/reaper"
	"github.com/ShayCichocki/vigil/internal/state"
)

// appEnv is everything a command needs to operate on one repository.
type appEnv struct {
	root      string
	cfg       *config.Config
	storeDir  string
	eventsDir string
	store     *state.DB
	git       *git.ExecRunner
	log       *logging.Logger
}

// workDir returns the directory vigil was asked to operate in.
func workDir() (string, error) {
	if repoDir != "" {
		return filepath.Abs(repoDir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// loadConfig resolves the repository root and merged configuration.
func loadConfig(ctx context.Context) (root string, cfg *config.Config, g *git.ExecRunner, err error) {
	dir, err := workDir()
	if err != nil {
		return "", nil, nil, err
	}
	root, err = git.NewRunner(dir).TopLevel(ctx)
	if err != nil {
		return "", nil, nil, fmt.Errorf("not inside a git repository: %w", err)
	}
	cfg, err = config.LoadFrom(dir)
	if err != nil {
		return "", nil, nil, err
	}
	return root, cfg, git.NewRunner(root), nil
}

// openEnv loads configuration and opens the run store. logName selects
// the log file inside the store; empty uses the main log.
func openEnv(ctx context.Context, logName string) (*appEnv, error) {
	root, cfg, g, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	storeDir := cfg.StoreDir(root)
	if err := ensureStoreDir(storeDir); err != nil {
		return nil, err
	}
	store, err := state.OpenStore(storeDir, cfg.Store.Driver)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	if logName == "" {
		logName = logging.MainLog
	}
	return &appEnv{
		root:      root,
		cfg:       cfg,
		storeDir:  storeDir,
		eventsDir: events.Dir(storeDir),
		store:     store,
		git:       g,
		log:       logging.ForStore(storeDir, logName, cfg.Logging.Level, cfg.Logging.Format),
	}, nil
}

// ensureStoreDir creates the store and keeps it out of version control.
func ensureStoreDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0644); err != nil {
			return fmt.Errorf("write store .gitignore: %w", err)
		}
	}
	return nil
}

func (e *appEnv) newReaper() *reaper.Reaper {
	return reaper.New(e.store, reaper.Options{
		GracePeriod: e.cfg.Reaper.GracePeriod,
		Retention:   state.PruneOptions{OlderThan: e.cfg.Retention.MaxAge, KeepLast: e.cfg.Retention.KeepLast},
		EventsDir:   e.eventsDir,
		LogDir:      logging.Dir(e.storeDir),
		Logger:      e.log.Logger,
	})
}

// resolveRunID returns id, or the latest run when id is empty.
func (e *appEnv) resolveRunID(ctx context.Context, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if alias, err := events.ReadLatest(e.eventsDir); err == nil && alias != "" {
		return alias, nil
	}
	latest, err := e.store.GetLatest(ctx)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", errors.New("no runs yet; commit something first")
	}
	return latest.ID, nil
}

func (e *appEnv) Close() {
	e.store.Close()
	e.log.Close()
}
