// Package state provides SQLite-based persistence for vigil runs.
// The run store lives in the repository's store directory (.vigil/state.db)
// and is shared by the hook process, detached workers and viewers.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"
)

// busyTimeoutMillis bounds how long a writer waits for another process's lock.
const busyTimeoutMillis = 5000

// DB wraps an SQLite database connection with run store operations.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
	now  func() time.Time
}

// DBPath returns the path to the run store inside a store directory.
func DBPath(storeDir string) string {
	return filepath.Join(storeDir, "state.db")
}

// Open opens the run store at the given path with the default driver.
func Open(path string) (*DB, error) {
	return OpenWithDriver(path, DriverModernc)
}

// OpenWithDriver opens an SQLite database at the given path using the named driver.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads, and every transaction takes the
// write lock up front so concurrent processes serialize instead of deadlocking.
func OpenWithDriver(path, driver string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn, err := buildDSN(path, driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY inside the process.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{
		conn: conn,
		now:  time.Now,
	}, nil
}

// buildDSN returns a driver-specific connection string carrying the
// per-connection settings both drivers need.
func buildDSN(path, driver string) (string, error) {
	switch driver {
	case DriverModernc:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
			path, busyTimeoutMillis), nil
	case DriverMattn:
		return fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate",
			path, busyTimeoutMillis), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// applyPragmas sets database-wide configuration.
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		// FULL makes every committed transaction durable before the call returns.
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

// OpenStore opens and migrates the run store in storeDir.
func OpenStore(storeDir, driver string) (*DB, error) {
	if driver == "" {
		driver = DriverModernc
	}
	db, err := OpenWithDriver(DBPath(storeDir), driver)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// SetClock replaces the time source used for timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

func (db *DB) clock() time.Time {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.now()
}

// Migrate applies all pending schema migrations.
// Each migration checks the recorded version inside its own transaction,
// so two processes migrating at once apply every step exactly once.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
		{2, migrationV2ToolResults},
		{3, migrationV3LatestPointer},
	}

	for _, m := range migrations {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		var currentVersion int
		if err := tx.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion); err != nil {
			tx.Rollback()
			return fmt.Errorf("get schema version: %w", err)
		}
		if m.version <= currentVersion {
			tx.Rollback()
			continue
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	changeset_ref TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	owner_pid INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_changeset_ref ON runs(changeset_ref);
`

const migrationV2ToolResults = `
CREATE TABLE IF NOT EXISTS tool_results (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	tool_name TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	warning_count INTEGER NOT NULL DEFAULT 0,
	output_excerpt TEXT NOT NULL DEFAULT '',
	required INTEGER NOT NULL DEFAULT 0,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (run_id, tool_name)
);
`

const migrationV3LatestPointer = `
CREATE TABLE IF NOT EXISTS latest_pointer (
	slot INTEGER PRIMARY KEY CHECK (slot = 1),
	run_id TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Query executes a query that returns rows.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Transaction runs the given function within a transaction.
// A returned error rolls back every statement the function issued.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
