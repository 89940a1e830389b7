package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	// ErrUnknownRun is returned when a run id does not exist.
	ErrUnknownRun = errors.New("unknown run")
	// ErrInvalidTransition is returned when a status change would move a run backwards
	// or out of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateResult is returned when a tool result is recorded twice for a run.
	ErrDuplicateResult = errors.New("duplicate tool result")
	// ErrRunFinalized is returned when a terminal run would be modified.
	ErrRunFinalized = errors.New("run is finalized")
	// ErrRunNotRunning is returned when a tool result is recorded for a run
	// that has not started.
	ErrRunNotRunning = errors.New("run is not running")
)

const runColumns = `id, changeset_ref, status, owner_pid, created_at, started_at, ended_at, reason`

// RunFilter narrows ListRuns.
type RunFilter struct {
	// Statuses restricts results to these statuses (empty = all).
	Statuses []models.RunStatus
	// ChangesetRef restricts results to one changeset (empty = all).
	ChangesetRef string
	// Limit caps the number of runs returned (0 = no limit).
	Limit int
}

// CreateRun allocates a new pending run for the changeset and points
// the latest pointer at it. Concurrent callers each get a distinct id;
// the latest pointer follows the last committed call.
func (db *DB) CreateRun(ctx context.Context, changesetRef string) (*models.Run, error) {
	run, _, err := db.CreateRunUnlessActive(ctx, changesetRef, nil)
	return run, err
}

// CreateRunUnlessActive allocates a new run like CreateRun unless a non-terminal
// run for the same changeset is reported active by isActive. The check and the
// insert happen in one transaction. When an active run exists it is returned
// with created=false and nothing is written. A nil isActive never matches.
func (db *DB) CreateRunUnlessActive(ctx context.Context, changesetRef string, isActive func(*models.Run) bool) (run *models.Run, created bool, err error) {
	if strings.TrimSpace(changesetRef) == "" {
		return nil, false, errors.New("create run: empty changeset ref")
	}

	now := db.clock().UTC()
	candidate := &models.Run{
		ID:           models.NewRunID(now),
		ChangesetRef: changesetRef,
		Status:       models.RunPending,
		CreatedAt:    now,
		ToolResults:  map[string]models.ToolResult{},
	}

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		if isActive != nil {
			existing, err := activeRunsTx(ctx, tx, changesetRef)
			if err != nil {
				return err
			}
			for i := range existing {
				if isActive(&existing[i]) {
					run = &existing[i]
					return nil
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, changeset_ref, status, owner_pid, created_at)
			VALUES (?, ?, ?, 0, ?)
		`, candidate.ID, candidate.ChangesetRef, string(candidate.Status), formatTime(candidate.CreatedAt)); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO latest_pointer (slot, run_id, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(slot) DO UPDATE SET run_id = excluded.run_id, updated_at = excluded.updated_at
		`, candidate.ID, formatTime(now)); err != nil {
			return fmt.Errorf("update latest pointer: %w", err)
		}

		run = candidate
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	return run, created, nil
}

// activeRunsTx returns the pending and running runs for a changeset.
func activeRunsTx(ctx context.Context, tx *sql.Tx, changesetRef string) ([]models.Run, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs WHERE changeset_ref = ? AND status IN (?, ?)
		ORDER BY id DESC
	`, changesetRef, string(models.RunPending), string(models.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// SetOwner records the process that owns a non-terminal run.
func (db *DB) SetOwner(ctx context.Context, runID string, pid int) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		status, err := runStatusTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return fmt.Errorf("set owner of %s: %w", runID, ErrRunFinalized)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET owner_pid = ? WHERE id = ?`, pid, runID); err != nil {
			return fmt.Errorf("set owner: %w", err)
		}
		return nil
	})
}

// MarkRunning moves a pending run to running and records its owning process.
func (db *DB) MarkRunning(ctx context.Context, runID string, pid int) error {
	now := db.clock()
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := transitionTx(ctx, tx, runID, models.RunRunning, "", now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET owner_pid = ? WHERE id = ?`, pid, runID); err != nil {
			return fmt.Errorf("set owner: %w", err)
		}
		return nil
	})
}

// Transition moves a run to a new status. Statuses only move along
// pending -> running -> {passed, failed, aborted}, and pending -> aborted;
// anything else fails with ErrInvalidTransition and leaves the stored
// status unchanged.
// The reason is kept for terminal statuses.
func (db *DB) Transition(ctx context.Context, runID string, next models.RunStatus, reason string) error {
	now := db.clock()
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		return transitionTx(ctx, tx, runID, next, reason, now)
	})
}

func transitionTx(ctx context.Context, tx *sql.Tx, runID string, next models.RunStatus, reason string, now time.Time) error {
	current, err := runStatusTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%s: %s -> %s: %w", runID, current, next, ErrInvalidTransition)
	}

	ts := formatTime(now)
	var res sql.Result
	switch {
	case next == models.RunRunning:
		res, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?
		`, string(next), ts, runID, string(current))
	case next.Terminal():
		res, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, ended_at = ?, reason = ? WHERE id = ? AND status = ?
		`, string(next), ts, reason, runID, string(current))
	default:
		res, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ? WHERE id = ? AND status = ?
		`, string(next), runID, string(current))
	}
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("%s: status changed concurrently: %w", runID, ErrInvalidTransition)
	}
	return nil
}

func runStatusTx(ctx context.Context, tx *sql.Tx, runID string) (models.RunStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", runID, ErrUnknownRun)
	}
	if err != nil {
		return "", fmt.Errorf("get run status: %w", err)
	}
	return models.RunStatus(status), nil
}

// RecordToolResult stores the result of one tool invocation. Each
// (run, tool) pair is written exactly once; a second write fails with
// ErrDuplicateResult and leaves the first result intact. Results are only
// accepted while the run is running.
func (db *DB) RecordToolResult(ctx context.Context, runID string, result models.ToolResult) error {
	if result.ToolName == "" {
		return errors.New("record tool result: empty tool name")
	}
	if !result.Status.Valid() {
		return fmt.Errorf("record tool result: invalid status %q", result.Status)
	}
	if result.RecordedAt.IsZero() {
		result.RecordedAt = db.clock()
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		status, err := runStatusTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		switch {
		case status.Terminal():
			return fmt.Errorf("record %s for %s: %w", result.ToolName, runID, ErrRunFinalized)
		case status != models.RunRunning:
			return fmt.Errorf("record %s for %s (%s): %w", result.ToolName, runID, status, ErrRunNotRunning)
		}

		var exists int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tool_results WHERE run_id = ? AND tool_name = ?
		`, runID, result.ToolName).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check tool result: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%s/%s: %w", runID, result.ToolName, ErrDuplicateResult)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_results (run_id, tool_name, status, duration_ns, error_count, warning_count,
				output_excerpt, required, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, result.ToolName, string(result.Status), int64(result.Duration), result.ErrorCount,
			result.WarningCount, result.OutputExcerpt, boolToInt(result.Required), formatTime(result.RecordedAt)); err != nil {
			return fmt.Errorf("insert tool result: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run and its tool results by id.
func (db *DB) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownRun)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if err := db.loadToolResults(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetLatest returns the run the latest pointer refers to, or nil if no run exists.
func (db *DB) GetLatest(ctx context.Context) (*models.Run, error) {
	var runID string
	err := db.QueryRow(ctx, `SELECT run_id FROM latest_pointer WHERE slot = 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest pointer: %w", err)
	}

	run, err := db.GetRun(ctx, runID)
	if errors.Is(err, ErrUnknownRun) {
		return nil, nil
	}
	return run, err
}

// ListRuns lists runs ordered by recency, newest first.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]models.Run, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ChangesetRef != "" {
		where = append(where, "changeset_ref = ?")
		args = append(args, filter.ChangesetRef)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs, err := scanRuns(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range runs {
		if err := db.loadToolResults(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListRunning returns every run whose recorded status is running.
func (db *DB) ListRunning(ctx context.Context) ([]models.Run, error) {
	return db.ListRuns(ctx, RunFilter{Statuses: []models.RunStatus{models.RunRunning}})
}

// ListToolResults returns the recorded tool results of a run, ordered by tool name.
func (db *DB) ListToolResults(ctx context.Context, runID string) ([]models.ToolResult, error) {
	rows, err := db.Query(ctx, `
		SELECT tool_name, status, duration_ns, error_count, warning_count, output_excerpt, required, recorded_at
		FROM tool_results WHERE run_id = ? ORDER BY tool_name
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tool results: %w", err)
	}
	defer rows.Close()

	var results []models.ToolResult
	for rows.Next() {
		var r models.ToolResult
		var status, recordedAt string
		var durationNS int64
		var required int
		if err := rows.Scan(&r.ToolName, &status, &durationNS, &r.ErrorCount, &r.WarningCount,
			&r.OutputExcerpt, &required, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan tool result: %w", err)
		}
		r.Status = models.ToolStatus(status)
		r.Duration = time.Duration(durationNS)
		r.Required = required != 0
		r.RecordedAt, _ = parseTime(recordedAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (db *DB) loadToolResults(ctx context.Context, run *models.Run) error {
	results, err := db.ListToolResults(ctx, run.ID)
	if err != nil {
		return err
	}
	run.ToolResults = make(map[string]models.ToolResult, len(results))
	for _, r := range results {
		run.ToolResults[r.ToolName] = r
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var status, createdAt string
	var startedAt, endedAt sql.NullString
	if err := row.Scan(&r.ID, &r.ChangesetRef, &status, &r.OwnerPID, &createdAt, &startedAt, &endedAt, &r.Reason); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.CreatedAt, _ = parseTime(createdAt)
	r.StartedAt = parseNullableTime(startedAt)
	r.EndedAt = parseNullableTime(endedAt)
	r.ToolResults = map[string]models.ToolResult{}
	return &r, nil
}

// scanRuns scans run rows into a slice.
func scanRuns(rows *sql.Rows) ([]models.Run, error) {
	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
