package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// PruneOptions selects the retention window. A run is deleted when it is
// terminal and falls outside either bound that is set.
type PruneOptions struct {
	// OlderThan deletes terminal runs created more than this long ago (0 = no age bound).
	OlderThan time.Duration
	// KeepLast keeps the N most recent terminal runs (0 = no count bound).
	KeepLast int
}

// Prune deletes terminal runs outside the retention window and returns their ids.
// Pending and running runs are never deleted, and neither is the run the
// latest pointer refers to.
func (db *DB) Prune(ctx context.Context, opts PruneOptions) ([]string, error) {
	if opts.OlderThan <= 0 && opts.KeepLast <= 0 {
		return nil, nil
	}
	cutoff := db.clock().Add(-opts.OlderThan)

	var deleted []string
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		var latestID string
		err := tx.QueryRowContext(ctx, `SELECT run_id FROM latest_pointer WHERE slot = 1`).Scan(&latestID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read latest pointer: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, created_at FROM runs WHERE status IN (?, ?, ?) ORDER BY id DESC
		`, string(models.RunPassed), string(models.RunFailed), string(models.RunAborted))
		if err != nil {
			return fmt.Errorf("list terminal runs: %w", err)
		}

		var candidates []string
		rank := 0
		for rows.Next() {
			var id, createdAt string
			if err := rows.Scan(&id, &createdAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan run: %w", err)
			}
			rank++
			if id == latestID {
				continue
			}
			expired := false
			if opts.KeepLast > 0 && rank > opts.KeepLast {
				expired = true
			}
			if opts.OlderThan > 0 {
				if created, err := parseTime(createdAt); err == nil && created.Before(cutoff) {
					expired = true
				}
			}
			if expired {
				candidates = append(candidates, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(candidates) == 0 {
			return nil
		}

		placeholders := make([]string, len(candidates))
		args := make([]any, 0, len(candidates)+3)
		for i, id := range candidates {
			placeholders[i] = "?"
			args = append(args, id)
		}
		args = append(args, string(models.RunPassed), string(models.RunFailed), string(models.RunAborted))

		// The status guard stays in the DELETE so a row can never be removed unless terminal.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM runs WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND status IN (?, ?, ?)
		`, args...); err != nil {
			return fmt.Errorf("delete runs: %w", err)
		}
		deleted = candidates
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prune runs: %w", err)
	}
	return deleted, nil
}
