package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StartRun records the beginning of a run.
func (s *SQLiteStore) StartRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	selectors, err := json.Marshal(run.Selectors)
	if err != nil {
		return fmt.Errorf("failed to encode selectors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, selectors, started_at)
		VALUES (?, ?, ?)
	`, run.ID, string(selectors), toMillis(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the exit code of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, exitCode int, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, exit_code = ? WHERE id = ?
	`, toMillis(finishedAt), exitCode, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 returns all of them.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, selectors, started_at, finished_at, exit_code
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run        Run
			selectors  string
			startedAt  int64
			finishedAt sql.NullInt64
			exitCode   sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &selectors, &startedAt, &finishedAt, &exitCode); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(selectors), &run.Selectors); err != nil {
			return nil, fmt.Errorf("failed to decode selectors of run %s: %w", run.ID, err)
		}
		run.StartedAt = fromMillis(startedAt)
		run.ExitCode = -1
		if finishedAt.Valid {
			run.FinishedAt = fromMillis(finishedAt.Int64)
		}
		if exitCode.Valid {
			run.ExitCode = int(exitCode.Int64)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
