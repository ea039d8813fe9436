package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveTaskRun records or replaces the outcome of a task within a run.
func (s *SQLiteStore) SaveTaskRun(ctx context.Context, tr TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, task_id, name, ref, status, error, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			name = excluded.name,
			ref = excluded.ref,
			status = excluded.status,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			recorded_at = excluded.recorded_at
	`, tr.RunID, tr.TaskID, tr.Name, tr.Ref, tr.Status, tr.Error, tr.Duration.Milliseconds(), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save task %s of run %s: %w", tr.TaskID, tr.RunID, err)
	}
	return nil
}

// GetTaskRuns returns the task outcomes of a run in the order they were recorded.
func (s *SQLiteStore) GetTaskRuns(ctx context.Context, runID string) ([]TaskRun, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, name, ref, status, COALESCE(error, ''), duration_ms
		FROM task_runs
		WHERE run_id = ?
		ORDER BY recorded_at, rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var (
			tr TaskRun
			ms int64
		)
		if err := rows.Scan(&tr.RunID, &tr.TaskID, &tr.Name, &tr.Ref, &tr.Status, &tr.Error, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		tr.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}
	return out, nil
}
