// Package persistence keeps the run ledger: one row per invocation of the runner and
// one row per task outcome within it.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of the runner.
type Run struct {
	ID         string
	Selectors  []string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress or was interrupted
	ExitCode   int       // -1 until finished
}

// Finished reports whether FinishRun was recorded.
func (r Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// TaskRun is the outcome of one task within a run.
type TaskRun struct {
	RunID    string
	TaskID   string
	Name     string
	Ref      string
	Status   string // scheduler.TaskStatus.String()
	Error    string
	Duration time.Duration
}

// Store defines the run ledger.
type Store interface {
	StartRun(ctx context.Context, run Run) error
	SaveTaskRun(ctx context.Context, tr TaskRun) error
	FinishRun(ctx context.Context, runID string, exitCode int, finishedAt time.Time) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetTaskRuns(ctx context.Context, runID string) ([]TaskRun, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the ledger at dbPath, creating parent directories if needed.
// Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite takes pragmas as _pragma parameters
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for testing. Every call gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// Shared cache lets the pool's connections see one database; the name keeps stores apart
	connStr := fmt.Sprintf("file:ledger-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys are per connection; a single connection keeps the pragma in force
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// IsBusy reports whether err is SQLite refusing a write because another connection
// holds the database. Such writes can be retried.
func IsBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
