// Package history keeps a durable record of finished tasks in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown task ID.
var ErrNotFound = errors.New("history record not found")

// Record is the final state of one task.
type Record struct {
	TaskID       string
	Name         string
	Kind         string
	Agent        string
	Status       string // "completed", "failed" or "cancelled"
	Result       string
	Error        string
	Attempts     int
	Duration     time.Duration
	Dependencies []string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status string
	Agent  string
	Limit  int
}

// Store persists task records.
type Store interface {
	Record(ctx context.Context, rec Record) error
	Get(ctx context.Context, taskID string) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at dbPath, creating parent
// directories as needed. The database runs in WAL mode with a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for tests. Each call gets its
// own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// A single connection keeps the in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

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
