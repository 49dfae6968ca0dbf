package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record saves or replaces the record of a task and its dependency list.
func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_records (id, name, kind, agent, status, result, error, attempts, duration_ns, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			agent = excluded.agent,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			duration_ns = excluded.duration_ns,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, rec.TaskID, rec.Name, rec.Kind, rec.Agent, rec.Status, rec.Result, rec.Error, rec.Attempts,
		int64(rec.Duration), unixNano(rec.CreatedAt), unixNano(rec.StartedAt), unixNano(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.TaskID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_record_dependencies WHERE task_id = ?`, rec.TaskID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for i, depID := range rec.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_record_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, rec.TaskID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", rec.TaskID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get returns the record of one task.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, agent, status, result, error, attempts, duration_ns, created_at, started_at, finished_at
		FROM task_records
		WHERE id = ?
	`, taskID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to query record: %w", err)
	}

	deps, err := s.dependencies(ctx, []string{taskID})
	if err != nil {
		return Record{}, err
	}
	rec.Dependencies = deps[taskID]
	return rec, nil
}

// List returns records, most recently finished first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, filter.Agent)
	}

	query := `SELECT id, name, kind, agent, status, result, error, attempts, duration_ns, created_at, started_at, finished_at FROM task_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	var (
		records []Record
		ids     []string
	)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
		ids = append(ids, rec.TaskID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	// Close before the dependency query; the pool holds one connection
	rows.Close()

	deps, err := s.dependencies(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Dependencies = deps[records[i].TaskID]
	}
	return records, nil
}

// dependencies loads the ordered dependency lists of the given tasks.
func (s *SQLiteStore) dependencies(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_record_dependencies
		WHERE task_id IN (`+placeholders+`)
		ORDER BY task_id, position
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		out[taskID] = append(out[taskID], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec            Record
		result, errStr sql.NullString
		duration       int64
		created        int64
		started        int64
		finished       int64
	)
	err := row.Scan(&rec.TaskID, &rec.Name, &rec.Kind, &rec.Agent, &rec.Status, &result, &errStr,
		&rec.Attempts, &duration, &created, &started, &finished)
	if err != nil {
		return Record{}, err
	}
	rec.Result = result.String
	rec.Error = errStr.String
	rec.Duration = time.Duration(duration)
	rec.CreatedAt = fromUnixNano(created)
	rec.StartedAt = fromUnixNano(started)
	rec.FinishedAt = fromUnixNano(finished)
	return rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
