// Package registry persists launched-task records in SQLite so observers can
// reattach after a restart. The record carries the serialized Controller,
// the only state the protocol needs across a process boundary, plus host
// bookkeeping (status, exit code, timestamps).
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status of a registered task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Task is one launched durable task as recorded by the host layer.
type Task struct {
	ID          string
	Workspace   string
	Controller  json.RawMessage
	Capture     bool
	Status      Status
	ExitCode    *int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Store wraps the tasks table.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the SQLite database at path and ensures
// required tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `CREATE TABLE IF NOT EXISTS tasks (
  id           TEXT PRIMARY KEY,
  workspace    TEXT NOT NULL,
  controller   JSON NOT NULL,
  capture      INTEGER NOT NULL DEFAULT 0,
  status       TEXT NOT NULL,
  exit_code    INTEGER,
  created_at   TEXT NOT NULL,
  completed_at TEXT
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap tasks table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts a new task record.
func (s *Store) Put(ctx context.Context, t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if len(t.Controller) == 0 || !json.Valid(t.Controller) {
		return fmt.Errorf("task controller must be valid JSON")
	}
	status := t.Status
	if status == "" {
		status = StatusRunning
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks(id, workspace, controller, capture, status, exit_code, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, NULL, ?, NULL);
`, t.ID, t.Workspace, string(t.Controller), boolToInt(t.Capture), string(status), created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get returns the task with the given id, or nil if no such task exists.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, workspace, controller, capture, status, exit_code, created_at, completed_at
FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}
	return t, nil
}

// List returns all task records, newest first.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace, controller, capture, status, exit_code, created_at, completed_at
FROM tasks ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkCompleted records the observed exit code for a task.
func (s *Store) MarkCompleted(ctx context.Context, id string, exitCode int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?;
`, string(StatusCompleted), exitCode, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no task with id %q", id)
	}
	return nil
}

// Delete removes a task record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// CountByStatus returns task counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status;")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t           Task
		controller  string
		capture     int
		status      string
		exitCode    sql.NullInt64
		createdAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Workspace, &controller, &capture, &status, &exitCode, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	t.Controller = json.RawMessage(controller)
	t.Capture = capture != 0
	t.Status = Status(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.CreatedAt = created
	if completedAt.Valid {
		completed, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &completed
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
