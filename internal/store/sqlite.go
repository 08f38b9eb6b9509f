// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides task/event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise open its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			prompt        TEXT NOT NULL,
			client        TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			error_code    TEXT,
			error_message TEXT,
			last_seq      INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);

		CREATE TABLE IF NOT EXISTS task_events (
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (task_id, seq),
			CHECK (type IN ('thought', 'tool_call', 'tool_result', 'final', 'error'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveTask upserts a task row.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, prompt, client, status, error_code, error_message, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			last_seq = excluded.last_seq,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.Prompt,
		task.Client,
		task.Status,
		nullString(task.ErrorCode),
		nullString(task.ErrorMessage),
		task.LastSeq,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}

	s.logger.Debug("saved task", "task_id", task.ID, "status", task.Status, "last_seq", task.LastSeq)
	return nil
}

const taskColumns = `id, prompt, client, status, error_code, error_message, last_seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var errorCode, errorMessage sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Prompt, &t.Client, &t.Status, &errorCode, &errorMessage,
		&t.LastSeq, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.ErrorCode = errorCode.String
	t.ErrorMessage = errorMessage.String
	t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	t.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ListTasks returns up to limit tasks, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

// AppendEvent writes one event. The task row must already exist.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.TaskID, event.Seq, event.Type, payload, formatTime(event.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: task %s seq %d", ErrDuplicateEvent, event.TaskID, event.Seq)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("%w: task %s", ErrNotFound, event.TaskID)
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns events after afterSeq in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, type, payload, created_at
		FROM task_events
		WHERE task_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, taskID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var payload, createdAt string
		if err := rows.Scan(&e.TaskID, &e.Seq, &e.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
