// Package history keeps a durable ledger of every finished dispatch in
// SQLite, one row per completed attempt sequence.
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

// ErrNotFound reports an unknown job id.
var ErrNotFound = errors.New("job not found")

// Status is the terminal outcome of one dispatch.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Entry is one execution-history row.
type Entry struct {
	ID          string
	SessionID   string
	Model       string
	Status      Status
	Attempts    int
	ExitCode    *int
	Error       *string
	DurationMs  int64
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Ledger records and queries execution history.
type Ledger struct {
	db *sql.DB
}

// Open opens (and creates if needed) the history database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("history db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS execution_history (
  id           TEXT PRIMARY KEY,
  session_id   TEXT NOT NULL,
  model        TEXT,
  status       TEXT NOT NULL,
  attempts     INTEGER NOT NULL,
  exit_code    INTEGER,
  error        TEXT,
  duration_ms  INTEGER NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS execution_history_created_at_idx ON execution_history(created_at);`,
		`CREATE INDEX IF NOT EXISTS execution_history_session_idx ON execution_history(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history db: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// Record inserts one finished dispatch.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if e.SessionID == "" {
		return fmt.Errorf("entry session id is empty")
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO execution_history(
  id, session_id, model, status, attempts, exit_code, error, duration_ms, created_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.SessionID, e.Model, e.Status, e.Attempts, e.ExitCode, e.Error, e.DurationMs,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record history entry: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, session_id, model, status, attempts, exit_code, error, duration_ms, created_at, completed_at
FROM execution_history
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// GetByID returns the entry with the given id.
func (l *Ledger) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, session_id, model, status, attempts, exit_code, error, duration_ms, created_at, completed_at
FROM execution_history
WHERE id = ?;
`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e          Entry
		model      sql.NullString
		exitCode   sql.NullInt64
		errText    sql.NullString
		statusS    string
		createdS   string
		completedS string
	)
	err := row.Scan(&e.ID, &e.SessionID, &model, &statusS, &e.Attempts, &exitCode, &errText,
		&e.DurationMs, &createdS, &completedS)
	if err != nil {
		return Entry{}, err
	}

	e.Status = Status(statusS)
	if model.Valid {
		e.Model = model.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if errText.Valid {
		e.Error = &errText.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, completedS); err == nil {
		e.CompletedAt = t
	}
	return e, nil
}
