// Package history keeps a queryable SQLite index of finished task
// summaries. The task directories remain the source of truth; this
// index only serves the status command and never blocks a run.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crewline/crewline/internal/taskstore"
)

// DB wraps the SQLite connection and path.
type DB struct {
	sql  *sql.DB
	path string
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "crewline", "crewline.db")
}

// Open opens or creates the database, applies pragmas, and runs
// migrations.
func Open(dbPath string) (*DB, error) {
	if dbPath == "" {
		dbPath = DefaultPath()
	}

	resolved := expandPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := applyPragmas(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &DB{sql: sqlDB, path: resolved}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Record upserts one finished task summary into the index.
func (d *DB) Record(s *taskstore.Summary) error {
	if s == nil {
		return errors.New("nil summary")
	}

	mustFix, err := json.Marshal(s.UnresolvedMustFix)
	if err != nil {
		return fmt.Errorf("marshaling must_fix: %w", err)
	}

	_, err = d.sql.Exec(`
INSERT INTO task_summaries (task_id, provider, model, phase, final_status, final_outcome,
    awaiting_confirm, rounds, must_fix, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
    provider = excluded.provider,
    model = excluded.model,
    phase = excluded.phase,
    final_status = excluded.final_status,
    final_outcome = excluded.final_outcome,
    awaiting_confirm = excluded.awaiting_confirm,
    rounds = excluded.rounds,
    must_fix = excluded.must_fix,
    updated_at = excluded.updated_at`,
		s.TaskID, s.Provider, s.Model, s.WorkflowPhase, s.FinalStatus, s.FinalOutcome,
		s.AwaitingOperatorConfirm, len(s.Rounds), string(mustFix), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("recording task %s: %w", s.TaskID, err)
	}
	return nil
}

// Entry is one indexed task row.
type Entry struct {
	TaskID          string
	Provider        string
	Model           string
	Phase           string
	FinalStatus     string
	FinalOutcome    string
	AwaitingConfirm bool
	Rounds          int
	MustFix         []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recent returns the most recently updated tasks, newest first.
func (d *DB) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := d.sql.Query(`
SELECT task_id, provider, model, phase, final_status, final_outcome,
    awaiting_confirm, rounds, must_fix, created_at, updated_at
FROM task_summaries
ORDER BY updated_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent tasks: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var mustFix string
		if err := rows.Scan(&e.TaskID, &e.Provider, &e.Model, &e.Phase, &e.FinalStatus,
			&e.FinalOutcome, &e.AwaitingConfirm, &e.Rounds, &mustFix,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		if mustFix != "" {
			_ = json.Unmarshal([]byte(mustFix), &e.MustFix)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one indexed task by ID.
func (d *DB) Get(taskID string) (*Entry, error) {
	row := d.sql.QueryRow(`
SELECT task_id, provider, model, phase, final_status, final_outcome,
    awaiting_confirm, rounds, must_fix, created_at, updated_at
FROM task_summaries WHERE task_id = ?`, taskID)

	var e Entry
	var mustFix string
	err := row.Scan(&e.TaskID, &e.Provider, &e.Model, &e.Phase, &e.FinalStatus,
		&e.FinalOutcome, &e.AwaitingConfirm, &e.Rounds, &mustFix,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", taskID, err)
	}
	if mustFix != "" {
		_ = json.Unmarshal([]byte(mustFix), &e.MustFix)
	}
	return &e, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}

	return path
}
