package history

import (
	"database/sql"
	"errors"
	"fmt"
)

// migration represents a single schema change.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema: task_summaries",
		SQL:         migration001SQL,
	},
}

const migration001SQL = `
CREATE TABLE task_summaries (
    task_id          TEXT PRIMARY KEY,
    provider         TEXT NOT NULL,
    model            TEXT NOT NULL DEFAULT '',
    phase            TEXT NOT NULL,
    final_status     TEXT NOT NULL,
    final_outcome    TEXT NOT NULL,
    awaiting_confirm INTEGER NOT NULL DEFAULT 0,
    rounds           INTEGER NOT NULL DEFAULT 0,
    must_fix         TEXT NOT NULL DEFAULT '[]',
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);

CREATE INDEX idx_task_summaries_updated ON task_summaries(updated_at DESC);
CREATE INDEX idx_task_summaries_outcome ON task_summaries(final_outcome);
`

// migrate runs all pending migrations inside transactions.
func migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	currentVersion, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		currentVersion = m.Version
	}

	return nil
}

// currentVersion returns the current schema version (0 if no migrations
// applied).
func currentVersion(db *sql.DB) (int, error) {
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema_version: %w", err)
	}
	return version, nil
}
