package persistence

import (
	"database/sql"
	"fmt"
)

// schemaVersion identifies the shape createSchema produces. There is no
// migration chain: this is a fresh audit trail with no prior releases to
// carry forward, so a version mismatch means the database predates a
// breaking schema change and must be rebuilt rather than migrated.
const schemaVersion = 1

func initializeSchemaWithMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if err := createSchema(db); err != nil {
			return err
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case current != schemaVersion:
		return fmt.Errorf("database schema version %d does not match expected %d; delete the database file to rebuild it", current, schemaVersion)
	}
	return nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS subtask_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subtask_id TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subtask_events_timestamp ON subtask_events(timestamp)`,
		`CREATE TABLE IF NOT EXISTS git_commits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash TEXT NOT NULL UNIQUE,
			subject TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_git_commits_timestamp ON git_commits(timestamp)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
