package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// Session records one orchestrator run, from process start until a clean
// shutdown records EndedAt.
type Session struct {
	SessionID string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// CreateSession records the start of a new orchestrator run.
func CreateSession(db *sql.DB, sessionID string, startedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at) VALUES (?, ?)`,
		sessionID, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// EndSession marks sessionID as cleanly shut down.
func EndSession(db *sql.DB, sessionID string, endedAt time.Time) error {
	_, err := db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		endedAt.UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}
