package persistence

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"orchestrator/pkg/proto"
)

// DatabaseOperations performs reads and writes against the orchestrator's
// audit tables through a single connection.
type DatabaseOperations struct {
	db        *sql.DB
	sessionID string
}

// NewDatabaseOperations wraps db for sessionID. Use persistence.Ops() to get
// one backed by the process-wide singleton connection.
func NewDatabaseOperations(db *sql.DB, sessionID string) *DatabaseOperations {
	return &DatabaseOperations{db: db, sessionID: sessionID}
}

// RecordSubtaskEvent appends one ledger transition to the audit trail.
func (o *DatabaseOperations) RecordSubtaskEvent(subtaskID, role, status string, ts time.Time) error {
	_, err := o.db.Exec(
		`INSERT INTO subtask_events (subtask_id, role, status, timestamp) VALUES (?, ?, ?, ?)`,
		subtaskID, role, status, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record subtask event: %w", err)
	}
	return nil
}

// RecordCommit appends one commit to the audit trail. Duplicate hashes are
// ignored so Gateway.Commit can call this unconditionally after every push.
func (o *DatabaseOperations) RecordCommit(hash, subject string, ts time.Time) error {
	_, err := o.db.Exec(
		`INSERT OR IGNORE INTO git_commits (hash, subject, timestamp) VALUES (?, ?, ?)`,
		hash, subject, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record commit: %w", err)
	}
	return nil
}

// ProcessedOverTime buckets accepted/failed subtasks into per-hour counts
// across window, for AggregateMetrics.ProcessedOverTime.
func (o *DatabaseOperations) ProcessedOverTime(window time.Duration) ([]proto.TimePoint, error) {
	return o.bucketCounts(
		`SELECT timestamp FROM subtask_events WHERE status IN ('accepted', 'failed') AND timestamp >= ? ORDER BY timestamp`,
		window,
	)
}

// GitActivity buckets commits into per-hour counts across window, for
// AggregateMetrics.GitActivity.
func (o *DatabaseOperations) GitActivity(window time.Duration) ([]proto.TimePoint, error) {
	return o.bucketCounts(
		`SELECT timestamp FROM git_commits WHERE timestamp >= ? ORDER BY timestamp`,
		window,
	)
}

func (o *DatabaseOperations) bucketCounts(query string, window time.Duration) ([]proto.TimePoint, error) {
	since := time.Now().UTC().Add(-window)
	rows, err := o.db.Query(query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query time series: %w", err)
	}
	defer rows.Close()

	buckets := make(map[time.Time]int)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		buckets[ts.Truncate(time.Hour)]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate time series rows: %w", err)
	}

	points := make([]proto.TimePoint, 0, len(buckets))
	for ts, count := range buckets {
		points = append(points, proto.TimePoint{Timestamp: ts, Count: count})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}
