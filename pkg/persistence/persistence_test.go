package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOps(t *testing.T) *DatabaseOperations {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	require.NoError(t, Initialize(dbPath, "test-session"))
	t.Cleanup(func() { require.NoError(t, Reset()) })
	return Ops()
}

func TestRecordSubtaskEventAndProcessedOverTime(t *testing.T) {
	ops := newTestOps(t)

	now := time.Now().UTC()
	require.NoError(t, ops.RecordSubtaskEvent("sub-1", "executor", "pending", now))
	require.NoError(t, ops.RecordSubtaskEvent("sub-1", "executor", "accepted", now))
	require.NoError(t, ops.RecordSubtaskEvent("sub-2", "tester", "failed", now))

	points, err := ops.ProcessedOverTime(time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].Count)
}

func TestProcessedOverTimeExcludesOutsideWindow(t *testing.T) {
	ops := newTestOps(t)

	require.NoError(t, ops.RecordSubtaskEvent("sub-1", "executor", "accepted", time.Now().UTC().Add(-48*time.Hour)))

	points, err := ops.ProcessedOverTime(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestRecordCommitIsIdempotentPerHash(t *testing.T) {
	ops := newTestOps(t)

	now := time.Now().UTC()
	require.NoError(t, ops.RecordCommit("abc123", "add feature", now))
	require.NoError(t, ops.RecordCommit("abc123", "add feature", now))

	points, err := ops.GitActivity(time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 1, points[0].Count)
}

func TestCreateAndEndSession(t *testing.T) {
	ops := newTestOps(t)

	now := time.Now().UTC()
	require.NoError(t, CreateSession(ops.db, "session-1", now))
	require.NoError(t, EndSession(ops.db, "session-1", now.Add(time.Minute)))
}

func TestRecorderDeliversWritesAsync(t *testing.T) {
	ops := newTestOps(t)
	rec := NewRecorder(ops, nil)

	rec.RecordSubtaskEvent("sub-1", "executor", "accepted", time.Now().UTC())
	rec.RecordCommit("def456", "fix bug", time.Now().UTC())
	rec.Close()

	points, err := ops.ProcessedOverTime(time.Hour)
	require.NoError(t, err)
	assert.Len(t, points, 1)

	commits, err := ops.GitActivity(time.Hour)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
}
