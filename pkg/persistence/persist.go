package persistence

import (
	"time"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/proto"
)

// recordBufferSize bounds the async audit-write queue. A full queue means
// sqlite has fallen behind the ledger; writes are dropped rather than
// blocking the caller, since an audit trail gap is recoverable but a stalled
// dispatcher is not.
const recordBufferSize = 256

type auditWrite struct {
	subtaskEvent *SubtaskEvent
	commit       *GitCommitRecord
}

// Recorder decouples subtask/commit audit writes from their callers' hot
// paths (the dispatcher's ledger-transition methods, the git gateway's
// commit path) behind one background writer goroutine, and answers the
// WebUI's aggregate time series queries straight from the connection.
type Recorder struct {
	ops    *DatabaseOperations
	ch     chan auditWrite
	done   chan struct{}
	logger *logx.Logger
}

// NewRecorder starts a Recorder backed by ops. Call Close during shutdown to
// drain pending writes.
func NewRecorder(ops *DatabaseOperations, logger *logx.Logger) *Recorder {
	if logger == nil {
		logger = logx.NewLogger("persistence")
	}
	r := &Recorder{
		ops:    ops,
		ch:     make(chan auditWrite, recordBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for w := range r.ch {
		switch {
		case w.subtaskEvent != nil:
			e := w.subtaskEvent
			if err := r.ops.RecordSubtaskEvent(e.SubtaskID, e.Role, e.Status, e.Timestamp); err != nil {
				r.logger.Warn("failed to record subtask event: %v", err)
			}
		case w.commit != nil:
			c := w.commit
			if err := r.ops.RecordCommit(c.Hash, c.Subject, c.Timestamp); err != nil {
				r.logger.Warn("failed to record commit: %v", err)
			}
		}
	}
}

// RecordSubtaskEvent enqueues a subtask transition for async persistence.
// Drops the event rather than blocking if the writer has fallen behind.
func (r *Recorder) RecordSubtaskEvent(subtaskID, role, status string, ts time.Time) {
	select {
	case r.ch <- auditWrite{subtaskEvent: &SubtaskEvent{SubtaskID: subtaskID, Role: role, Status: status, Timestamp: ts}}:
	default:
		r.logger.Warn("audit queue full, dropping subtask event %s", subtaskID)
	}
}

// RecordCommit enqueues a commit for async persistence.
func (r *Recorder) RecordCommit(hash, subject string, ts time.Time) {
	select {
	case r.ch <- auditWrite{commit: &GitCommitRecord{Hash: hash, Subject: subject, Timestamp: ts}}:
	default:
		r.logger.Warn("audit queue full, dropping commit %s", hash)
	}
}

// ProcessedOverTime passes through to the underlying connection; reads need
// no buffering since they're driven by infrequent WebUI requests.
func (r *Recorder) ProcessedOverTime(window time.Duration) ([]proto.TimePoint, error) {
	return r.ops.ProcessedOverTime(window)
}

// GitActivity passes through to the underlying connection.
func (r *Recorder) GitActivity(window time.Duration) ([]proto.TimePoint, error) {
	return r.ops.GitActivity(window)
}

// Close stops accepting writes and waits for the queue to drain.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}
