// Package dispatch implements the Orchestrator Service: the in-process
// control plane that owns the subtask ledger, per-role work queues, the
// structure snapshot, and the fan-out of status deltas to UI subscribers.
//
// Every operation documented in SPEC_FULL.md §4.1 is a method on *Dispatcher.
// Internally the package follows the fixed lock ordering from §5: ledger →
// per-role queues → subscriber registry → structure snapshot. No method ever
// acquires these out of order, and no method holds more than one of them at
// a time across a blocking call.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/proto"
)

// ledger is the system of record for every subtask ever submitted, keyed by
// subtask id. It never removes entries; a failed or accepted subtask stays
// queryable for the lifetime of the run.
type ledger struct {
	mu      sync.RWMutex
	entries map[string]*proto.Subtask
	logger  *logx.Logger
}

func newLedger(logger *logx.Logger) *ledger {
	return &ledger{
		entries: make(map[string]*proto.Subtask),
		logger:  logger,
	}
}

// insert adds a brand-new subtask to the ledger. Returns ErrDuplicateID if
// the id is already present.
func (l *ledger) insert(st *proto.Subtask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[st.ID]; exists {
		return fmt.Errorf("%w: %s", proto.ErrDuplicateID, st.ID)
	}
	l.entries[st.ID] = st
	return nil
}

// get returns the live *proto.Subtask for id, or ErrUnknownSubtask.
func (l *ledger) get(id string) (*proto.Subtask, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", proto.ErrUnknownSubtask, id)
	}
	return st, nil
}

// reset discards every entry, returning the ledger to empty.
func (l *ledger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*proto.Subtask)
}

// snapshotStatuses returns a point-in-time id→status map for a full status update.
func (l *ledger) snapshotStatuses() map[string]proto.SubtaskStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]proto.SubtaskStatus, len(l.entries))
	for id, st := range l.entries {
		out[id] = st.Snapshot().Status
	}
	return out
}

// all returns a snapshot copy of every subtask, for the reaper and for tests.
func (l *ledger) all() []proto.Subtask {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]proto.Subtask, 0, len(l.entries))
	for _, st := range l.entries {
		out = append(out, st.Snapshot())
	}
	return out
}

// submitReport validates and applies a worker's report against the ledger,
// moving the subtask from processing to code_received. The Coordinator
// judges the report separately via MarkAccepted/MarkFailed.
func (l *ledger) submitReport(rep proto.Report) (proto.Subtask, error) {
	st, err := l.get(rep.SubtaskID)
	if err != nil {
		return proto.Subtask{}, err
	}

	snap := st.Snapshot()
	if snap.Role != rep.Role {
		return proto.Subtask{}, fmt.Errorf("%w: subtask %s is role %s, report claims %s",
			proto.ErrWrongRole, st.ID, snap.Role, rep.Role)
	}
	if snap.Status != proto.StatusProcessing {
		return proto.Subtask{}, fmt.Errorf("%w: subtask %s is %s, not processing",
			proto.ErrNotClaimed, st.ID, snap.Status)
	}

	st.Transition(proto.StatusCodeReceived)
	if l.logger != nil {
		l.logger.Info("📥 report received for subtask %s (role=%s, binary=%v)", st.ID, rep.Role, rep.Binary)
	}
	return st.Snapshot(), nil
}

// markAccepted moves a subtask to its terminal accepted state. Idempotent:
// calling it again on an already-accepted subtask is a no-op success, since
// BaseStateMachine-style self-transitions are always valid.
func (l *ledger) markAccepted(id string) (proto.Subtask, error) {
	st, err := l.get(id)
	if err != nil {
		return proto.Subtask{}, err
	}
	snap := st.Snapshot()
	if snap.Status == proto.StatusAccepted {
		return snap, nil
	}
	if snap.Status != proto.StatusCodeReceived {
		return proto.Subtask{}, fmt.Errorf("%w: subtask %s is %s, not code_received",
			proto.ErrNotClaimed, id, snap.Status)
	}
	st.Transition(proto.StatusAccepted)
	if l.logger != nil {
		l.logger.Info("✅ subtask %s accepted", id)
	}
	return st.Snapshot(), nil
}

// markFailed moves a subtask permanently to failed, recording reason. Unlike
// a lease-expiry requeue this never re-enters pending; only the Coordinator
// calls it, after deciding not to retry.
func (l *ledger) markFailed(id, reason string) (proto.Subtask, error) {
	st, err := l.get(id)
	if err != nil {
		return proto.Subtask{}, err
	}
	st.SetLastError(reason)
	st.Transition(proto.StatusFailed)
	if l.logger != nil {
		l.logger.Warn("❌ subtask %s failed: %s", id, reason)
	}
	return st.Snapshot(), nil
}

// rejectAndRequeue implements the Coordinator's reject path: code_received
// → pending with refined text and an incremented attempt counter, unless
// maxAttempts is already reached, in which case the subtask goes to failed
// instead (§8 "after 3 refinements still failing, subtask transitions to
// failed"). Returns the resulting snapshot and whether it was requeued
// (false means it was failed).
func (l *ledger) rejectAndRequeue(id, refinedText, reason string, maxAttempts int) (proto.Subtask, bool, error) {
	st, err := l.get(id)
	if err != nil {
		return proto.Subtask{}, false, err
	}
	snap := st.Snapshot()
	if snap.Status != proto.StatusCodeReceived {
		return proto.Subtask{}, false, fmt.Errorf("%w: subtask %s is %s, not code_received",
			proto.ErrNotClaimed, id, snap.Status)
	}

	if snap.Attempts+1 >= maxAttempts {
		st.SetLastError(reason)
		st.Transition(proto.StatusFailed)
		if l.logger != nil {
			l.logger.Warn("❌ subtask %s failed after %d attempts: %s", id, snap.Attempts+1, reason)
		}
		return st.Snapshot(), false, nil
	}

	st.UpdateText(refinedText)
	st.Requeue(reason)
	if l.logger != nil {
		l.logger.Info("🔁 subtask %s rejected and re-enqueued (attempt %d): %s", id, snap.Attempts+1, reason)
	}
	return st.Snapshot(), true, nil
}

// leaseAge exposes a subtask's current claim age for the reaper.
func (l *ledger) leaseAge(id string) (time.Duration, error) {
	st, err := l.get(id)
	if err != nil {
		return 0, err
	}
	return st.LeaseAge(), nil
}
