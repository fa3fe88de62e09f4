package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"orchestrator/pkg/config"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/orcherrors"
	"orchestrator/pkg/proto"
)

// Dispatcher is the Orchestrator Service. It owns the subtask ledger, the
// three per-role queues, the structure snapshot and the subscriber
// registry, and is the only component in the system that touches any of
// them directly — every agent talks to it exclusively through the methods
// below, never through shared memory.
//
//nolint:govet // field grouping follows ownership, not memory layout
type Dispatcher struct {
	logger *logx.Logger

	ledger *ledger
	queues *queues
	subs   *registry

	structMu  sync.RWMutex
	structure *proto.StructureNode

	runMu     sync.RWMutex
	runStates map[proto.AgentName]*proto.AgentRunState

	leaseWindow  time.Duration
	reapInterval time.Duration
	bufCapacity  int

	// coordinatorFeedback and structurerFeedback carry every submitted
	// report to the Coordinator's Assignment phase and to the Structurer's
	// persistence loop respectively (§4.1 "forward to Structurer; forward
	// to Coordinator feedback channel"). Buffered and non-blocking: a full
	// channel means that consumer is stalled, which is its own problem to
	// surface via heartbeats, not a reason to block report submission.
	coordinatorFeedback chan proto.Report
	structurerFeedback  chan proto.Report

	shutdown chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex // guards Start/Stop lifecycle only

	audit AuditRecorder
}

// AuditRecorder persists subtask lifecycle events and serves the aggregate
// time series the WebUI's charts render. Satisfied by
// *persistence.Recorder; left nil, the Dispatcher still runs correctly and
// simply reports empty chart series.
type AuditRecorder interface {
	RecordSubtaskEvent(subtaskID, role, status string, ts time.Time)
	ProcessedOverTime(window time.Duration) ([]proto.TimePoint, error)
	GitActivity(window time.Duration) ([]proto.TimePoint, error)
}

// feedbackBufferSize bounds the Coordinator/Structurer feedback channels.
const feedbackBufferSize = 256

// New constructs a Dispatcher from the orchestrator's configuration record.
func New(cfg *config.OrchestratorConfig, logger *logx.Logger) *Dispatcher {
	if logger == nil {
		logger = logx.NewLogger("dispatch")
	}

	leaseWindow := cfg.LeaseWindow
	if leaseWindow <= 0 {
		leaseWindow = 2 * config.DefaultPerRequestTimeout
	}
	bufCapacity := cfg.SubscriberBufferSize
	if bufCapacity <= 0 {
		bufCapacity = config.DefaultSubscriberBufferSize
	}

	runStates := make(map[proto.AgentName]*proto.AgentRunState, len(proto.AllAgentNames))
	for _, name := range proto.AllAgentNames {
		runStates[name] = &proto.AgentRunState{Name: name}
	}

	return &Dispatcher{
		logger:              logger,
		ledger:              newLedger(logger),
		queues:              newQueues(),
		subs:                newRegistry(),
		structure:           proto.NewStructureNode(),
		runStates:           runStates,
		leaseWindow:         leaseWindow,
		reapInterval:        leaseWindow / 4,
		bufCapacity:         bufCapacity,
		coordinatorFeedback: make(chan proto.Report, feedbackBufferSize),
		structurerFeedback:  make(chan proto.Report, feedbackBufferSize),
		shutdown:            make(chan struct{}),
	}
}

// SetAuditRecorder attaches the audit sink that MarkAccepted/MarkFailed
// report to and that the chart endpoints read from. Must be called before
// Start; nil is valid and leaves auditing disabled.
func (d *Dispatcher) SetAuditRecorder(a AuditRecorder) {
	d.audit = a
}

// CoordinatorFeedback returns the channel of submitted reports the
// Coordinator Agent's Assignment phase consumes.
func (d *Dispatcher) CoordinatorFeedback() <-chan proto.Report { return d.coordinatorFeedback }

// StructurerFeedback returns the channel of submitted reports the
// Structurer Agent's persistence loop consumes.
func (d *Dispatcher) StructurerFeedback() <-chan proto.Report { return d.structurerFeedback }

func (d *Dispatcher) forwardToFeedback(rep proto.Report) {
	select {
	case d.coordinatorFeedback <- rep:
	default:
		d.logger.Warn("coordinator feedback channel full, dropping report for subtask %s", rep.SubtaskID)
	}
	select {
	case d.structurerFeedback <- rep:
	default:
		d.logger.Warn("structurer feedback channel full, dropping report for subtask %s", rep.SubtaskID)
	}
}

// Start launches the background lease reaper. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.wg.Add(1)
	go d.runLeaseReaper(ctx)
	d.logger.Info("🚀 orchestrator service started (lease window %s)", d.leaseWindow)
}

// Stop halts the lease reaper and closes every subscriber, mirroring the
// teacher's closeAllChannels graceful-shutdown pattern.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.shutdown)
	d.mu.Unlock()

	d.wg.Wait()

	d.subs.mu.Lock()
	for id, s := range d.subs.subs {
		s.close()
		delete(d.subs.subs, id)
	}
	d.subs.mu.Unlock()

	d.logger.Info("🛑 orchestrator service stopped")
}

// EnqueueSubtask registers a brand-new subtask in the ledger and appends it
// to its role's pending queue. Enforces the fixed lock order: ledger first,
// then the role queue.
func (d *Dispatcher) EnqueueSubtask(st *proto.Subtask) error {
	if !st.Role.Valid() {
		return orcherrors.Wrap(orcherrors.KindValidation, "dispatch", fmt.Errorf("%w: %s", proto.ErrUnknownRole, st.Role))
	}
	if err := d.ledger.insert(st); err != nil {
		return orcherrors.Wrap(orcherrors.KindValidation, "dispatch", err)
	}
	q, err := d.queues.get(st.Role)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindValidation, "dispatch", err)
	}
	q.enqueue(st.ID)

	d.logger.Info("📋 enqueued subtask %s (role=%s, file=%s)", st.ID, st.Role, st.Filename)
	d.publishQueueDelta(st.Role)
	return nil
}

// ClaimNext blocks until a pending subtask is available for role, the
// worker's poll timeout elapses, or ctx is cancelled. Returns (nil, false)
// on timeout/cancellation with no error — this is the documented "no work
// available" outcome, not a failure.
func (d *Dispatcher) ClaimNext(ctx context.Context, role proto.Role, workerID string, pollTimeout time.Duration) (*proto.Subtask, error) {
	q, err := d.queues.get(role)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindValidation, "dispatch", err)
	}

	id, waiter := q.claimNext()
	if waiter == nil {
		st, gerr := d.ledger.get(id)
		if gerr != nil {
			q.release(id)
			return nil, orcherrors.Wrap(orcherrors.KindProtocol, "dispatch", gerr)
		}
		st.Claim(workerID)
		d.logger.Debug("🙋 %s claimed subtask %s", workerID, id)
		d.publishQueueDelta(role)
		return st, nil
	}

	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	select {
	case id, ok := <-waiter:
		if !ok {
			return nil, nil
		}
		st, gerr := d.ledger.get(id)
		if gerr != nil {
			q.release(id)
			return nil, orcherrors.Wrap(orcherrors.KindProtocol, "dispatch", gerr)
		}
		st.Claim(workerID)
		d.logger.Debug("🙋 %s claimed subtask %s (after wait)", workerID, id)
		d.publishQueueDelta(role)
		return st, nil
	case <-timer.C:
		q.cancelWait(waiter)
		return nil, nil
	case <-ctx.Done():
		q.cancelWait(waiter)
		return nil, ctx.Err()
	}
}

// SubmitReport records a worker's report against its subtask, moving it to
// code_received and releasing the role queue's processing claim.
func (d *Dispatcher) SubmitReport(rep proto.Report) (proto.Subtask, error) {
	snap, err := d.ledger.submitReport(rep)
	if err != nil {
		return proto.Subtask{}, orcherrors.Wrap(orcherrors.KindProtocol, "dispatch", err)
	}
	if q, qerr := d.queues.get(rep.Role); qerr == nil {
		q.release(rep.SubtaskID)
	}
	d.publishQueueDelta(rep.Role)
	d.publishStructureAndStatusDelta(rep.SubtaskID)
	d.forwardToFeedback(rep)
	return snap, nil
}

// RejectAndRequeue implements the Coordinator's reject path from §4.1's
// subtask lifecycle diagram: code_received → pending with refined text, or
// → failed once maxAttempts is reached. Returns whether the subtask was
// requeued (false means it was marked failed instead).
func (d *Dispatcher) RejectAndRequeue(id, refinedText, reason string, maxAttempts int) (proto.Subtask, bool, error) {
	snap, requeued, err := d.ledger.rejectAndRequeue(id, refinedText, reason, maxAttempts)
	if err != nil {
		return proto.Subtask{}, false, orcherrors.Wrap(orcherrors.KindProtocol, "dispatch", err)
	}

	q, qerr := d.queues.get(snap.Role)
	if qerr == nil {
		q.release(id)
		if requeued {
			q.enqueue(id)
		}
	}
	d.publishQueueDelta(snap.Role)
	d.publishStructureAndStatusDelta(id)
	return snap, requeued, nil
}

// MarkAccepted finalizes a subtask as accepted. Idempotent per §8.
func (d *Dispatcher) MarkAccepted(id string) (proto.Subtask, error) {
	snap, err := d.ledger.markAccepted(id)
	if err != nil {
		return proto.Subtask{}, orcherrors.Wrap(orcherrors.KindProtocol, "dispatch", err)
	}
	if d.audit != nil {
		d.audit.RecordSubtaskEvent(snap.ID, string(snap.Role), string(snap.Status), time.Now())
	}
	d.publishStructureAndStatusDelta(id)
	return snap, nil
}

// MarkFailed finalizes a subtask as failed with reason, releasing any
// lingering processing claim.
func (d *Dispatcher) MarkFailed(id, reason string) (proto.Subtask, error) {
	snap, err := d.ledger.markFailed(id, reason)
	if err != nil {
		return proto.Subtask{}, orcherrors.Wrap(orcherrors.KindProtocol, "dispatch", err)
	}
	if q, qerr := d.queues.get(snap.Role); qerr == nil {
		q.release(id)
	}
	if d.audit != nil {
		d.audit.RecordSubtaskEvent(snap.ID, string(snap.Role), string(snap.Status), time.Now())
	}
	d.publishStructureAndStatusDelta(id)
	return snap, nil
}

// Clear empties the subtask ledger and every per-role queue, for the
// WebUI's /clear endpoint to start a fresh run without restarting the
// process. Agent run-states, the structure snapshot and subscribers are
// left untouched; a subsequent align() re-seeds the queues from scratch.
func (d *Dispatcher) Clear() {
	d.ledger.reset()
	d.queues.reset()
	d.logger.Info("🧹 ledger and queues cleared")
	d.subs.broadcast(d.fullStatusMessage())
}

// UpdateStructure replaces the structure snapshot wholesale (the Structurer
// posts a fresh tree after every commit) and fans a structure_update delta
// out to subscribers.
func (d *Dispatcher) UpdateStructure(tree *proto.StructureNode) {
	d.structMu.Lock()
	d.structure = tree.Clone()
	snapshot := d.structure.Clone()
	d.structMu.Unlock()

	d.subs.broadcast(proto.WSMessage{
		Type: proto.WSStructureUpdate,
		Data: snapshot,
	})
}

// Structure returns a deep copy of the current structure snapshot.
func (d *Dispatcher) Structure() *proto.StructureNode {
	d.structMu.RLock()
	defer d.structMu.RUnlock()
	return d.structure.Clone()
}

// SetAgentRunState updates the Supervisor-facing run-state for name and
// fans a status_update delta out to subscribers.
func (d *Dispatcher) SetAgentRunState(state proto.AgentRunState) {
	d.runMu.Lock()
	d.runStates[state.Name] = &state
	d.runMu.Unlock()

	d.subs.broadcast(proto.WSMessage{
		Type: proto.WSStatusUpdate,
		Data: map[proto.AgentName]proto.AgentRunState{state.Name: state},
	})
}

// AgentRunStates returns a snapshot of every tracked agent's run-state.
func (d *Dispatcher) AgentRunStates() map[proto.AgentName]proto.AgentRunState {
	d.runMu.RLock()
	defer d.runMu.RUnlock()
	out := make(map[proto.AgentName]proto.AgentRunState, len(d.runStates))
	for name, st := range d.runStates {
		out[name] = st.Clone()
	}
	return out
}

// Subscribe registers a new UI subscriber and immediately enqueues a full
// status snapshot as its first message, per the §4.1 Subscribe contract
// ("full snapshot then deltas").
func (d *Dispatcher) Subscribe() *Subscriber {
	sub := newSubscriber(d.bufCapacity, d.fullStatusMessage)
	d.subs.add(sub)
	sub.push(d.fullStatusMessage())
	d.logger.Debug("🔌 subscriber %s attached (%d total)", sub.ID, d.subs.count())
	return sub
}

// Unsubscribe detaches and closes a subscriber.
func (d *Dispatcher) Unsubscribe(id string) {
	d.subs.remove(id)
	d.logger.Debug("🔌 subscriber %s detached (%d remaining)", id, d.subs.count())
}

// FullStatus builds an on-demand full_status_update message, for the
// WebUI's get_full_status inbound action.
func (d *Dispatcher) FullStatus() proto.WSMessage {
	return d.fullStatusMessage()
}

// ChartUpdates builds a specific_update carrying only the aggregate chart
// metrics, for the WebUI's get_chart_updates inbound action.
func (d *Dispatcher) ChartUpdates() proto.WSMessage {
	full := d.fullStatusMessage().Data.(proto.FullStatus) //nolint:forcetypeassert // fullStatusMessage always sets FullStatus data
	metrics := full.Metrics
	return proto.WSMessage{
		Type: proto.WSSpecificUpdate,
		Data: proto.SpecificUpdate{Metrics: &metrics},
	}
}

// PublishLog forwards one raw log line, ANSI codes intact, to every
// subscriber as a log_update message.
func (d *Dispatcher) PublishLog(line string) {
	d.subs.broadcast(proto.WSMessage{
		Type: proto.WSLogUpdate,
		Data: proto.LogUpdate{Line: line, Timestamp: time.Now().UTC()},
	})
}

// Stats mirrors the teacher's introspection surface: queue depths per role
// plus ledger size, for the CLI's attach/status views.
type Stats struct {
	LedgerSize  int
	Queues      map[proto.Role]QueueStats
	Subscribers int
}

// QueueStats is the per-role slice of Stats.
type QueueStats struct {
	Pending    int
	Processing int
}

// GetStats computes a point-in-time Stats snapshot.
func (d *Dispatcher) GetStats() Stats {
	out := Stats{
		LedgerSize:  len(d.ledger.all()),
		Queues:      make(map[proto.Role]QueueStats),
		Subscribers: d.subs.count(),
	}
	for role, q := range d.queues.all() {
		pending, processing := q.snapshot()
		out.Queues[role] = QueueStats{Pending: len(pending), Processing: len(processing)}
	}
	return out
}

// fullStatusMessage assembles a full_status_update payload from the current
// ledger, queues, structure and run-states.
func (d *Dispatcher) fullStatusMessage() proto.WSMessage {
	queuesOut := make(map[proto.Role][]proto.QueueTask)
	for role, q := range d.queues.all() {
		pending, processing := q.snapshot()
		tasks := make([]proto.QueueTask, 0, len(pending)+len(processing))
		for _, id := range pending {
			if st, err := d.ledger.get(id); err == nil {
				snap := st.Snapshot()
				tasks = append(tasks, proto.QueueTask{ID: snap.ID, Filename: snap.Filename, Text: snap.Text, Status: snap.Status})
			}
		}
		for _, id := range processing {
			if st, err := d.ledger.get(id); err == nil {
				snap := st.Snapshot()
				tasks = append(tasks, proto.QueueTask{ID: snap.ID, Filename: snap.Filename, Text: snap.Text, Status: snap.Status})
			}
		}
		queuesOut[role] = tasks
	}

	return proto.WSMessage{
		Type: proto.WSFullStatusUpdate,
		Data: proto.FullStatus{
			AgentStates: d.AgentRunStates(),
			Queues:      queuesOut,
			Subtasks:    d.ledger.snapshotStatuses(),
			Structure:   d.Structure(),
			Metrics:     d.aggregateMetrics(),
		},
	}
}

// chartWindow bounds how far back the processed-over-time and git-activity
// series reach.
const chartWindow = 7 * 24 * time.Hour

func (d *Dispatcher) aggregateMetrics() proto.AggregateMetrics {
	metrics := proto.AggregateMetrics{TaskStatusDistribution: d.taskStatusDistribution()}
	if d.audit == nil {
		return metrics
	}
	if points, err := d.audit.ProcessedOverTime(chartWindow); err == nil {
		metrics.ProcessedOverTime = points
	} else {
		d.logger.Warn("failed to query processed-over-time series: %v", err)
	}
	if points, err := d.audit.GitActivity(chartWindow); err == nil {
		metrics.GitActivity = points
	} else {
		d.logger.Warn("failed to query git-activity series: %v", err)
	}
	return metrics
}

func (d *Dispatcher) taskStatusDistribution() map[string]int {
	dist := make(map[string]int)
	for _, status := range d.ledger.snapshotStatuses() {
		dist[string(status)]++
	}
	return dist
}

// publishQueueDelta fans a queue_update specific_update out for one role.
func (d *Dispatcher) publishQueueDelta(role proto.Role) {
	q, err := d.queues.get(role)
	if err != nil {
		return
	}
	pending, processing := q.snapshot()
	tasks := make([]proto.QueueTask, 0, len(pending)+len(processing))
	for _, id := range append(pending, processing...) {
		if st, gerr := d.ledger.get(id); gerr == nil {
			snap := st.Snapshot()
			tasks = append(tasks, proto.QueueTask{ID: snap.ID, Filename: snap.Filename, Text: snap.Text, Status: snap.Status})
		}
	}
	d.subs.broadcast(proto.WSMessage{
		Type: proto.WSSpecificUpdate,
		Data: proto.SpecificUpdate{Queues: map[proto.Role][]proto.QueueTask{role: tasks}},
	})
}

// publishStructureAndStatusDelta fans a subtasks-only specific_update out
// for a single subtask id change.
func (d *Dispatcher) publishStructureAndStatusDelta(id string) {
	st, err := d.ledger.get(id)
	if err != nil {
		return
	}
	snap := st.Snapshot()
	d.subs.broadcast(proto.WSMessage{
		Type: proto.WSSpecificUpdate,
		Data: proto.SpecificUpdate{Subtasks: map[string]proto.SubtaskStatus{snap.ID: snap.Status}},
	})
}

// DumpHeads returns a one-line-per-role summary of the next pending subtask,
// in the teacher's DumpHeads introspection style.
func (d *Dispatcher) DumpHeads() string {
	var b strings.Builder
	for role, q := range d.queues.all() {
		pending, _ := q.snapshot()
		if len(pending) == 0 {
			fmt.Fprintf(&b, "%s: (empty)\n", role)
			continue
		}
		fmt.Fprintf(&b, "%s: %s (+%d more)\n", role, pending[0], len(pending)-1)
	}
	return b.String()
}
