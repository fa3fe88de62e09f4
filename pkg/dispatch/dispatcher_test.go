package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/pkg/config"
	"orchestrator/pkg/proto"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := &config.OrchestratorConfig{
		LeaseWindow:          50 * time.Millisecond,
		SubscriberBufferSize: 2,
	}
	d := New(cfg, nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestEnqueueAndClaimFIFO(t *testing.T) {
	d := newTestDispatcher(t)

	first := proto.NewSubtask("", proto.RoleExecutor, "a.go", "package a", "")
	second := proto.NewSubtask("", proto.RoleExecutor, "b.go", "package b", "")
	require.NoError(t, d.EnqueueSubtask(first))
	require.NoError(t, d.EnqueueSubtask(second))

	ctx := context.Background()
	got1, err := d.ClaimNext(ctx, proto.RoleExecutor, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, first.ID, got1.ID, "FIFO: first enqueued subtask claims first")

	got2, err := d.ClaimNext(ctx, proto.RoleExecutor, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, second.ID, got2.ID)
}

func TestClaimNextTimesOutWithNoError(t *testing.T) {
	d := newTestDispatcher(t)
	got, err := d.ClaimNext(context.Background(), proto.RoleTester, "worker-1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "no work available is not an error")
}

func TestDuplicateSubtaskIDRejected(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("fixed-id", proto.RoleExecutor, "a.go", "x", "")
	require.NoError(t, d.EnqueueSubtask(st))

	dup := proto.NewSubtask("fixed-id", proto.RoleExecutor, "a.go", "x", "")
	err := d.EnqueueSubtask(dup)
	require.ErrorIs(t, err, proto.ErrDuplicateID)
}

func TestUnknownRoleRejected(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.Role("reviewer"), "a.go", "x", "")
	err := d.EnqueueSubtask(st)
	require.ErrorIs(t, err, proto.ErrUnknownRole)
}

func TestSubmitReportRequiresClaim(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleExecutor, "a.go", "x", "")
	require.NoError(t, d.EnqueueSubtask(st))

	// Not claimed yet: submitting a report must fail.
	_, err := d.SubmitReport(proto.Report{SubtaskID: st.ID, Role: proto.RoleExecutor, Payload: "ok"})
	require.ErrorIs(t, err, proto.ErrNotClaimed)

	_, err = d.ClaimNext(context.Background(), proto.RoleExecutor, "worker-1", time.Second)
	require.NoError(t, err)

	snap, err := d.SubmitReport(proto.Report{SubtaskID: st.ID, Role: proto.RoleExecutor, Payload: "ok"})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCodeReceived, snap.Status)
}

func TestSubmitReportWrongRoleRejected(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleExecutor, "a.go", "x", "")
	require.NoError(t, d.EnqueueSubtask(st))
	_, err := d.ClaimNext(context.Background(), proto.RoleExecutor, "worker-1", time.Second)
	require.NoError(t, err)

	_, err = d.SubmitReport(proto.Report{SubtaskID: st.ID, Role: proto.RoleTester, Payload: "ok"})
	require.ErrorIs(t, err, proto.ErrWrongRole)
}

func TestMarkAcceptedIsIdempotent(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleExecutor, "a.go", "x", "")
	require.NoError(t, d.EnqueueSubtask(st))
	_, err := d.ClaimNext(context.Background(), proto.RoleExecutor, "worker-1", time.Second)
	require.NoError(t, err)
	_, err = d.SubmitReport(proto.Report{SubtaskID: st.ID, Role: proto.RoleExecutor, Payload: "ok"})
	require.NoError(t, err)

	first, err := d.MarkAccepted(st.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusAccepted, first.Status)

	second, err := d.MarkAccepted(st.ID)
	require.NoError(t, err, "marking an already-accepted subtask again must succeed")
	assert.Equal(t, proto.StatusAccepted, second.Status)
}

func TestUnknownSubtaskOperationsFail(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.MarkAccepted("does-not-exist")
	require.ErrorIs(t, err, proto.ErrUnknownSubtask)

	_, err = d.MarkFailed("does-not-exist", "boom")
	require.ErrorIs(t, err, proto.ErrUnknownSubtask)
}

func TestLeaseExpiryRequeuesSubtask(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleExecutor, "a.go", "x", "")
	require.NoError(t, d.EnqueueSubtask(st))

	claimed, err := d.ClaimNext(context.Background(), proto.RoleExecutor, "worker-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, st.ID, claimed.ID)

	assert.Eventually(t, func() bool {
		snap, gerr := d.ledger.get(st.ID)
		if gerr != nil {
			return false
		}
		s := snap.Snapshot()
		return s.Status == proto.StatusPending && s.Attempts == 1
	}, time.Second, 10*time.Millisecond, "expired claim should re-enqueue to pending with attempts incremented")

	requeued, err := d.ClaimNext(context.Background(), proto.RoleExecutor, "worker-2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, st.ID, requeued.ID, "requeued subtask takes priority over nothing else pending")
}

func TestSubscribeDeliversFullStatusFirst(t *testing.T) {
	d := newTestDispatcher(t)
	sub := d.Subscribe()
	defer d.Unsubscribe(sub.ID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, proto.WSFullStatusUpdate, msg.Type)
}

func TestSlowSubscriberCoalescesToFullSnapshot(t *testing.T) {
	d := newTestDispatcher(t) // capacity 2
	sub := d.Subscribe()
	defer d.Unsubscribe(sub.ID)

	// Drain the initial full status so the buffer starts empty.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := sub.Next(ctx)
	require.True(t, ok)

	st := proto.NewSubtask("", proto.RoleExecutor, "a.go", "x", "")
	require.NoError(t, d.EnqueueSubtask(st)) // delta 1
	_, err := d.ClaimNext(context.Background(), proto.RoleExecutor, "w1", time.Second) // delta 2, fills buffer to capacity
	require.NoError(t, err)

	st2 := proto.NewSubtask("", proto.RoleExecutor, "b.go", "y", "") // delta 3: overflow, collapses to full snapshot
	require.NoError(t, d.EnqueueSubtask(st2))

	msg, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, proto.WSFullStatusUpdate, msg.Type, "overflow must replace pending deltas with one fresh full snapshot")
}

func TestAtMostOneClaimPerSubtask(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleExecutor, "a.go", "x", "")
	require.NoError(t, d.EnqueueSubtask(st))

	ctx := context.Background()
	got1, err := d.ClaimNext(ctx, proto.RoleExecutor, "w1", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got1)

	got2, err := d.ClaimNext(ctx, proto.RoleExecutor, "w2", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got2, "a claimed subtask must not be handed out twice")
}

func TestGetStatsReportsQueueDepths(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.EnqueueSubtask(proto.NewSubtask("", proto.RoleExecutor, "a.go", "x", "")))
	require.NoError(t, d.EnqueueSubtask(proto.NewSubtask("", proto.RoleExecutor, "b.go", "y", "")))

	stats := d.GetStats()
	assert.Equal(t, 2, stats.LedgerSize)
	assert.Equal(t, 2, stats.Queues[proto.RoleExecutor].Pending)
}
