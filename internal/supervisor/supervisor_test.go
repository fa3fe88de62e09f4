package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/proto"
)

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	cfg := &config.OrchestratorConfig{
		LeaseWindow:          time.Second,
		SubscriberBufferSize: 4,
	}
	d := dispatch.New(cfg, nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func fastPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxFailures:  3,
		Window:       time.Second,
	}
}

func TestStartRunsAgentAndRecordsRunState(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, d, fastPolicy())

	started := make(chan struct{})
	s.Start(proto.AgentCoordinator, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("agent never started")
	}

	assert.Eventually(t, func() bool {
		states := d.AgentRunStates()
		st, ok := states[proto.AgentCoordinator]
		return ok && st.Running
	}, time.Second, 10*time.Millisecond)
}

func TestAbnormalExitRespawnsWithBackoff(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, d, fastPolicy())

	var runs int32
	s.Start(proto.AgentExecutor, func(_ context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("boom")
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestFailureCutoffStopsRespawning(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, d, fastPolicy())

	s.Start(proto.AgentTester, func(_ context.Context) error {
		return errors.New("boom")
	})

	assert.Eventually(t, func() bool {
		return s.AgentFailed(proto.AgentTester)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		states := d.AgentRunStates()
		st, ok := states[proto.AgentTester]
		return ok && st.Failed
	}, time.Second, 5*time.Millisecond)
}

func TestCleanExitRestartsForNextUnitOfWork(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, d, fastPolicy())

	var runs int32
	s.Start(proto.AgentDocumenter, func(_ context.Context) error {
		n := atomic.AddInt32(&runs, 1)
		if n > 3 {
			<-ctx.Done()
		}
		return nil
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) > 3
	}, time.Second, 5*time.Millisecond)

	assert.False(t, s.AgentFailed(proto.AgentDocumenter), "clean exits never trip the failure cutoff")
}

func TestStopSignalsCancellationAndStopsRespawn(t *testing.T) {
	d := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, d, fastPolicy())

	var runs int32
	s.Start(proto.AgentStructurer, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		<-ctx.Done()
		return ctx.Err()
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, time.Second, 5*time.Millisecond)

	s.Stop(proto.AgentStructurer, time.Second)

	snapshot := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, snapshot, atomic.LoadInt32(&runs), "stopped agent must not respawn")
}

func TestBackoffForDoublesUpToCap(t *testing.T) {
	initial := 10 * time.Millisecond
	maxDelay := 100 * time.Millisecond

	assert.Equal(t, initial, backoffFor(1, initial, maxDelay))
	assert.Equal(t, 2*initial, backoffFor(2, initial, maxDelay))
	assert.Equal(t, 4*initial, backoffFor(3, initial, maxDelay))
	assert.Equal(t, maxDelay, backoffFor(10, initial, maxDelay))
}
