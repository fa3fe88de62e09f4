// Package supervisor manages agent lifecycle: starting each agent as an
// isolated goroutine tied to its own cancellation token, respawning it with
// exponential backoff on abnormal exit, and giving up after too many
// failures in too short a window.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/orcherrors"
	"orchestrator/pkg/proto"
)

// ShutdownHandler abstracts system shutdown so tests can intercept it
// instead of exercising os.Exit.
type ShutdownHandler interface {
	Shutdown(exitCode int, reason string)
}

// DefaultShutdownHandler terminates the process immediately.
type DefaultShutdownHandler struct {
	logger *logx.Logger
}

// NewDefaultShutdownHandler creates a shutdown handler that calls os.Exit.
func NewDefaultShutdownHandler(logger *logx.Logger) *DefaultShutdownHandler {
	return &DefaultShutdownHandler{logger: logger}
}

// Shutdown performs immediate process termination.
func (h *DefaultShutdownHandler) Shutdown(exitCode int, reason string) {
	h.logger.Error("FATAL SHUTDOWN: %s (exit code: %d)", reason, exitCode)
	os.Exit(exitCode)
}

// BackoffPolicy controls the respawn delay and the failure-window cutoff
// from spec §4.4: "respawn after a backoff (exponential, capped); after K
// failures in W seconds, mark the agent failed and stop respawning".
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxFailures  int
	Window       time.Duration
}

// DefaultBackoffPolicy returns a conservative policy: 1s initial, 1m cap,
// 5 failures inside 60s trips the cutoff.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		MaxFailures:  5,
		Window:       60 * time.Second,
	}
}

// RunFunc is one agent's entry point. It blocks until ctx is cancelled or
// the agent exits (cleanly or with an error).
type RunFunc func(ctx context.Context) error

// record is the Supervisor's per-agent bookkeeping, mirroring spec §4.4's
// "desired state, actual state, restart count in current window, cooldown
// deadline".
type record struct {
	name    proto.AgentName
	run     RunFunc
	cancel  context.CancelFunc
	desired bool // true while the operator wants this agent running

	failureTimes []time.Time
	failed       bool
}

// Supervisor owns the goroutine lifecycle for every long-lived agent
// (Coordinator, one per worker-pool slot, Structurer).
type Supervisor struct {
	dispatcher      *dispatch.Dispatcher
	logger          *logx.Logger
	policy          BackoffPolicy
	shutdownHandler ShutdownHandler

	mu      sync.Mutex
	agents  map[proto.AgentName]*record
	wg      sync.WaitGroup
	rootCtx context.Context
}

// New constructs a Supervisor. rootCtx is the parent of every agent's own
// cancellable context; cancelling it stops the whole fleet.
func New(rootCtx context.Context, d *dispatch.Dispatcher, policy BackoffPolicy) *Supervisor {
	logger := logx.NewLogger("supervisor")
	return &Supervisor{
		dispatcher:      d,
		logger:          logger,
		policy:          policy,
		shutdownHandler: NewDefaultShutdownHandler(logger),
		agents:          make(map[proto.AgentName]*record),
		rootCtx:         rootCtx,
	}
}

// SetShutdownHandler installs a custom shutdown handler (used by tests).
func (s *Supervisor) SetShutdownHandler(h ShutdownHandler) {
	s.shutdownHandler = h
}

// Start launches name as an isolated unit of execution running run. If the
// agent is already registered and running this is a no-op.
func (s *Supervisor) Start(name proto.AgentName, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.agents[name]; exists && rec.desired {
		s.logger.Warn("agent %s already running", name)
		return
	}

	rec := &record{name: name, run: run, desired: true}
	s.agents[name] = rec
	s.spawn(rec)
}

// Restart re-spawns a previously registered agent using its original
// RunFunc, for the operator start_{ai1|ai2|ai3}/start_all HTTP endpoints
// toggling an agent that was stopped rather than one never registered.
func (s *Supervisor) Restart(name proto.AgentName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[name]
	if !ok {
		return orcherrors.New(orcherrors.KindValidation, "supervisor", fmt.Sprintf("unknown agent %s", name))
	}
	if rec.desired {
		return nil
	}
	rec.desired = true
	rec.failed = false
	rec.failureTimes = nil
	s.spawn(rec)
	return nil
}

// Stop signals name's cancellation token and polls up to grace for its run
// state to report stopped; after that it is considered force-terminated
// (the goroutine may still be unwinding, but the Supervisor no longer
// tracks or respawns it).
func (s *Supervisor) Stop(name proto.AgentName, grace time.Duration) {
	s.mu.Lock()
	rec, exists := s.agents[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	rec.desired = false
	if rec.cancel != nil {
		rec.cancel()
	}
	s.mu.Unlock()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if st, ok := s.dispatcher.AgentRunStates()[name]; ok && !st.Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.logger.Warn("agent %s did not exit within grace period %v", name, grace)
}

// StopAll signals every registered agent and waits up to grace in total.
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.Lock()
	for _, rec := range s.agents {
		rec.desired = false
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("✅ all agents stopped")
	case <-time.After(grace):
		s.logger.Warn("⚠️ timeout waiting for agents to stop")
	}
}

// spawn starts rec.run in a goroutine tied to a fresh child context, and
// arranges for respawn-with-backoff on abnormal exit. Caller must hold s.mu.
func (s *Supervisor) spawn(rec *record) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	rec.cancel = cancel

	s.dispatcher.SetAgentRunState(proto.AgentRunState{
		Name:          rec.name,
		Running:       true,
		LastHeartbeat: time.Now().UTC(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("▶️  starting agent %s", rec.name)
		err := rec.run(ctx)
		s.handleExit(rec, ctx, err)
	}()
}

// handleExit implements the restart/backoff/cutoff policy from spec §4.4.
func (s *Supervisor) handleExit(rec *record, ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rec.desired {
		// Clean, operator-requested stop.
		s.dispatcher.SetAgentRunState(proto.AgentRunState{Name: rec.name, Running: false, LastHeartbeat: time.Now().UTC()})
		return
	}

	if err == nil || ctx.Err() != nil {
		// Clean exit while still desired: restart for the next unit of work
		// (spec's Worker/Coordinator loops exit cleanly between targets).
		s.logger.Info("agent %s exited cleanly, restarting", rec.name)
		s.restart(rec, "")
		return
	}

	s.logger.Error("agent %s exited abnormally: %v", rec.name, err)
	rec.failureTimes = append(rec.failureTimes, time.Now())
	rec.failureTimes = withinWindow(rec.failureTimes, s.policy.Window)

	if len(rec.failureTimes) > s.policy.MaxFailures {
		rec.failed = true
		rec.desired = false
		s.dispatcher.SetAgentRunState(proto.AgentRunState{
			Name:          rec.name,
			Running:       false,
			LastHeartbeat: time.Now().UTC(),
			RestartCount:  len(rec.failureTimes),
			LastError:     err.Error(),
			Failed:        true,
		})
		s.logger.Error("❌ agent %s failed %d times within %v, giving up until operator intervention",
			rec.name, len(rec.failureTimes), s.policy.Window)
		return
	}

	s.restart(rec, err.Error())
}

// restart respawns rec after an exponential backoff proportional to its
// recent failure count, capped at policy.MaxDelay.
func (s *Supervisor) restart(rec *record, lastError string) {
	delay := backoffFor(len(rec.failureTimes), s.policy.InitialDelay, s.policy.MaxDelay)
	s.dispatcher.SetAgentRunState(proto.AgentRunState{
		Name:          rec.name,
		Running:       false,
		LastHeartbeat: time.Now().UTC(),
		RestartCount:  len(rec.failureTimes),
		LastError:     lastError,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.rootCtx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if !rec.desired {
			return
		}
		s.spawn(rec)
	}()
}

// AgentFailed reports whether name has tripped the K-failures-in-W-seconds
// cutoff and is awaiting operator intervention.
func (s *Supervisor) AgentFailed(name proto.AgentName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[name]
	return ok && rec.failed
}

// Reset clears a tripped failure cutoff and restarts the agent, for the
// operator-intervention path named in spec §4.4.
func (s *Supervisor) Reset(name proto.AgentName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[name]
	if !ok {
		return orcherrors.New(orcherrors.KindValidation, "supervisor", fmt.Sprintf("unknown agent %s", name))
	}
	rec.failed = false
	rec.failureTimes = nil
	rec.desired = true
	s.spawn(rec)
	return nil
}

func withinWindow(times []time.Time, window time.Duration) []time.Time {
	cutoff := time.Now().Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func backoffFor(failures int, initial, maxDelay time.Duration) time.Duration {
	delay := initial
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
