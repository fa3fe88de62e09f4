// Package worker implements the generic Worker Agent: one claim → prompt →
// call Provider → strip-fences → submit loop shared by the Executor,
// Tester and Documenter roles. The three roles differ only in their prompt
// template and in how they interpret the Provider's response into a
// Report's Metrics; that difference is injected via PromptBuilder and
// MetricsExtractor rather than three near-identical packages.
package worker

import (
	"context"
	"regexp"
	"strings"
	"time"

	"orchestrator/pkg/agent"
	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/agent/llmerrors"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/proto"
)

// FSM states for one Worker instance. The loop revisits StateWaiting after
// every subtask, successful or not; only the process crashing ends it.
const (
	StateWaiting    agent.State = "WAITING"
	StateClaimed    agent.State = "CLAIMED"
	StateCalling    agent.State = "CALLING"
	StateSubmitting agent.State = "SUBMITTING"
	StateDone       agent.State = "DONE"
)

var transitions = agent.TransitionTable{ //nolint:gochecknoglobals
	StateWaiting:    {StateClaimed},
	StateClaimed:    {StateCalling},
	StateCalling:    {StateSubmitting},
	StateSubmitting: {StateDone},
	StateDone:       {StateWaiting},
}

// HeartbeatInterval matches the teacher's architect/coder heartbeat cadence.
const HeartbeatInterval = 30 * time.Second

// PollTimeout bounds how long one ClaimNext call blocks before a Worker
// loops back around to check ctx cancellation.
const PollTimeout = 5 * time.Second

var fenceRE = regexp.MustCompile("(?s)^```[a-zA-Z0-9_+-]*\\n(.*?)\\n```\\s*$") //nolint:gochecknoglobals

// StripFences removes a single pair of Markdown code fences wrapping the
// entire response, if present. Providers are prompted for raw file content
// but routinely wrap it in a fenced block anyway.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if m := fenceRE.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return trimmed
}

// PromptBuilder renders a Subtask into the messages sent to the Provider.
// Each role (Executor/Tester/Documenter) supplies its own.
type PromptBuilder func(st proto.Subtask) []llm.CompletionMessage

// MetricsExtractor turns a raw completion into the Report.Metrics this
// role's output should be judged on (e.g. Tester extracts tests_passed from
// its own structured summary line).
type MetricsExtractor func(payload string) map[string]float64

// Worker drives one role's claim/prompt/submit loop against a Dispatcher.
type Worker struct {
	*agent.BaseStateMachine

	role       proto.Role
	workerID   string
	dispatcher *dispatch.Dispatcher
	client     llm.LLMClient
	logger     *logx.Logger

	buildPrompt    PromptBuilder
	extractMetrics MetricsExtractor

	temperature float32
	maxTokens   int
}

// New constructs a Worker for role, claiming subtasks as workerID.
func New(role proto.Role, workerID string, d *dispatch.Dispatcher, client llm.LLMClient, buildPrompt PromptBuilder, extractMetrics MetricsExtractor, temperature float32, maxTokens int) *Worker {
	logger := logx.NewLogger(workerID)
	return &Worker{
		BaseStateMachine: agent.NewBaseStateMachine(workerID, StateWaiting, nil, transitions),
		role:             role,
		workerID:         workerID,
		dispatcher:       d,
		client:           client,
		logger:           logger,
		buildPrompt:      buildPrompt,
		extractMetrics:   extractMetrics,
		temperature:      temperature,
		maxTokens:        maxTokens,
	}
}

// Run drives the loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.runOnce(ctx); err != nil {
			w.logger.Warn("worker %s loop error: %v", w.workerID, err)
		}
	}
}

// runOnce performs exactly one claim→prompt→submit cycle, or returns nil
// immediately if no work was available within PollTimeout.
func (w *Worker) runOnce(ctx context.Context) error {
	_ = w.TransitionTo(ctx, StateWaiting, nil)

	st, err := w.dispatcher.ClaimNext(ctx, w.role, w.workerID, PollTimeout)
	if err != nil {
		return err
	}
	if st == nil {
		return nil // no work available; documented non-error outcome
	}
	snap := st.Snapshot()

	_ = w.TransitionTo(ctx, StateClaimed, map[string]any{"subtask_id": snap.ID})
	w.heartbeat()

	_ = w.TransitionTo(ctx, StateCalling, nil)
	report, failErr := w.callProvider(ctx, snap)

	_ = w.TransitionTo(ctx, StateSubmitting, nil)
	if failErr != nil {
		if _, err := w.dispatcher.MarkFailed(snap.ID, failErr.Error()); err != nil {
			w.logger.Warn("mark failed for subtask %s failed: %v", snap.ID, err)
		}
	} else if _, err := w.dispatcher.SubmitReport(report); err != nil {
		w.logger.Warn("submit report for subtask %s failed: %v", snap.ID, err)
	}
	w.heartbeat()

	_ = w.TransitionTo(ctx, StateDone, nil)
	return nil
}

// callProvider invokes the Provider Adapter for one subtask and turns the
// result (success, binary payload, or empty response) into a Report. A
// non-empty-response error surviving the RetryableClient's own backoff means
// retries are exhausted; the caller marks the subtask failed directly rather
// than submitting a report the Coordinator would have no transition for.
func (w *Worker) callProvider(ctx context.Context, st proto.Subtask) (proto.Report, error) {
	start := time.Now()
	req := llm.CompletionRequest{
		Messages:    w.buildPrompt(st),
		Temperature: w.temperature,
		MaxTokens:   w.maxTokens,
	}

	resp, err := w.client.Complete(ctx, req)
	duration := time.Since(start)

	if err != nil {
		if llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
			// Boundary behavior (spec §8): an empty Provider payload is a
			// low-confidence report, not a failure the Worker manufactures.
			w.logger.Warn("empty response for subtask %s; submitting empty report", st.ID)
			return proto.Report{
				SubtaskID: st.ID,
				Filename:  st.Filename,
				Role:      w.role,
				Duration:  duration,
				Reason:    "EmptyResponse",
				CreatedAt: time.Now().UTC(),
			}, nil
		}
		w.logger.Error("provider call exhausted retries for subtask %s: %v", st.ID, err)
		return proto.Report{}, err
	}

	if resp.Binary {
		return proto.Report{
			SubtaskID: st.ID,
			Filename:  st.Filename,
			Role:      w.role,
			Duration:  duration,
			Binary:    true,
			Reason:    proto.ReasonBinaryPayload,
			CreatedAt: time.Now().UTC(),
		}, nil
	}

	payload := StripFences(resp.Content)
	return proto.Report{
		SubtaskID: st.ID,
		Filename:  st.Filename,
		Payload:   payload,
		Role:      w.role,
		Duration:  duration,
		Metrics:   w.extractMetrics(payload),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// heartbeat publishes this worker's run-state so the Supervisor and UI can
// observe liveness without shared memory.
func (w *Worker) heartbeat() {
	w.dispatcher.SetAgentRunState(proto.AgentRunState{
		Name:          roleAgentName(w.role),
		Running:       true,
		LastHeartbeat: time.Now().UTC(),
	})
}

func roleAgentName(role proto.Role) proto.AgentName {
	switch role {
	case proto.RoleExecutor:
		return proto.AgentExecutor
	case proto.RoleTester:
		return proto.AgentTester
	case proto.RoleDocumenter:
		return proto.AgentDocumenter
	default:
		return proto.AgentName(role)
	}
}
