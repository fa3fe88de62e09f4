// Package coordinator implements the Coordinator Agent: the long-running
// loop that turns a target plus the evolving structure plus accumulated
// reports into a stream of subtasks, and decides acceptance.
//
// The loop is a three-phase state machine (Alignment, Assignment,
// Completion detection) grounded in the same agent.BaseStateMachine /
// typed-state-const idiom the teacher's per-role FSMs use.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"orchestrator/pkg/agent"
	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/orcherrors"
	"orchestrator/pkg/proto"
)

// FSM states for the Coordinator's three-phase loop.
const (
	StateAligning  agent.State = "ALIGNING"
	StateAssigning agent.State = "ASSIGNING"
	StateComplete  agent.State = "COMPLETE"
)

var transitions = agent.TransitionTable{ //nolint:gochecknoglobals
	StateAligning:  {StateAssigning},
	StateAssigning: {StateComplete},
}

// MaxRefinements bounds how many times a single executor subtask may be
// rejected and re-enqueued with refined text before it is marked failed
// outright (spec §8: "after 3 refinements still failing, subtask
// transitions to failed").
const MaxRefinements = 3

// Negotiator is the Coordinator's view of the Structurer Agent during
// Alignment: propose a tree, get back the agreed tree after at most one
// round of counter-proposal (§4.5 "Structurer may revise once; further
// disagreements are resolved by taking Coordinator's tree verbatim").
// Agents communicate only through endpoints, never shared memory, so this
// interface is the entire coupling surface between the two packages.
type Negotiator interface {
	Negotiate(ctx context.Context, target string, proposed *proto.StructureNode) (*proto.StructureNode, error)
}

// fileState tracks one file's progress toward completion.
type fileState struct {
	executorSubtaskID string
	executorAccepted  bool
	testerSubtaskID   string
	testerPassed      bool
}

// Coordinator drives the Alignment/Assignment/Completion loop for one target.
//
//nolint:govet // field grouping follows ownership, not memory layout
type Coordinator struct {
	*agent.BaseStateMachine

	dispatcher *dispatch.Dispatcher
	client     llm.LLMClient
	negotiator Negotiator
	acceptance config.AcceptanceConfig
	logger     *logx.Logger

	target      string
	minDelay    time.Duration
	maxDelay    time.Duration
	temperature float32
	maxTokens   int

	mu    sync.Mutex
	files map[string]*fileState
}

// New constructs a Coordinator for target.
func New(target string, d *dispatch.Dispatcher, client llm.LLMClient, negotiator Negotiator, acceptance config.AcceptanceConfig, roleCfg config.RoleAgentConfig) *Coordinator {
	logger := logx.NewLogger("coordinator")
	return &Coordinator{
		BaseStateMachine: agent.NewBaseStateMachine("coordinator", StateAligning, nil, transitions),
		dispatcher:       d,
		client:           client,
		negotiator:       negotiator,
		acceptance:       acceptance,
		logger:           logger,
		target:           target,
		minDelay:         roleCfg.MinRetryDelay,
		maxDelay:         roleCfg.MaxRetryDelay,
		temperature:      float32(roleCfg.Temperature),
		maxTokens:        roleCfg.MaxTokens,
		files:            make(map[string]*fileState),
	}
}

// Run executes Alignment once, then the Assignment loop until Completion or
// ctx cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.align(ctx); err != nil {
		return orcherrors.Wrap(orcherrors.KindSupervisory, "coordinator", fmt.Errorf("alignment failed: %w", err))
	}

	_ = c.TransitionTo(ctx, StateAssigning, nil)
	c.heartbeat()

	feedback := c.dispatcher.CoordinatorFeedback()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rep, ok := <-feedback:
			if !ok {
				return nil
			}
			c.handleReport(ctx, rep)
			if c.isComplete() {
				_ = c.TransitionTo(ctx, StateComplete, nil)
				c.logger.Info("🏁 target complete: every file has an accepted executor and passing tester report")
				return nil
			}
		}
	}
}

// align proposes a tree via the Coordinator's own Provider, negotiates it
// with the Structurer, posts the agreed tree, and seeds one executor
// subtask per file.
func (c *Coordinator) align(ctx context.Context) error {
	c.rateLimitDelay(ctx)

	resp, err := c.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage("Propose a minimal file tree (one path per line) that satisfies the target."),
			llm.NewUserMessage(c.target),
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindTransientExternal, "coordinator", fmt.Errorf("alignment Provider call failed: %w", err))
	}

	proposed := proto.BuildStructure(parseFileList(resp.Content))

	agreed := proposed
	if c.negotiator != nil {
		agreed, err = c.negotiator.Negotiate(ctx, c.target, proposed)
		if err != nil {
			return orcherrors.Wrap(orcherrors.KindProtocol, "coordinator", fmt.Errorf("negotiation with structurer failed: %w", err))
		}
	}

	c.dispatcher.UpdateStructure(agreed)

	c.mu.Lock()
	for _, filename := range agreed.Leaves() {
		c.files[filename] = &fileState{}
	}
	c.mu.Unlock()

	for _, filename := range agreed.Leaves() {
		st := proto.NewSubtask("", proto.RoleExecutor, filename, c.executorPrompt(filename), "")
		if err := c.dispatcher.EnqueueSubtask(st); err != nil {
			c.logger.Warn("failed to enqueue executor subtask for %s: %v", filename, err)
			continue
		}
		c.mu.Lock()
		c.files[filename].executorSubtaskID = st.ID
		c.mu.Unlock()
	}

	c.logger.Info("📐 alignment complete: %d files seeded", len(agreed.Leaves()))
	return nil
}

// handleReport implements the Assignment phase for one incoming report.
func (c *Coordinator) handleReport(ctx context.Context, rep proto.Report) {
	switch rep.Role {
	case proto.RoleExecutor:
		c.handleExecutorReport(rep)
	case proto.RoleTester:
		c.handleTesterReport(ctx, rep)
	case proto.RoleDocumenter:
		// Documenter output has no gating effect on completion; the
		// Structurer persists it like any other report.
	}
}

func (c *Coordinator) handleExecutorReport(rep proto.Report) {
	if rep.Reason != "" {
		// Binary payload or empty response: not yet a candidate for
		// tester/documenter follow-up. The Coordinator leaves the subtask
		// in code_received for an operator or a future refinement pass.
		c.logger.Warn("executor report for subtask %s carries reason %q, skipping follow-up", rep.SubtaskID, rep.Reason)
		return
	}

	filename := rep.Filename
	follow := func(role proto.Role, prompt string) {
		st := proto.NewSubtask("", role, filename, prompt, rep.SubtaskID)
		if err := c.dispatcher.EnqueueSubtask(st); err != nil {
			c.logger.Warn("failed to enqueue %s subtask for %s: %v", role, filename, err)
			return
		}
		if role == proto.RoleTester {
			c.mu.Lock()
			if fs, ok := c.files[filename]; ok {
				fs.testerSubtaskID = st.ID
			}
			c.mu.Unlock()
		}
	}
	follow(proto.RoleTester, c.testerPrompt(filename, rep.Payload))
	follow(proto.RoleDocumenter, c.documenterPrompt(filename, rep.Payload))
}

func (c *Coordinator) handleTesterReport(ctx context.Context, rep proto.Report) {
	filename := rep.Filename
	confidence := weightedConfidence(rep.Metrics, c.acceptance.Weights)

	c.mu.Lock()
	fs, ok := c.files[filename]
	execID := ""
	if ok {
		execID = fs.executorSubtaskID
	}
	c.mu.Unlock()
	if !ok || execID == "" {
		c.logger.Warn("tester report for unknown file %s, ignoring", filename)
		return
	}

	if confidence >= c.acceptance.Threshold {
		if _, err := c.dispatcher.MarkAccepted(execID); err != nil {
			c.logger.Warn("failed to mark executor subtask %s accepted: %v", execID, err)
			return
		}
		c.mu.Lock()
		fs.executorAccepted = true
		fs.testerPassed = true
		c.mu.Unlock()
		c.logger.Info("✅ %s accepted (confidence %.2f >= %.2f)", filename, confidence, c.acceptance.Threshold)
		return
	}

	refined := c.refinedExecutorPrompt(filename, confidence)
	_, requeued, err := c.dispatcher.RejectAndRequeue(execID, refined, fmt.Sprintf("tester confidence %.2f below threshold %.2f", confidence, c.acceptance.Threshold), MaxRefinements)
	if err != nil {
		c.logger.Warn("failed to reject/requeue executor subtask %s: %v", execID, err)
		return
	}
	if !requeued {
		c.logger.Warn("❌ %s failed after %d refinements", filename, MaxRefinements)
		return
	}
	c.logger.Info("🔁 %s refined (confidence %.2f < %.2f)", filename, confidence, c.acceptance.Threshold)
}

func (c *Coordinator) isComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fs := range c.files {
		if !fs.executorAccepted || !fs.testerPassed {
			return false
		}
	}
	return len(c.files) > 0
}

// rateLimitDelay waits a uniformly random delay in [minDelay,maxDelay]
// before a Provider call, per §4.2's own-rate-limiting requirement.
func (c *Coordinator) rateLimitDelay(ctx context.Context) {
	if c.maxDelay <= c.minDelay {
		return
	}
	span := c.maxDelay - c.minDelay
	delay := c.minDelay + time.Duration(rand.Int63n(int64(span))) //nolint:gosec // jitter, not security sensitive
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (c *Coordinator) heartbeat() {
	c.dispatcher.SetAgentRunState(proto.AgentRunState{
		Name:          proto.AgentCoordinator,
		Running:       true,
		LastHeartbeat: time.Now().UTC(),
	})
}

func (c *Coordinator) executorPrompt(filename string) string {
	return fmt.Sprintf("Write the complete contents of %s for target: %s", filename, c.target)
}

func (c *Coordinator) refinedExecutorPrompt(filename string, confidence float64) string {
	return fmt.Sprintf("Revise %s for target %q; the previous attempt scored %.2f against the acceptance threshold. Fix failing tests and address reported issues.", filename, c.target, confidence)
}

func (c *Coordinator) testerPrompt(filename, payload string) string {
	return fmt.Sprintf("Write and run tests for %s. File contents:\n%s", filename, payload)
}

func (c *Coordinator) documenterPrompt(filename, payload string) string {
	return fmt.Sprintf("Write documentation for %s. File contents:\n%s", filename, payload)
}

// weightedConfidence computes the weighted sum described in §4.2's
// metrics-based acceptance rule.
func weightedConfidence(metrics map[string]float64, weights map[string]float64) float64 {
	var sum float64
	for name, weight := range weights {
		sum += metrics[name] * weight
	}
	return sum
}

// parseFileList extracts non-empty, non-comment lines from a Provider's
// alignment response as candidate file paths.
func parseFileList(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
