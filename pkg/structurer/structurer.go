// Package structurer implements the Structurer Agent: the sole writer to
// the target repository's working tree, and the Coordinator's counterpart
// during Alignment's tree-negotiation round.
package structurer

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/git"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/proto"
)

// Structurer negotiates the initial file tree with the Coordinator and then
// persists every report the Orchestrator forwards to it, via the Repository
// Gateway, for the lifetime of the run.
type Structurer struct {
	gateway *git.Gateway
	client  llm.LLMClient
	d       *dispatch.Dispatcher
	logger  *logx.Logger

	minDelay    time.Duration
	maxDelay    time.Duration
	temperature float32
	maxTokens   int

	mu      sync.Mutex
	revised bool // Negotiate has already counter-proposed once this run
}

// New constructs a Structurer writing into the repository gateway g.
func New(g *git.Gateway, client llm.LLMClient, d *dispatch.Dispatcher, roleCfg config.RoleAgentConfig) *Structurer {
	return &Structurer{
		gateway:     g,
		client:      client,
		d:           d,
		logger:      logx.NewLogger("structurer"),
		minDelay:    roleCfg.MinRetryDelay,
		maxDelay:    roleCfg.MaxRetryDelay,
		temperature: float32(roleCfg.Temperature),
		maxTokens:   roleCfg.MaxTokens,
	}
}

// Negotiate implements coordinator.Negotiator. On the Structurer's own
// Provider's disagreement with the Coordinator's proposal, it counter-
// proposes exactly once; a second round of disagreement, or any call after
// the first, defers to the Coordinator's tree verbatim (spec §4.5:
// "Structurer may revise once; further disagreements are resolved by
// taking Coordinator's tree verbatim").
func (s *Structurer) Negotiate(ctx context.Context, target string, proposed *proto.StructureNode) (*proto.StructureNode, error) {
	s.mu.Lock()
	alreadyRevised := s.revised
	s.mu.Unlock()
	if alreadyRevised {
		return proposed, nil
	}

	s.rateLimitDelay(ctx)

	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage("Review the proposed file tree for target. If it is adequate, reply with the single word OK. " +
				"Otherwise reply with a revised file tree, one path per line."),
			llm.NewUserMessage(fmt.Sprintf("Target: %s\n\nProposed tree:\n%s", target, strings.Join(proposed.Leaves(), "\n"))),
		},
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})

	s.mu.Lock()
	s.revised = true
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("structurer review call failed, accepting coordinator's tree: %v", err)
		return proposed, nil
	}

	if strings.TrimSpace(strings.ToUpper(resp.Content)) == "OK" {
		return proposed, nil
	}

	revised := parseFileList(resp.Content)
	if len(revised) == 0 {
		return proposed, nil
	}
	s.logger.Info("🌳 structurer counter-proposed a revised tree (%d files)", len(revised))
	return proto.BuildStructure(revised), nil
}

// Run drives the persistence loop: every report forwarded to the
// Structurer's feedback channel is written to disk, committed, and the
// resulting tree is republished as the live structure snapshot.
func (s *Structurer) Run(ctx context.Context) error {
	feedback := s.d.StructurerFeedback()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rep, ok := <-feedback:
			if !ok {
				return nil
			}
			s.persist(ctx, rep)
		}
	}
}

// persist implements one iteration of the write → commit → enumerate →
// UpdateStructure loop described in spec §4.5. A failure to write or
// commit resets the working tree rather than leaving a half-applied change
// and is logged; it does not stop the loop, since later reports for other
// files must still be processed.
func (s *Structurer) persist(ctx context.Context, rep proto.Report) {
	if rep.Reason != "" {
		s.logger.Warn("report for %s carries reason %q, nothing to persist", rep.Filename, rep.Reason)
		return
	}

	if err := s.gateway.Write(rep.Filename, rep.Payload); err != nil {
		s.logger.Error("failed to write %s: %v", rep.Filename, err)
		if resetErr := s.gateway.Reset(ctx); resetErr != nil {
			s.logger.Error("failed to reset working tree after write failure: %v", resetErr)
		}
		return
	}

	msg := fmt.Sprintf("%s: %s", rep.Role, rep.Filename)
	if _, err := s.gateway.Commit(ctx, msg); err != nil {
		s.logger.Error("failed to commit %s: %v", rep.Filename, err)
		if resetErr := s.gateway.Reset(ctx); resetErr != nil {
			s.logger.Error("failed to reset working tree after commit failure: %v", resetErr)
		}
		return
	}

	tree, err := s.gateway.Tree()
	if err != nil {
		s.logger.Error("failed to enumerate working tree: %v", err)
		return
	}
	s.d.UpdateStructure(tree)
}

func (s *Structurer) rateLimitDelay(ctx context.Context) {
	if s.maxDelay <= s.minDelay {
		return
	}
	span := s.maxDelay - s.minDelay
	delay := s.minDelay + time.Duration(rand.Int63n(int64(span))) //nolint:gosec // jitter, not security sensitive
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// parseFileList extracts non-empty, non-comment lines as candidate file paths.
func parseFileList(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line == "" || strings.HasPrefix(line, "#") || strings.EqualFold(line, "OK") {
			continue
		}
		out = append(out, line)
	}
	return out
}
