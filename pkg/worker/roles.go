package worker

import (
	"strconv"
	"strings"

	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/proto"
)

// TextPrompt sends a Subtask's Text verbatim as the only user message. The
// Coordinator renders the full role-specific prompt (executorPrompt,
// testerPrompt, documenterPrompt) when it creates the Subtask, so a Worker
// of any role needs nothing role-specific here.
func TextPrompt(st proto.Subtask) []llm.CompletionMessage {
	return []llm.CompletionMessage{llm.NewUserMessage(st.Text)}
}

// ParseMetrics reads "key: value" lines from payload's trailing summary
// block into a metrics map, for the Tester role's acceptance weights
// (tests_passed, lint_clean, doc_coverage, ...). Lines that aren't a
// recognized "name: float" pair are ignored — a Tester's payload is mostly
// prose plus code, not a structured document, so this only extracts what it
// can rather than requiring a strict format.
func ParseMetrics(payload string) map[string]float64 {
	metrics := make(map[string]float64)
	for _, line := range strings.Split(payload, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		metrics[name] = f
	}
	return metrics
}

// NoMetrics is the MetricsExtractor for roles whose reports are never
// weighed against an acceptance threshold (Documenter).
func NoMetrics(string) map[string]float64 { return nil }
