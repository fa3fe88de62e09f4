package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"orchestrator/pkg/proto"
)

func TestTextPromptUsesSubtaskText(t *testing.T) {
	st := proto.NewSubtask("", proto.RoleExecutor, "main.go", "write main.go", "")
	msgs := TextPrompt(*st)
	require := assert.New(t)
	require.Len(msgs, 1)
	require.Equal("write main.go", msgs[0].Content)
}

func TestParseMetricsExtractsKnownPairs(t *testing.T) {
	payload := "func main() {}\n\ntests_passed: 0.9\nlint_clean: 1\nnotes: looks fine\n"
	metrics := ParseMetrics(payload)
	assert.Equal(t, 0.9, metrics["tests_passed"])
	assert.Equal(t, 1.0, metrics["lint_clean"])
	_, ok := metrics["notes"]
	assert.False(t, ok)
}

func TestParseMetricsIgnoresUnparsableLines(t *testing.T) {
	metrics := ParseMetrics("no colon here\nkey: not-a-number\n")
	assert.Empty(t, metrics)
}

func TestNoMetricsAlwaysNil(t *testing.T) {
	assert.Nil(t, NoMetrics("anything: 1.0"))
}
