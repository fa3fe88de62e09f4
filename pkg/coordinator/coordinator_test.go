package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/proto"
)

type stubClient struct {
	content string
}

func (s *stubClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	return llm.CompletionResponse{Content: s.content}, nil
}

func (s *stubClient) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (s *stubClient) GetDefaultConfig() config.Model { return config.Model{} }

// passthroughNegotiator accepts the Coordinator's proposal verbatim.
type passthroughNegotiator struct{}

func (passthroughNegotiator) Negotiate(_ context.Context, _ string, proposed *proto.StructureNode) (*proto.StructureNode, error) {
	return proposed, nil
}

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

func testAcceptance() config.AcceptanceConfig {
	return config.AcceptanceConfig{
		Weights:   map[string]float64{"tests_passed": 1.0},
		Threshold: 0.75,
	}
}

func TestAlignSeedsOneExecutorSubtaskPerFile(t *testing.T) {
	d := newTestDispatcher(t)
	client := &stubClient{content: "main.go\nutil.go\n"}
	c := New("build a thing", d, client, passthroughNegotiator{}, testAcceptance(), config.RoleAgentConfig{})

	require.NoError(t, c.align(context.Background()))

	assert.Len(t, c.files, 2)
	assert.Contains(t, c.files, "main.go")
	assert.Contains(t, c.files, "util.go")

	for _, fs := range c.files {
		assert.NotEmpty(t, fs.executorSubtaskID)
	}

	tree := d.Structure()
	require.NotNil(t, tree)
	assert.ElementsMatch(t, []string{"main.go", "util.go"}, tree.Leaves())
}

func TestHandleExecutorReportEnqueuesTesterAndDocumenter(t *testing.T) {
	d := newTestDispatcher(t)
	c := New("target", d, &stubClient{}, passthroughNegotiator{}, testAcceptance(), config.RoleAgentConfig{})
	c.files["main.go"] = &fileState{executorSubtaskID: "exec-1"}

	c.handleExecutorReport(proto.Report{
		SubtaskID: "exec-1",
		Filename:  "main.go",
		Role:      proto.RoleExecutor,
		Payload:   "package main",
	})

	assert.Equal(t, 1, d.GetStats().Queues[proto.RoleTester].Pending)
	assert.NotEmpty(t, c.files["main.go"].testerSubtaskID)
}

func TestHandleTesterReportAcceptsAboveThreshold(t *testing.T) {
	d := newTestDispatcher(t)
	c := New("target", d, &stubClient{}, passthroughNegotiator{}, testAcceptance(), config.RoleAgentConfig{})

	execSt := proto.NewSubtask("exec-1", proto.RoleExecutor, "main.go", "package main", "")
	require.NoError(t, d.EnqueueSubtask(execSt))
	_, err := d.ClaimNext(context.Background(), proto.RoleExecutor, "w1", time.Second)
	require.NoError(t, err)
	_, err = d.SubmitReport(proto.Report{SubtaskID: "exec-1", Role: proto.RoleExecutor, Filename: "main.go", Payload: "package main"})
	require.NoError(t, err)

	c.files["main.go"] = &fileState{executorSubtaskID: "exec-1"}

	c.handleTesterReport(context.Background(), proto.Report{
		SubtaskID: "test-1",
		Filename:  "main.go",
		Role:      proto.RoleTester,
		Metrics:   map[string]float64{"tests_passed": 1.0},
	})

	assert.True(t, c.files["main.go"].executorAccepted)
	assert.True(t, c.files["main.go"].testerPassed)
}

func TestHandleTesterReportRejectsBelowThreshold(t *testing.T) {
	d := newTestDispatcher(t)
	c := New("target", d, &stubClient{}, passthroughNegotiator{}, testAcceptance(), config.RoleAgentConfig{})

	execSt := proto.NewSubtask("exec-1", proto.RoleExecutor, "main.go", "package main", "")
	require.NoError(t, d.EnqueueSubtask(execSt))
	_, err := d.ClaimNext(context.Background(), proto.RoleExecutor, "w1", time.Second)
	require.NoError(t, err)
	_, err = d.SubmitReport(proto.Report{SubtaskID: "exec-1", Role: proto.RoleExecutor, Filename: "main.go", Payload: "package main"})
	require.NoError(t, err)

	c.files["main.go"] = &fileState{executorSubtaskID: "exec-1"}

	c.handleTesterReport(context.Background(), proto.Report{
		SubtaskID: "test-1",
		Filename:  "main.go",
		Role:      proto.RoleTester,
		Metrics:   map[string]float64{"tests_passed": 0.1},
	})

	assert.False(t, c.files["main.go"].executorAccepted)

	assert.Equal(t, 1, d.GetStats().Queues[proto.RoleExecutor].Pending, "rejected report requeues the executor subtask")
}

func TestIsCompleteRequiresEveryFileAcceptedAndTested(t *testing.T) {
	d := newTestDispatcher(t)
	c := New("target", d, &stubClient{}, passthroughNegotiator{}, testAcceptance(), config.RoleAgentConfig{})

	c.files["a.go"] = &fileState{executorAccepted: true, testerPassed: true}
	assert.True(t, c.isComplete())

	c.files["b.go"] = &fileState{executorAccepted: true, testerPassed: false}
	assert.False(t, c.isComplete())
}

func TestWeightedConfidence(t *testing.T) {
	weights := map[string]float64{"tests_passed": 0.6, "coverage": 0.4}
	metrics := map[string]float64{"tests_passed": 1.0, "coverage": 0.5}
	assert.InDelta(t, 0.8, weightedConfidence(metrics, weights), 0.0001)
}

func TestParseFileList(t *testing.T) {
	got := parseFileList("- main.go\n* util.go\n\n# a comment\nREADME.md\n")
	assert.Equal(t, []string{"main.go", "util.go", "README.md"}, got)
}
