package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/agent/llmerrors"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/proto"
)

type stubClient struct {
	resp llm.CompletionResponse
	err  error
}

func (s *stubClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	return s.resp, s.err
}

func (s *stubClient) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, s.err
}

func (s *stubClient) GetDefaultConfig() config.Model {
	return config.Model{Name: "stub"}
}

func noopPrompt(st proto.Subtask) []llm.CompletionMessage {
	return []llm.CompletionMessage{llm.NewUserMessage(st.Text)}
}

func noopMetrics(string) map[string]float64 { return nil }

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(&config.OrchestratorConfig{LeaseWindow: time.Second, SubscriberBufferSize: 4}, nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestStripFencesRemovesMarkdownWrapper(t *testing.T) {
	wrapped := "```go\npackage main\n```"
	assert.Equal(t, "package main", StripFences(wrapped))
}

func TestStripFencesLeavesPlainTextAlone(t *testing.T) {
	plain := "package main\n\nfunc main() {}"
	assert.Equal(t, plain, StripFences(plain))
}

func TestWorkerSubmitsSuccessfulReport(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleExecutor, "main.go", "write main.go", "")
	require.NoError(t, d.EnqueueSubtask(st))

	client := &stubClient{resp: llm.CompletionResponse{Content: "```go\npackage main\n```"}}
	w := New(proto.RoleExecutor, "executor-1", d, client, noopPrompt, noopMetrics, 0.2, 2048)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.runOnce(ctx))

	got, err := d.ClaimNext(ctx, proto.RoleExecutor, "nobody", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "subtask should have left the pending queue once claimed and reported")
}

func TestWorkerSubmitsEmptyReportOnEmptyResponse(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleTester, "x_test.go", "write tests", "")
	require.NoError(t, d.EnqueueSubtask(st))

	client := &stubClient{err: llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no content")}
	w := New(proto.RoleTester, "tester-1", d, client, noopPrompt, noopMetrics, 0.2, 2048)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.runOnce(ctx), "an empty Provider payload must not surface as a loop error")
}

func TestWorkerMarksBinaryPayload(t *testing.T) {
	d := newTestDispatcher(t)
	st := proto.NewSubtask("", proto.RoleExecutor, "logo.png", "generate image bytes", "")
	require.NoError(t, d.EnqueueSubtask(st))

	client := &stubClient{resp: llm.CompletionResponse{Binary: true}}
	w := New(proto.RoleExecutor, "executor-1", d, client, noopPrompt, noopMetrics, 0.2, 2048)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.runOnce(ctx))
}

func TestRunOnceNoWorkIsNotAnError(t *testing.T) {
	d := newTestDispatcher(t)
	client := &stubClient{}
	w := New(proto.RoleDocumenter, "doc-1", d, client, noopPrompt, noopMetrics, 0.2, 2048)

	ctx, cancel := context.WithTimeout(context.Background(), PollTimeout+time.Second)
	defer cancel()
	require.NoError(t, w.runOnce(ctx))
}
