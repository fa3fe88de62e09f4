package structurer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/pkg/agent/llm"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/git"
	"orchestrator/pkg/proto"
)

type stubClient struct {
	content string
	err     error
}

func (s *stubClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	return llm.CompletionResponse{Content: s.content}, s.err
}

func (s *stubClient) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (s *stubClient) GetDefaultConfig() config.Model { return config.Model{} }

func newGitRepo(t *testing.T) *git.Gateway {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitkeep"), []byte(""), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return git.NewGateway(dir)
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

func TestNegotiateAcceptsOKVerbatim(t *testing.T) {
	g := newGitRepo(t)
	d := newTestDispatcher(t)
	s := New(g, &stubClient{content: "OK"}, d, config.RoleAgentConfig{})

	proposed := proto.BuildStructure([]string{"main.go"})
	got, err := s.Negotiate(context.Background(), "target", proposed)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go"}, got.Leaves())
}

func TestNegotiateCounterProposesOnce(t *testing.T) {
	g := newGitRepo(t)
	d := newTestDispatcher(t)
	s := New(g, &stubClient{content: "main.go\nutil.go\n"}, d, config.RoleAgentConfig{})

	proposed := proto.BuildStructure([]string{"main.go"})
	got, err := s.Negotiate(context.Background(), "target", proposed)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", "util.go"}, got.Leaves())

	// Second call this run defers to the caller's tree verbatim.
	second, err := s.Negotiate(context.Background(), "target", proposed)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go"}, second.Leaves())
}

func TestPersistWritesCommitsAndUpdatesStructure(t *testing.T) {
	g := newGitRepo(t)
	d := newTestDispatcher(t)
	s := New(g, &stubClient{}, d, config.RoleAgentConfig{})

	s.persist(context.Background(), proto.Report{
		Filename: "main.go",
		Role:     proto.RoleExecutor,
		Payload:  "package main\n",
	})

	content, err := g.Read("main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", content)

	tree := d.Structure()
	require.NotNil(t, tree)
	assert.Contains(t, tree.Leaves(), "main.go")
}

func TestPersistSkipsReportsWithReason(t *testing.T) {
	g := newGitRepo(t)
	d := newTestDispatcher(t)
	s := New(g, &stubClient{}, d, config.RoleAgentConfig{})

	s.persist(context.Background(), proto.Report{
		Filename: "main.go",
		Role:     proto.RoleExecutor,
		Reason:   "EmptyResponse",
	})

	_, err := g.Read("main.go")
	assert.Error(t, err, "no file should have been written")
}
