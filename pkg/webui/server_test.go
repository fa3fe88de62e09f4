package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/supervisor"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/git"
	"orchestrator/pkg/proto"
)

const testPassword = "topsecret"

func newTestRepo(t *testing.T) *git.Gateway {
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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return git.NewGateway(dir)
}

func newTestServer(t *testing.T) (*Server, *dispatch.Dispatcher, *supervisor.Supervisor) {
	t.Helper()

	t.Setenv("GITHUB_TOKEN", "ghp_test123456789")
	require.NoError(t, config.LoadConfig(t.TempDir()))
	config.SetProjectPassword(testPassword)
	t.Cleanup(config.ClearProjectPassword)

	dcfg := &config.OrchestratorConfig{LeaseWindow: time.Second, SubscriberBufferSize: 4}
	d := dispatch.New(dcfg, nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup := supervisor.New(ctx, d, supervisor.DefaultBackoffPolicy())
	for _, name := range proto.AllAgentNames {
		sup.Start(name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		sup.Stop(name, time.Second)
	}

	gw := newTestRepo(t)
	s := NewServer(d, sup, gw, dcfg, t.TempDir())
	return s, d, sup
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func TestHealthRequiresNoAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedEndpointRejectsMissingAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/start_ai1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartAndStopAgentGroup(t *testing.T) {
	s, d, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/start_ai2", nil)
	req.SetBasicAuth("operator", testPassword)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		states := d.AgentRunStates()
		return states[proto.AgentExecutor].Running && states[proto.AgentTester].Running && states[proto.AgentDocumenter].Running
	}, time.Second, 5*time.Millisecond)

	req = httptest.NewRequest(http.MethodPost, "/stop_ai2", nil)
	req.SetBasicAuth("operator", testPassword)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		states := d.AgentRunStates()
		return !states[proto.AgentExecutor].Running && !states[proto.AgentTester].Running && !states[proto.AgentDocumenter].Running
	}, time.Second, 5*time.Millisecond)
}

func TestClearRepoResetsWorkingTree(t *testing.T) {
	s, _, _ := newTestServer(t)
	require.NoError(t, s.gateway.Write("scratch.txt", "uncommitted"))

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPost, "/clear_repo", nil)
	req.SetBasicAuth("operator", testPassword)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := s.gateway.Read("scratch.txt")
	assert.Error(t, err, "uncommitted file must be gone after reset")
}

func TestUpdateConfigPersistsAndUpdatesHolder(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	payload, err := json.Marshal(config.OrchestratorConfig{Target: "build a thing"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/update_config", bytesReader(payload))
	req.SetBasicAuth("operator", testPassword)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "build a thing", s.cfg.get().Target)
}

func TestUpdateConfigItemRejectsUnknownKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	payload, err := json.Marshal(updateConfigItemRequest{Key: "not_a_real_field", Value: json.RawMessage(`"x"`)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/update_config_item", bytesReader(payload))
	req.SetBasicAuth("operator", testPassword)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileContentReadsCommittedFile(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/file_content?path=main.go", nil)
	req.SetBasicAuth("operator", testPassword)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "package main")
}
