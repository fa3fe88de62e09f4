package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"orchestrator/pkg/config"
	"orchestrator/pkg/proto"
)

// stopGrace bounds how long handleStopAgent/handleStopAll wait for an agent
// to actually exit before reporting the stop as best-effort.
const stopGrace = 5 * time.Second

// configHolder is a mutex-guarded in-memory mirror of the orchestrator
// configuration record, kept in sync with the on-disk copy that
// config.UpdateOrchestrator persists. Spec §3: "mutable at runtime via one
// endpoint; changes are persisted before acknowledging".
type configHolder struct {
	mu  sync.RWMutex
	cfg config.OrchestratorConfig
}

func newConfigHolder(cfg *config.OrchestratorConfig) *configHolder {
	h := &configHolder{}
	if cfg != nil {
		h.cfg = *cfg
	}
	return h
}

func (h *configHolder) get() config.OrchestratorConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// replace persists cfg wholesale and only updates the in-memory mirror once
// the write succeeds.
func (h *configHolder) replace(cfg config.OrchestratorConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := config.UpdateOrchestrator(&cfg); err != nil {
		return err
	}
	h.cfg = cfg
	return nil
}

// setItem applies a single named field update against the current config and
// persists the result. Only the fields the WebUI exposes for point edits are
// recognized; anything else is rejected rather than silently ignored.
func (h *configHolder) setItem(key string, raw json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := h.cfg
	switch key {
	case "target":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cfg.Target = v
	case "acceptance_threshold":
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("acceptance_threshold: %w", err)
		}
		cfg.Acceptance.Threshold = v
	case "lease_window":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("lease_window: %w", err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("lease_window: %w", err)
		}
		cfg.LeaseWindow = d
	case "subscriber_buffer_size":
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("subscriber_buffer_size: %w", err)
		}
		cfg.SubscriberBufferSize = v
	default:
		return fmt.Errorf("unknown config item %q", key)
	}

	if err := config.UpdateOrchestrator(&cfg); err != nil {
		return err
	}
	h.cfg = cfg
	return nil
}

// agentGroup resolves an operator-facing group name ("ai1"/"ai2"/"ai3") to
// the agent(s) it controls. ai2 fans out to every worker-pool role per
// spec §6's "ai2 controls all three worker roles".
func agentGroup(group string) ([]proto.AgentName, error) {
	switch group {
	case "ai1":
		return []proto.AgentName{proto.AgentCoordinator}, nil
	case "ai2":
		return []proto.AgentName{proto.AgentExecutor, proto.AgentTester, proto.AgentDocumenter}, nil
	case "ai3":
		return []proto.AgentName{proto.AgentStructurer}, nil
	default:
		return nil, fmt.Errorf("unknown agent group %q", group)
	}
}

// handleStartAgent builds a handler that restarts every agent in group.
func (s *Server) handleStartAgent(group string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := agentGroup(group)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, name := range names {
			if err := s.supervisor.Restart(name); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started", "group": group})
	}
}

// handleStopAgent builds a handler that stops every agent in group.
func (s *Server) handleStopAgent(group string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := agentGroup(group)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, name := range names {
			s.supervisor.Stop(name, stopGrace)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "group": group})
	}
}

// handleStartAll restarts every tracked agent.
func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	for _, name := range proto.AllAgentNames {
		if err := s.supervisor.Restart(name); err != nil {
			s.logger.Warn("start_all: %s: %v", name, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// handleStopAll stops every tracked agent, waiting up to stopGrace in total.
func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.supervisor.StopAll(stopGrace)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleClear empties the subtask ledger and work queues, letting the
// operator restart a pipeline run without restarting the process.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleClearRepo discards every uncommitted change in the target
// repository's working tree, rolling it back to its last commit.
func (s *Server) handleClearRepo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.gateway.Reset(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "repo_cleared"})
}

// handleUpdateConfig replaces the whole orchestrator configuration record.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var cfg config.OrchestratorConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.cfg.replace(cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// maxConfigBodyBytes bounds an /update_config or /update_config_item body.
const maxConfigBodyBytes = 1 << 20

// updateConfigItemRequest is the wire shape of a single-field config edit.
type updateConfigItemRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// handleUpdateConfigItem applies one named field update.
func (s *Server) handleUpdateConfigItem(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req updateConfigItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.cfg.setItem(req.Key, req.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "key": req.Key})
}

// handleFileContent returns the content of a file in the target repository,
// or the binary sentinel for non-UTF8 files.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path query parameter", http.StatusBadRequest)
		return
	}
	content, err := s.gateway.Read(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

// handleRoleMetrics returns aggregate Provider Adapter call metrics for the
// role named in the path (/metrics/executor, /metrics/tester, ...), sourced
// from the Prometheus series pkg/agent/llm's metrics middleware records.
func (s *Server) handleRoleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsQuery == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metrics query service not configured"})
		return
	}
	role := strings.TrimPrefix(r.URL.Path, "/metrics/")
	if role == "" {
		http.Error(w, "missing role in path", http.StatusBadRequest)
		return
	}
	roleMetrics, err := s.metricsQuery.GetRoleMetrics(r.Context(), role)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, roleMetrics)
}

// handleHealth is the liveness probe. It never requires auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.dispatcher.AgentRunStates(),
	})
}
