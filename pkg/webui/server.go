// Package webui exposes the Orchestrator's operator-facing HTTP surface:
// lifecycle controls for each agent, whole/partial configuration updates,
// file content read-back, a liveness probe, and the /ws push channel.
package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orchestrator/internal/supervisor"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/git"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
)

// Server is the operator HTTP server described in spec §6.
type Server struct {
	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
	gateway    *git.Gateway
	logger     *logx.Logger

	projectDir string
	cfg        *configHolder

	metricsQuery *metrics.QueryService
}

// NewServer constructs a Server. projectDir is where update_config persists
// the configuration, matching the teacher's on-disk project layout. If
// cfg.Metrics.PrometheusURL is set, /metrics/{role} is backed by a live
// Prometheus query service; otherwise that endpoint reports disabled.
func NewServer(d *dispatch.Dispatcher, sup *supervisor.Supervisor, gateway *git.Gateway, cfg *config.OrchestratorConfig, projectDir string) *Server {
	s := &Server{
		dispatcher: d,
		supervisor: sup,
		gateway:    gateway,
		logger:     logx.NewLogger("webui"),
		projectDir: projectDir,
		cfg:        newConfigHolder(cfg),
	}
	if cfg != nil && cfg.Metrics.PrometheusURL != "" {
		q, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			s.logger.Warn("failed to start metrics query service: %v", err)
		} else {
			s.metricsQuery = q
		}
	}
	return s
}

// requireAuth wraps a handler with HTTP Basic Auth, matching the teacher's
// single-user "maestro" scheme.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := config.GetWebUIPassword()
		if expected == "" {
			s.logger.Error("WebUI password not set - denying access")
			w.Header().Set("WWW-Authenticate", `Basic realm="Orchestrator WebUI"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != "operator" || password != expected {
			w.Header().Set("WWW-Authenticate", `Basic realm="Orchestrator WebUI"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes wires every endpoint from spec §6 onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/start_ai1", s.requireAuth(s.handleStartAgent("ai1")))
	mux.HandleFunc("/stop_ai1", s.requireAuth(s.handleStopAgent("ai1")))
	mux.HandleFunc("/start_ai2", s.requireAuth(s.handleStartAgent("ai2")))
	mux.HandleFunc("/stop_ai2", s.requireAuth(s.handleStopAgent("ai2")))
	mux.HandleFunc("/start_ai3", s.requireAuth(s.handleStartAgent("ai3")))
	mux.HandleFunc("/stop_ai3", s.requireAuth(s.handleStopAgent("ai3")))

	mux.HandleFunc("/start_all", s.requireAuth(s.handleStartAll))
	mux.HandleFunc("/stop_all", s.requireAuth(s.handleStopAll))
	mux.HandleFunc("/clear", s.requireAuth(s.handleClear))
	mux.HandleFunc("/clear_repo", s.requireAuth(s.handleClearRepo))

	mux.HandleFunc("/update_config", s.requireAuth(s.handleUpdateConfig))
	mux.HandleFunc("/update_config_item", s.requireAuth(s.handleUpdateConfigItem))

	mux.HandleFunc("/file_content", s.requireAuth(s.handleFileContent))

	mux.HandleFunc("/metrics/", s.requireAuth(s.handleRoleMetrics))

	mux.HandleFunc("/ws", s.requireAuth(s.handleWS))
}

// StartServer starts the HTTP listener in a background goroutine and wires
// graceful shutdown to ctx, mirroring the teacher's StartServer lifecycle.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("🌐 starting webui server on %s", addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("webui server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("webui server shutdown failed: %v", err)
		}
	}()

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
	}
}
