// Command orchestratorctl starts the multi-agent orchestrator: a Coordinator,
// a pool of Executor/Tester/Documenter workers, and a Structurer, all wired
// to a shared Dispatcher and supervised for automatic restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/term"

	"orchestrator/internal/supervisor"
	"orchestrator/pkg/agent/llm"
	_ "orchestrator/pkg/agent/providers"
	"orchestrator/pkg/agent/resilience"
	"orchestrator/pkg/config"
	"orchestrator/pkg/coordinator"
	"orchestrator/pkg/dispatch"
	"orchestrator/pkg/git"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/proto"
	"orchestrator/pkg/structurer"
	"orchestrator/pkg/webui"
	"orchestrator/pkg/worker"
)

// executorPoolSize/testerPoolSize/documenterPoolSize mirror the teacher's
// maxCoders default of 2: enough parallelism to keep the pipeline from
// stalling on a single slow LLM call, without spending a rate-limited
// model's connection budget on idle workers.
const (
	executorPoolSize   = 2
	testerPoolSize     = 1
	documenterPoolSize = 1
)

func main() {
	var projectDir string
	var target string
	var uiAddr string
	var liveMode bool
	flag.StringVar(&projectDir, "projectdir", "", "Project directory containing the target git repository")
	flag.StringVar(&target, "target", "", "Natural-language description of what to build")
	flag.StringVar(&uiAddr, "ui-addr", ":8080", "Address for the web UI and WebSocket server")
	flag.BoolVar(&liveMode, "live", true, "Use live Provider Adapter calls")
	flag.Parse()

	if projectDir == "" {
		log.Fatalf("Project directory must be specified with -projectdir flag")
	}

	if err := config.LoadConfig(projectDir); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("failed to get config: %v", err)
	}
	if target != "" {
		cfg.Orchestrator.Target = target
	}
	if cfg.Orchestrator.Target == "" {
		log.Fatalf("no target set; pass -target or configure it via the web UI")
	}

	logger := logx.NewLogger("orchestratorctl")

	maestroDir := filepath.Join(projectDir, config.ProjectConfigDir)
	if err := os.MkdirAll(maestroDir, 0o755); err != nil {
		log.Fatalf("failed to create %s: %v", maestroDir, err)
	}
	dbPath := filepath.Join(maestroDir, config.DatabaseFilename)
	sessionID := fmt.Sprintf("session-%d", os.Getpid())
	if err := persistence.Initialize(dbPath, sessionID); err != nil {
		log.Fatalf("failed to initialize audit database: %v", err)
	}
	defer func() {
		if err := persistence.Close(); err != nil {
			logger.Error("failed to close audit database: %v", err)
		}
	}()
	if err := persistence.CreateSession(persistence.GetDB(), sessionID, time.Now()); err != nil {
		logger.Warn("failed to record session start: %v", err)
	}
	recorder := persistence.NewRecorder(persistence.Ops(), logx.NewLogger("persistence"))
	defer recorder.Close()

	d := dispatch.New(cfg.Orchestrator, logger)
	d.SetAuditRecorder(recorder)
	d.Start(context.Background())
	defer d.Stop()

	gateway := git.NewGateway(projectDir)
	gateway.SetAuditRecorder(recorder)

	sup := supervisor.New(context.Background(), d, supervisor.DefaultBackoffPolicy())

	startAgents(sup, d, gateway, cfg.Orchestrator, liveMode)

	srv := webui.NewServer(d, sup, gateway, cfg.Orchestrator, projectDir)
	webCtx, cancelWeb := context.WithCancel(context.Background())
	defer cancelWeb()
	go func() {
		if err := srv.StartServer(webCtx, uiAddr); err != nil {
			logger.Error("web UI server error: %v", err)
		}
	}()
	logger.Info("web UI listening on %s", uiAddr)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if err := openBrowser("http://localhost" + uiAddr); err != nil {
			logger.Warn("failed to open browser: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)

	sup.StopAll(config.GracefulShutdownTimeoutSec * time.Second)
	cancelWeb()
	if err := persistence.EndSession(persistence.GetDB(), sessionID, time.Now()); err != nil {
		logger.Warn("failed to record session end: %v", err)
	}
	logger.Info("shutdown complete")
}

// startAgents builds each role's Provider Adapter client and registers the
// Coordinator, worker pools, and Structurer with the supervisor.
func startAgents(sup *supervisor.Supervisor, d *dispatch.Dispatcher, gateway *git.Gateway, cfg *config.OrchestratorConfig, live bool) {
	roleClient := func(name string, roleCfg config.RoleAgentConfig) llm.LLMClient {
		client, err := llm.NewRoleClient(roleCfg.Provider, roleCfg.Model)
		if err != nil {
			log.Fatalf("failed to build %s Provider Adapter: %v", name, err)
		}
		retryCfg := resilience.DefaultRetryConfig
		if roleCfg.MinRetryDelay > 0 {
			retryCfg.InitialDelay = roleCfg.MinRetryDelay
		}
		if roleCfg.MaxRetryDelay > 0 {
			retryCfg.MaxDelay = roleCfg.MaxRetryDelay
		}
		retrying := resilience.NewRetryableClientWithLogger(client, retryCfg, logx.NewLogger(name+"-retry"))
		return llm.Chain(retrying, llm.WithMetrics(name))
	}
	_ = live // live mode always uses real Provider Adapters; kept for CLI parity with the teacher's -live flag

	structurerClient := roleClient("structurer", cfg.Roles.Structurer)
	strucr := structurer.New(gateway, structurerClient, d, cfg.Roles.Structurer)
	sup.Start(proto.AgentStructurer, strucr.Run)

	coordClient := roleClient("coordinator", cfg.Roles.Coordinator)
	coord := coordinator.New(cfg.Target, d, coordClient, strucr, cfg.Acceptance, cfg.Roles.Coordinator)
	sup.Start(proto.AgentCoordinator, coord.Run)

	startWorkerPool(sup, d, proto.AgentExecutor, proto.RoleExecutor, executorPoolSize, roleClient("executor", cfg.Roles.Executor), cfg.Roles.Executor, worker.TextPrompt, worker.ParseMetrics)
	startWorkerPool(sup, d, proto.AgentTester, proto.RoleTester, testerPoolSize, roleClient("tester", cfg.Roles.Tester), cfg.Roles.Tester, worker.TextPrompt, worker.ParseMetrics)
	startWorkerPool(sup, d, proto.AgentDocumenter, proto.RoleDocumenter, documenterPoolSize, roleClient("documenter", cfg.Roles.Documenter), cfg.Roles.Documenter, worker.TextPrompt, worker.NoMetrics)
}

// startWorkerPool registers poolSize Worker instances of role under a shared
// supervisor name prefix. Each Worker.Run never returns an error, so it's
// wrapped to satisfy supervisor.RunFunc.
func startWorkerPool(sup *supervisor.Supervisor, d *dispatch.Dispatcher, agentName proto.AgentName, role proto.Role, poolSize int, client llm.LLMClient, roleCfg config.RoleAgentConfig, buildPrompt worker.PromptBuilder, extractMetrics worker.MetricsExtractor) {
	for i := 0; i < poolSize; i++ {
		workerID := fmt.Sprintf("%s-%02d", role, i+1)
		w := worker.New(role, workerID, d, client, buildPrompt, extractMetrics, float32(roleCfg.Temperature), roleCfg.MaxTokens)
		name := proto.AgentName(fmt.Sprintf("%s-%02d", agentName, i+1))
		sup.Start(name, func(ctx context.Context) error {
			w.Run(ctx)
			return ctx.Err()
		})
	}
}

// openBrowser opens the default browser to url, mirroring the teacher's
// -ui convenience on desktop platforms.
func openBrowser(url string) error {
	var cmd string
	var args []string
	switch runtime.GOOS {
	case "windows":
		cmd, args = "cmd", []string{"/c", "start", url}
	case "darwin":
		cmd, args = "open", []string{url}
	default:
		cmd, args = "xdg-open", []string{url}
	}
	return exec.Command(cmd, args...).Start()
}
