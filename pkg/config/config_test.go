package config

import (
	"os"
	"path/filepath"
	"testing"
)

func resetGlobalConfig() {
	mu.Lock()
	defer mu.Unlock()
	config = nil
	projectDir = ""
}

func TestLoadConfigCreatesDefaultsWhenMissing(t *testing.T) {
	resetGlobalConfig()
	tmpDir := t.TempDir()

	if err := LoadConfig(tmpDir); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	configPath := filepath.Join(tmpDir, ProjectConfigDir, ProjectConfigFilename)
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file at %s: %v", configPath, err)
	}

	cfg, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if cfg.Orchestrator == nil {
		t.Fatal("expected a default orchestrator config")
	}
	if len(cfg.Orchestrator.Models) == 0 {
		t.Error("expected default models to be populated")
	}
	if cfg.Orchestrator.Roles.Coordinator.Model != DefaultPlanningModel {
		t.Errorf("expected coordinator default model %s, got %s", DefaultPlanningModel, cfg.Orchestrator.Roles.Coordinator.Model)
	}
	if cfg.Orchestrator.Roles.Executor.Model != DefaultWorkerModel {
		t.Errorf("expected executor default model %s, got %s", DefaultWorkerModel, cfg.Orchestrator.Roles.Executor.Model)
	}
	if cfg.Orchestrator.Acceptance.Threshold != DefaultAcceptanceThreshold {
		t.Errorf("expected default acceptance threshold %v, got %v", DefaultAcceptanceThreshold, cfg.Orchestrator.Acceptance.Threshold)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	resetGlobalConfig()
	tmpDir := t.TempDir()

	if err := LoadConfig(tmpDir); err != nil {
		t.Fatalf("initial LoadConfig failed: %v", err)
	}

	cfg, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	cfg.Orchestrator.Target = "build a thing"
	if err := UpdateOrchestrator(cfg.Orchestrator); err != nil {
		t.Fatalf("UpdateOrchestrator failed: %v", err)
	}

	resetGlobalConfig()
	if err := LoadConfig(tmpDir); err != nil {
		t.Fatalf("reload LoadConfig failed: %v", err)
	}
	reloaded, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig after reload failed: %v", err)
	}
	if reloaded.Orchestrator.Target != "build a thing" {
		t.Errorf("expected persisted target %q, got %q", "build a thing", reloaded.Orchestrator.Target)
	}
}

func TestUpdateOrchestratorRejectsInvalidConfig(t *testing.T) {
	resetGlobalConfig()
	tmpDir := t.TempDir()
	if err := LoadConfig(tmpDir); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	before, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}

	err = UpdateOrchestrator(&OrchestratorConfig{})
	if err == nil {
		t.Fatal("expected UpdateOrchestrator to reject a config with no models")
	}

	after, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if len(after.Orchestrator.Models) != len(before.Orchestrator.Models) {
		t.Error("expected config to be left unchanged after a rejected update")
	}
}

func TestIsModelSupported(t *testing.T) {
	if !IsModelSupported(ModelClaudeSonnet4) {
		t.Errorf("expected %s to be supported", ModelClaudeSonnet4)
	}
	if IsModelSupported("not-a-real-model") {
		t.Error("expected unknown model to be unsupported")
	}
}

func TestGetModelProvider(t *testing.T) {
	provider, err := GetModelProvider(ModelClaudeSonnet4)
	if err != nil {
		t.Fatalf("GetModelProvider failed: %v", err)
	}
	if provider != ProviderAnthropic {
		t.Errorf("expected provider %s, got %s", ProviderAnthropic, provider)
	}

	if _, err := GetModelProvider("not-a-real-model"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestGetAPIKeyReadsEnv(t *testing.T) {
	t.Setenv(EnvAnthropicAPIKey, "sk-ant-test")

	key, err := GetAPIKey(ProviderAnthropic)
	if err != nil {
		t.Fatalf("GetAPIKey failed: %v", err)
	}
	if key != "sk-ant-test" {
		t.Errorf("expected sk-ant-test, got %s", key)
	}

	if _, err := GetAPIKey("not-a-real-provider"); err == nil {
		t.Error("expected error for unknown provider")
	}
}
