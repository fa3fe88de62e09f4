// Package config provides configuration loading, validation, and management for the orchestrator.
//
// ARCHITECTURE OVERVIEW:
//
// This package owns exactly one persisted record: the orchestrator's
// Configuration record (spec §3) — the target description, per-role model
// selection and retry bounds, acceptance weights, and lease/buffer tuning.
// Everything else (build state, run history, audit events) belongs in the
// persistence database, never here.
//
// KEY PRINCIPLES:
//
//  1. SCHEMA VERSIONING: All config changes MUST increment SchemaVersion to prevent breaking changes.
//
//  2. GLOBAL SINGLETON: A single global Config instance is maintained in memory, protected by
//     mutex for thread safety.
//
//  3. ATOMIC UPDATES: Configuration changes happen atomically via UpdateOrchestrator, with
//     validation and automatic persistence. This prevents partial updates and ensures consistency.
//
//  4. VALUE-BASED ACCESS: GetConfig() returns the config BY VALUE (copy, not reference) to
//     prevent external mutation. All updates MUST go through UpdateOrchestrator.
//
//  5. VALIDATION FIRST: All config updates are validated before persistence. Invalid configs
//     are rejected to maintain system integrity.
//
// USAGE PATTERNS:
//
//	// Load config from file (usually done once at startup)
//	err := config.LoadConfig(projectDir)
//
//	// Access config (always by value)
//	cfg, err := config.GetConfig()
//
//	// Update the orchestrator record atomically with validation
//	err := config.UpdateOrchestrator(&newOrchestratorConfig)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes - it defines where all
// maestro files are stored relative to the project root.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string // Immutable after LoadConfig - set once at startup
	mu         sync.RWMutex
)

// Model represents an LLM model with its capabilities and limits.
type Model struct {
	Name           string  `json:"name"`            // e.g. "claude-sonnet-4-20250514"
	MaxTPM         int     `json:"max_tpm"`         // tokens per minute
	MaxConnections int     `json:"max_connections"` // max concurrent connections
	CPM            float64 `json:"cpm"`             // cost per million tokens (USD)
	DailyBudget    float64 `json:"daily_budget"`    // max spend per day (USD)
}

// ModelDefaults defines default parameters for all supported models.
//
//nolint:gochecknoglobals // Intentional global for model definitions
var ModelDefaults = map[string]Model{
	ModelClaudeSonnet3: {
		Name:           ModelClaudeSonnet3,
		MaxTPM:         300000,
		MaxConnections: 5,
		CPM:            3.0,
		DailyBudget:    10.0,
	},
	ModelClaudeSonnet4: {
		Name:           ModelClaudeSonnet4,
		MaxTPM:         3000000,
		MaxConnections: 5,
		CPM:            3.0,
		DailyBudget:    10.0,
	},
	ModelOpenAIO3Mini: {
		Name:           ModelOpenAIO3Mini,
		MaxTPM:         100000,
		MaxConnections: 3,
		CPM:            0.6,
		DailyBudget:    5.0,
	},
	ModelOpenAIO3: {
		Name:           ModelOpenAIO3,
		MaxTPM:         100000,
		MaxConnections: 3,
		CPM:            0.6,
		DailyBudget:    5.0,
	},
	ModelGPT5: {
		Name:           ModelGPT5,
		MaxTPM:         150000, // Higher limits for GPT-5
		MaxConnections: 5,      // More connections
		CPM:            30.0,   // Premium pricing for GPT-5
		DailyBudget:    100.0,  // Higher budget
	},
}

// ModelProviders maps each model to its API provider for middleware configuration.
// This mapping is immutable and not user-configurable.
//
//nolint:gochecknoglobals // Intentional global for model-to-provider mapping
var ModelProviders = map[string]string{
	ModelClaudeSonnet3: ProviderAnthropic,
	ModelClaudeSonnet4: ProviderAnthropic,
	ModelOpenAIO3:      ProviderOpenAI,
	ModelOpenAIO3Mini:  ProviderOpenAIOfficial,
	ModelGPT5:          ProviderOpenAIOfficial,
}

// IsModelSupported checks if we have defaults for this model.
func IsModelSupported(modelName string) bool {
	_, exists := ModelDefaults[modelName]
	return exists
}

// GetModelProvider returns the API provider for a given model.
func GetModelProvider(modelName string) (string, error) {
	provider, exists := ModelProviders[modelName]
	if !exists {
		return "", fmt.Errorf("unknown model: %s", modelName)
	}
	return provider, nil
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`        // Whether metrics collection is enabled
	Exporter      string `json:"exporter"`       // Metrics exporter type ("prometheus", "noop")
	Namespace     string `json:"namespace"`      // Metrics namespace for grouping
	PrometheusURL string `json:"prometheus_url"` // Prometheus server URL for querying metrics
}

// All constants bundled together for easy maintenance.
const (
	// System behavior constants - these control orchestrator behavior and should not be user-configurable.

	// Shutdown behavior.
	GracefulShutdownTimeoutSec = 30 // How long to wait for graceful shutdown before force-kill

	// Model name constants.
	ModelClaudeSonnet4      = "claude-sonnet-4-20250514"
	ModelClaudeSonnet3      = "claude-3-7-sonnet-20250219"
	ModelClaudeSonnetLatest = ModelClaudeSonnet4
	ModelOpenAIO3           = "o3"
	ModelOpenAIO3Mini       = "o3-mini"
	ModelGPT5               = "gpt-5"

	// Default per-role model tiers: a stronger reasoning model for the
	// Coordinator's planning work, a cheaper model for the Worker roles.
	DefaultPlanningModel = ModelOpenAIO3Mini
	DefaultWorkerModel   = ModelClaudeSonnet4

	// Project config constants.
	ProjectConfigFilename = "config.json"
	ProjectConfigDir      = ".maestro"
	DatabaseFilename      = "maestro.db"
	SchemaVersion         = "1.0"

	// Provider constants for middleware rate limiting.
	ProviderAnthropic      = "anthropic"
	ProviderOpenAI         = "openai"
	ProviderOpenAIOfficial = "openai_official"
	ProviderGoogle         = "google"
	ProviderOllama         = "ollama"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// Orchestrator runtime defaults (Configuration record, §3).
	DefaultPerRequestTimeout    = 90 * time.Second
	DefaultSubscriberBufferSize = 32
	DefaultAcceptanceThreshold  = 0.75
	DefaultTemperature          = 0.2
	DefaultMaxTokens            = 8192
)

// OrchestratorConfig is the Configuration record described in spec §3: the
// one persisted, runtime-mutable record the orchestrator carries. It
// deliberately holds nothing about build targets, containers, or git
// remotes — none of that exists in this system.
type OrchestratorConfig struct {
	Models []Model `json:"models"` // Available LLM models with rate limits and budgets

	// Target is the natural-language project description the Coordinator
	// scopes subtasks against. Set once at pipeline start via /update_config.
	Target string `json:"target,omitempty"`

	// Roles carries per-role (coordinator, executor, tester, documenter,
	// structurer) model selection and retry bounds.
	Roles RolesConfig `json:"roles"`

	// Acceptance carries the Coordinator's weighted metric thresholds used
	// to decide whether a Report satisfies a Subtask.
	Acceptance AcceptanceConfig `json:"acceptance"`

	// LeaseWindow bounds how long a Subtask may sit claimed before the
	// Orchestrator's reaper re-enqueues it to pending (Claim-then-crash law).
	// Default is 2x PerRequestTimeout per role when zero.
	LeaseWindow time.Duration `json:"lease_window"`

	// SubscriberBufferSize bounds the per-subscriber delta backlog before a
	// slow WebUI subscriber is coalesced onto a fresh full-status snapshot.
	SubscriberBufferSize int `json:"subscriber_buffer_size"`

	// Metrics configures the Prometheus query service backing the WebUI's
	// per-role metrics endpoint. PrometheusURL empty disables the endpoint.
	Metrics MetricsConfig `json:"metrics"`
}

// RoleAgentConfig is the per-role slice of the Configuration record: which
// model/provider to call, at what temperature, under what token cap, and
// within what retry delay bounds.
type RoleAgentConfig struct {
	Model             string        `json:"model"`               // must match a Model.Name
	Provider          string        `json:"provider"`            // must match a ModelProviders entry
	Temperature       float64       `json:"temperature"`         // sampling temperature passed to the Provider Adapter
	MaxTokens         int           `json:"max_tokens"`          // token cap enforced before a Provider call
	MinRetryDelay     time.Duration `json:"min_retry_delay"`     // lower bound for backoff between Provider retries
	MaxRetryDelay     time.Duration `json:"max_retry_delay"`     // upper bound for backoff between Provider retries
	PerRequestTimeout time.Duration `json:"per_request_timeout"` // timeout for a single Provider call
}

// RolesConfig groups the five long-lived agent roles' configuration.
type RolesConfig struct {
	Coordinator RoleAgentConfig `json:"coordinator"`
	Executor    RoleAgentConfig `json:"executor"`
	Tester      RoleAgentConfig `json:"tester"`
	Documenter  RoleAgentConfig `json:"documenter"`
	Structurer  RoleAgentConfig `json:"structurer"`
}

// AcceptanceConfig carries the Coordinator's per-role metric weights and the
// combined threshold a Report's Metrics must clear to be accepted.
type AcceptanceConfig struct {
	// Weights maps a metric name (e.g. "tests_passed", "lint_clean",
	// "doc_coverage") to its contribution toward the weighted sum.
	Weights map[string]float64 `json:"weights"`
	// Threshold is the minimum weighted sum for Mark-accepted to fire.
	Threshold float64 `json:"threshold"`
}

// Config is the top-level persisted document at .maestro/config.json.
// Schema versioning prevents breaking changes - increment SchemaVersion for any structural changes.
type Config struct {
	SchemaVersion string `json:"schema_version"` // MUST increment for breaking changes

	// Orchestrator carries the entire Configuration record (spec §3): LLM
	// models, per-role retry bounds, acceptance weights, lease/buffer tuning.
	Orchestrator *OrchestratorConfig `json:"orchestrator"`
}

// GetProjectMaestroDir returns the path to the .maestro directory containing all maestro files.
// Must call LoadConfig first to initialize projectDir.
func GetProjectMaestroDir() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return filepath.Join(projectDir, ProjectConfigDir), nil
}

// GetProjectDir returns the current project directory.
// Must call LoadConfig first to initialize projectDir.
func GetProjectDir() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return projectDir, nil
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// This prevents external mutation - all updates must go through UpdateOrchestrator.
// Must call LoadConfig first to initialize the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	// Return by value (copy) to prevent external mutation
	return *config, nil
}

// LoadConfig loads the entire configuration from <projectDir>/.maestro/config.json into
// the global singleton. This is a simple unmarshal operation of the complete Config struct.
//
// Behavior:
// - Missing file: Creates new config with defaults and saves it
// - Existing file: Loads and validates, applying defaults for missing fields
// - Unparseable file: Returns error to avoid overwriting user changes
//
// This should typically be called once at application startup.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Store project directory - immutable after this point
	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Missing file - create new config with defaults
		config = createDefaultConfig()

		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}

		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		return nil
	}

	// File exists - try to load it
	loadedConfig, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	applyDefaults(loadedConfig)
	if err := validateConfig(loadedConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = loadedConfig
	return nil
}

// UpdateOrchestrator atomically replaces the orchestrator configuration
// record (models, target, roles, acceptance weights, lease window) and
// persists to disk, backing the WebUI's /update_config endpoint.
func UpdateOrchestrator(o *OrchestratorConfig) error {
	mu.Lock()
	defer mu.Unlock()

	old := config.Orchestrator
	config.Orchestrator = o
	if err := saveConfigLocked(); err != nil {
		config.Orchestrator = old
		return err
	}
	return nil
}

// loadConfigFromFile loads a config file and parses JSON.
func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}

	return &cfg, nil
}

// SaveConfig saves cfg to <projectDir>/.maestro/config.json.
func SaveConfig(cfg *Config, projectDir string) error {
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a new config with sensible defaults.
func createDefaultConfig() *Config {
	defaultModels := make([]Model, 0, len(ModelDefaults))
	for name := range ModelDefaults {
		defaultModels = append(defaultModels, ModelDefaults[name])
	}

	return &Config{
		SchemaVersion: SchemaVersion,
		Orchestrator: &OrchestratorConfig{
			Models:               defaultModels,
			LeaseWindow:          2 * DefaultPerRequestTimeout,
			SubscriberBufferSize: DefaultSubscriberBufferSize,
			Roles: RolesConfig{
				Coordinator: defaultRoleAgentConfig(DefaultPlanningModel),
				Executor:    defaultRoleAgentConfig(DefaultWorkerModel),
				Tester:      defaultRoleAgentConfig(DefaultWorkerModel),
				Documenter:  defaultRoleAgentConfig(DefaultWorkerModel),
				Structurer:  defaultRoleAgentConfig(DefaultWorkerModel),
			},
			Acceptance: AcceptanceConfig{
				Weights: map[string]float64{
					"tests_passed": 0.6,
					"lint_clean":   0.2,
					"doc_coverage": 0.2,
				},
				Threshold: DefaultAcceptanceThreshold,
			},
		},
	}
}

// defaultRoleAgentConfig builds a RoleAgentConfig for modelName using that
// model's provider and the system-wide retry/timeout constants.
func defaultRoleAgentConfig(modelName string) RoleAgentConfig {
	provider, _ := GetModelProvider(modelName)
	return RoleAgentConfig{
		Model:             modelName,
		Provider:          provider,
		Temperature:       DefaultTemperature,
		MaxTokens:         DefaultMaxTokens,
		MinRetryDelay:     100 * time.Millisecond,
		MaxRetryDelay:     10 * time.Second,
		PerRequestTimeout: DefaultPerRequestTimeout,
	}
}

// saveConfigLocked saves config to disk using the stored project directory.
// Must be called with mutex locked.
func saveConfigLocked() error {
	if projectDir == "" {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Orchestrator == nil {
		cfg.Orchestrator = &OrchestratorConfig{}
	}

	if len(cfg.Orchestrator.Models) == 0 {
		defaultModels := make([]Model, 0, len(ModelDefaults))
		for name := range ModelDefaults {
			defaultModels = append(defaultModels, ModelDefaults[name])
		}
		cfg.Orchestrator.Models = defaultModels
	}

	if cfg.Orchestrator.SubscriberBufferSize == 0 {
		cfg.Orchestrator.SubscriberBufferSize = DefaultSubscriberBufferSize
	}
	if cfg.Orchestrator.LeaseWindow == 0 {
		cfg.Orchestrator.LeaseWindow = 2 * DefaultPerRequestTimeout
	}
	if cfg.Orchestrator.Acceptance.Threshold == 0 {
		cfg.Orchestrator.Acceptance.Threshold = DefaultAcceptanceThreshold
	}
}

// validateConfig validates the orchestrator configuration record.
func validateConfig(cfg *Config) error {
	if cfg.Orchestrator == nil || len(cfg.Orchestrator.Models) == 0 {
		return fmt.Errorf("no models configured in orchestrator section")
	}

	for i := range cfg.Orchestrator.Models {
		model := &cfg.Orchestrator.Models[i]
		if model.Name == "" {
			return fmt.Errorf("model[%d]: name is required", i)
		}
		if model.MaxTPM <= 0 {
			return fmt.Errorf("model %s: max_tpm must be positive", model.Name)
		}
		if model.MaxConnections <= 0 {
			return fmt.Errorf("model %s: max_connections must be positive", model.Name)
		}
		if model.CPM < 0 {
			return fmt.Errorf("model %s: cpm cannot be negative", model.Name)
		}
		if model.DailyBudget < 0 {
			return fmt.Errorf("model %s: daily_budget cannot be negative", model.Name)
		}
	}

	return nil
}

// GetAPIKey returns the API key for a given provider from environment variables.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI, ProviderOpenAIOfficial:
		envVar = EnvOpenAIAPIKey // Both use the same API key
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key := os.Getenv(envVar)
	if key == "" {
		return "", fmt.Errorf("API key not found: %s environment variable is not set", envVar)
	}
	return key, nil
}
