package llm

import (
	"fmt"
	"os"
)

// ProviderBackend constructs an LLMClient for one provider, keyed by model
// name. Registered by each pkg/agent/internal/llmimpl/* package's init so
// this package never imports provider SDKs directly and stays free to
// build without every provider's credentials present.
type ProviderBackend func(apiKeyOrHost, model string) LLMClient

//nolint:gochecknoglobals // registry populated by provider package init functions
var backends = map[string]ProviderBackend{}

// RegisterBackend makes provider available to NewRoleClient. Called from
// each pkg/agent/internal/llmimpl/* package's init function.
func RegisterBackend(provider string, backend ProviderBackend) {
	backends[provider] = backend
}

// credentialEnv names the environment variable NewRoleClient reads for
// provider's credential (an API key for hosted providers, a host URL for
// a local one like ollama).
func credentialEnv(provider string) (string, error) {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY", nil
	case "openai", "openai_official":
		return "OPENAI_API_KEY", nil
	case "google":
		return "GOOGLE_API_KEY", nil
	case "ollama":
		return "OLLAMA_HOST", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
}

// NewRoleClient builds the Provider Adapter for provider/model, reading its
// credential from the environment. Anonymous import of the
// pkg/agent/internal/llmimpl/* package for provider must happen somewhere
// in the program (normally cmd/orchestratorctl's main.go) before this is
// called, or backends[provider] will be empty.
func NewRoleClient(provider, model string) (LLMClient, error) {
	backend, ok := backends[provider]
	if !ok {
		return nil, fmt.Errorf("no Provider Adapter registered for %q", provider)
	}

	envVar, err := credentialEnv(provider)
	if err != nil {
		return nil, err
	}
	cred := os.Getenv(envVar)
	if cred == "" && provider != "ollama" {
		return nil, fmt.Errorf("%s environment variable is not set", envVar)
	}
	if cred == "" {
		cred = "http://localhost:11434"
	}

	return backend(cred, model), nil
}
