// Package providers blank-imports every pkg/agent/internal/llmimpl/* package
// so their init functions register with pkg/agent/llm's backend registry.
// cmd/orchestratorctl imports this package (rather than the internal ones
// directly, which Go's internal-package visibility rule forbids from outside
// pkg/agent) purely for that side effect.
package providers

import (
	_ "orchestrator/pkg/agent/internal/llmimpl/anthropic"
	_ "orchestrator/pkg/agent/internal/llmimpl/google"
	_ "orchestrator/pkg/agent/internal/llmimpl/ollama"
	_ "orchestrator/pkg/agent/internal/llmimpl/openai"
)
