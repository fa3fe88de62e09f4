package anthropic

import "orchestrator/pkg/agent/llm"

func init() {
	llm.RegisterBackend("anthropic", func(apiKey, model string) llm.LLMClient {
		return NewClaudeClientWithModel(apiKey, model)
	})
}
