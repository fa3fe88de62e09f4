package google

import "orchestrator/pkg/agent/llm"

func init() {
	llm.RegisterBackend("google", func(apiKey, model string) llm.LLMClient {
		return NewGeminiClientWithModel(apiKey, model)
	})
}
