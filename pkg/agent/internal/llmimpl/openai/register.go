package openai

import "orchestrator/pkg/agent/llm"

func init() {
	llm.RegisterBackend("openai", func(apiKey, model string) llm.LLMClient {
		return NewClientWithModel(apiKey, model)
	})
	llm.RegisterBackend("openai_official", func(apiKey, model string) llm.LLMClient {
		return NewClientWithModel(apiKey, model)
	})
}
