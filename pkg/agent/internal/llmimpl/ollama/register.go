package ollama

import "orchestrator/pkg/agent/llm"

func init() {
	llm.RegisterBackend("ollama", func(hostURL, model string) llm.LLMClient {
		return NewOllamaClientWithModel(hostURL, model)
	})
}
