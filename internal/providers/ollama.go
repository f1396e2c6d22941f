package providers

import "time"

// OllamaConfig configures a local Ollama endpoint.
type OllamaConfig struct {
	// Name is the registry key ("ollama" unless overridden).
	Name    string
	BaseURL string
	Vision  bool
	Timeout time.Duration
}

// NewOllamaProvider creates a provider for Ollama's OpenAI-compatible API.
// Ollama serves /v1/chat/completions, so the OpenAI client is reused with a
// rewritten base URL; only the capability flags differ (no per-message
// usernames).
func NewOllamaProvider(cfg OllamaConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	return NewOpenAIProvider(OpenAIConfig{
		Name:    cfg.Name,
		APIKey:  "ollama", // the endpoint ignores the key but the client requires one
		BaseURL: baseURL,
		Vision:  cfg.Vision,
		Timeout: cfg.Timeout,
	})
}
