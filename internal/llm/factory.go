package llm

import (
	"fmt"

	"github.com/lumenchat/lumen/internal/config"
)

// NewProvider creates the configured default provider, wrapped with
// automatic retry for rate limits and transient errors.
func NewProvider(cfg *config.Config) (Provider, error) {
	return NewProviderByName(cfg, cfg.Provider)
}

// NewProviderByName creates a provider by name from the config.
func NewProviderByName(cfg *config.Config, name string) (Provider, error) {
	provider, err := createProvider(cfg, name)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, DefaultRetryConfig()), nil
}

func createProvider(cfg *config.Config, name string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	case "gemini":
		return NewGeminiProvider(cfg.Gemini.APIKey, cfg.Gemini.Model)
	case "ollama":
		return NewOpenAICompatProvider(cfg.Ollama.APIKey, cfg.Ollama.Model, cfg.Ollama.BaseURL, "Ollama")
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}
