package llm

import (
	"chatline/chatline/config"
	"fmt"
)

// NewFromConfig builds the generator for the configured provider.
func NewFromConfig(cfg config.Config) (*Generator, error) {
	var runner Runner
	switch cfg.LLMProvider {
	case "", "ollama":
		runner = NewOllamaClient(cfg.OllamaURL)
	case "openai":
		c, err := NewOpenAICompatibleClient(cfg.OpenAIAPIKey, cfg.LLMBaseURL)
		if err != nil {
			return nil, err
		}
		runner = c
	case "groq":
		baseURL := cfg.LLMBaseURL
		if baseURL == "" {
			baseURL = GroqBaseURL
		}
		c, err := NewOpenAICompatibleClient(cfg.GroqAPIKey, baseURL)
		if err != nil {
			return nil, err
		}
		runner = c
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
	return NewGenerator(runner, cfg.LLMModel, cfg.GenerationTimeout), nil
}
