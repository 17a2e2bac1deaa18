package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/heisenworks/applyos/internal/adapters/llm"
	"github.com/heisenworks/applyos/internal/core/domain"
)

// Build creates the reasoning-service provider from app configuration.
// It hides local/remote selection from callers.
func Build(config *domain.AppConfig) (domain.LLMProvider, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}

	mode := strings.ToLower(strings.TrimSpace(config.LLM.Mode))
	switch mode {
	case "", "local":
		baseURL := strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
		if baseURL == "" {
			baseURL = strings.TrimSpace(config.LLM.LocalURL)
		}
		baseURL = normalizeOllamaBaseURL(baseURL)
		return llm.NewOllamaProvider(baseURL, strings.TrimSpace(config.LLM.DefaultModel)), nil
	case "remote":
		if strings.TrimSpace(config.LLM.RemoteURL) == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		return llm.NewOpenAIProvider(
			strings.TrimSpace(config.LLM.RemoteURL),
			strings.TrimSpace(config.LLM.APIKey),
			strings.TrimSpace(config.LLM.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", config.LLM.Mode)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}
