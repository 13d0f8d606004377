package config

import (
	"fmt"
	"os"

	"github.com/entrhq/pagepilot/pkg/llm/openai"
)

// BuildProvider resolves the LLM endpoint with the precedence
// CLI flags > environment > config file > defaultModel.
func BuildProvider(cliModel, cliBaseURL, cliAPIKey, defaultModel string) (*openai.Provider, error) {
	model := cliModel
	baseURL := cliBaseURL
	apiKey := cliAPIKey

	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	if file := GetLLM(); file != nil {
		// A flag left at its default does not override the file.
		if cliModel == "" || cliModel == defaultModel {
			if m := file.GetModel(); m != "" {
				model = m
			}
		}
		if baseURL == "" {
			baseURL = file.GetBaseURL()
		}
		if apiKey == "" {
			apiKey = file.GetAPIKey()
		}
	}

	if model == "" {
		model = defaultModel
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required. Set OPENAI_API_KEY, pass --api-key, or set llm.api_key in ~/.pagepilot/config.json")
	}

	opts := []openai.ProviderOption{openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	provider, err := openai.NewProvider(apiKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	return provider, nil
}
