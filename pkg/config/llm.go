package config

import (
	"fmt"
	"sync"
)

const (
	// SectionIDLLM is the identifier for the LLM settings section
	SectionIDLLM = "llm"
)

// LLMSection holds the chat-completions endpoint used to plan tool calls.
type LLMSection struct {
	Model       string
	BaseURL     string
	APIKey      string
	NativeTools bool
	mu          sync.RWMutex
}

// NewLLMSection creates an empty LLM section; empty values defer to the
// environment and built-in defaults.
func NewLLMSection() *LLMSection {
	return &LLMSection{}
}

func (s *LLMSection) ID() string { return SectionIDLLM }

func (s *LLMSection) Title() string { return "LLM Settings" }

func (s *LLMSection) Description() string {
	return "OpenAI-compatible endpoint used to decide the next tool call. native_tools offers the tool catalog as function definitions."
}

// Data returns the current configuration data.
func (s *LLMSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"model":        s.Model,
		"base_url":     s.BaseURL,
		"api_key":      s.APIKey,
		"native_tools": s.NativeTools,
	}
}

// SetData updates the configuration from the provided data.
func (s *LLMSection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if model, ok := data["model"].(string); ok {
		s.Model = model
	}
	if baseURL, ok := data["base_url"].(string); ok {
		s.BaseURL = baseURL
	}
	if apiKey, ok := data["api_key"].(string); ok {
		s.APIKey = apiKey
	}
	if v, present := data["native_tools"]; present {
		native, ok := v.(bool)
		if !ok {
			return fmt.Errorf("invalid value type for native_tools: expected bool, got %T", v)
		}
		s.NativeTools = native
	}
	return nil
}

// Validate always passes; a missing key is reported by BuildProvider.
func (s *LLMSection) Validate() error {
	return nil
}

// Reset resets the section to default configuration.
func (s *LLMSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Model = ""
	s.BaseURL = ""
	s.APIKey = ""
	s.NativeTools = false
}

// GetModel returns the configured model name.
func (s *LLMSection) GetModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Model
}

// GetBaseURL returns the configured base URL.
func (s *LLMSection) GetBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.BaseURL
}

// GetAPIKey returns the configured API key.
func (s *LLMSection) GetAPIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.APIKey
}

// UseNativeTools reports whether function calling is enabled.
func (s *LLMSection) UseNativeTools() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NativeTools
}
