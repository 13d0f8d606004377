// Package llm provides abstractions for LLM provider integration.
//
// Example usage:
//
//	provider, err := openai.NewProvider(
//	    os.Getenv("OPENAI_API_KEY"),
//	    openai.WithModel("gpt-4o"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := provider.Chat(ctx, []*llm.Message{
//	    llm.NewSystemMessage(automation.ToolSpecText()),
//	    llm.NewUserMessage("Goal: open the pricing page"),
//	}, llm.ChatOptions{})
package llm

import (
	"context"

	"github.com/openai/openai-go"
)

// MessageRole is the author of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one chat message sent to or received from the model.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// ChatOptions tune a single completion request.
type ChatOptions struct {
	// Tools enables native function calling. When empty the model is
	// expected to answer with JSON text.
	Tools []openai.ChatCompletionToolParam
	// ToolChoice is passed through as "auto", "none" or "required".
	ToolChoice string
	// Temperature is sent only when non-nil.
	Temperature *float64
}

// FunctionCall is the name and raw JSON arguments of a native tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one function call returned by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// Usage reports token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the accumulated result of a completion.
type ChatResponse struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
	Usage     *Usage
}

// ContentType distinguishes reasoning from answer text in a stream.
type ContentType string

const (
	ContentTypeMessage  ContentType = "message"
	ContentTypeThinking ContentType = "thinking"
)

// StreamChunk is one piece of a streamed completion.
type StreamChunk struct {
	Role      string
	Content   string
	Type      ContentType
	ToolCalls []ToolCall
	Usage     *Usage
	Finished  bool
	Error     error
}

// IsError reports whether the chunk carries a stream error.
func (c *StreamChunk) IsError() bool {
	return c != nil && c.Error != nil
}

// IsThinking reports whether the chunk is reasoning content.
func (c *StreamChunk) IsThinking() bool {
	return c != nil && c.Type == ContentTypeThinking
}

// Provider defines the interface for LLM integrations.
//
// Providers handle API communication only. The orchestrator owns the prompt,
// the conversation and the conversion of responses into tool calls.
type Provider interface {
	// Chat sends messages and returns the complete response.
	Chat(ctx context.Context, messages []*Message, opts ChatOptions) (*ChatResponse, error)

	// GetModel returns the model name being used.
	GetModel() string
}

// Streamer is implemented by providers that can stream partial output.
type Streamer interface {
	StreamCompletion(ctx context.Context, messages []*Message, opts ChatOptions) (<-chan *StreamChunk, error)
}

// Collect drains a stream into a ChatResponse. Thinking content is kept apart
// from the answer; tool calls from later chunks replace earlier ones.
func Collect(stream <-chan *StreamChunk) (*ChatResponse, error) {
	resp := &ChatResponse{}
	var firstErr error
	for chunk := range stream {
		if chunk.IsError() {
			if firstErr == nil {
				firstErr = chunk.Error
			}
			continue
		}
		if chunk.IsThinking() {
			resp.Thinking += chunk.Content
		} else {
			resp.Content += chunk.Content
		}
		if len(chunk.ToolCalls) > 0 {
			resp.ToolCalls = chunk.ToolCalls
		}
		if chunk.Usage != nil {
			resp.Usage = chunk.Usage
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return resp, nil
}
