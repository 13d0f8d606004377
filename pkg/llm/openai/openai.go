// Package openai provides an OpenAI-compatible LLM provider implementation.
//
// Example usage:
//
//	provider, err := openai.NewProvider(
//	    os.Getenv("OPENAI_API_KEY"),
//	    openai.WithModel("gpt-4o"),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	resp, err := provider.Chat(ctx, []*llm.Message{llm.NewUserMessage("Hello!")}, llm.ChatOptions{})
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/entrhq/pagepilot/pkg/llm"
	"github.com/entrhq/pagepilot/pkg/llm/parser"
	"github.com/entrhq/pagepilot/pkg/logging"
	"github.com/openai/openai-go"
)

var llmLog *logging.Logger

func init() {
	var err error
	llmLog, err = logging.NewLogger("llm")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize llm logger, using stderr fallback: %v\n", err)
	}
}

const (
	// DefaultBaseURL is the default OpenAI API base URL
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o"
)

// Provider implements llm.Provider for OpenAI-compatible APIs.
type Provider struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

// ProviderOption is a function that configures a Provider.
type ProviderOption func(*Provider)

// WithModel sets the model to use for completions.
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
// This enables using Azure OpenAI, local models, or other compatible services.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client, mostly for tests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// NewProvider creates a new OpenAI provider with the given API key.
//
// If apiKey is empty, it will attempt to read from the OPENAI_API_KEY environment variable.
// If baseURL is not provided via WithBaseURL option, it will check OPENAI_BASE_URL environment variable.
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	p := &Provider{
		model:      DefaultModel,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			p.baseURL = strings.TrimRight(envBaseURL, "/")
		}
	}
	return p, nil
}

// GetModel returns the model name being used.
func (p *Provider) GetModel() string {
	return p.model
}

// GetBaseURL returns the base URL being used.
func (p *Provider) GetBaseURL() string {
	return p.baseURL
}

// Chat sends messages and accumulates the streamed response.
func (p *Provider) Chat(ctx context.Context, messages []*llm.Message, opts llm.ChatOptions) (*llm.ChatResponse, error) {
	stream, err := p.StreamCompletion(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	resp, err := llm.Collect(stream)
	if err != nil {
		return nil, err
	}
	llmLog.Debugf("completion: %d chars, %d tool calls", len(resp.Content), len(resp.ToolCalls))
	return resp, nil
}

// StreamCompletion sends messages to the API and streams back response chunks.
//
// The channel is closed when streaming completes or an error occurs. Raw
// SSE handling keeps compatibility with servers that send comments or
// slightly different framing.
func (p *Provider) StreamCompletion(ctx context.Context, messages []*llm.Message, opts llm.ChatOptions) (<-chan *llm.StreamChunk, error) {
	resp, err := p.sendStreamRequest(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.StreamChunk, 10)
	go p.processStreamResponse(ctx, resp, chunks)
	return chunks, nil
}

// sendStreamRequest creates and sends the HTTP request for streaming
func (p *Provider) sendStreamRequest(ctx context.Context, messages []*llm.Message, opts llm.ChatOptions) (*http.Response, error) {
	reqBody := map[string]interface{}{
		"model":          p.model,
		"messages":       convertToOpenAIMessages(messages),
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	}
	if len(opts.Tools) > 0 {
		reqBody["tools"] = opts.Tools
		if opts.ToolChoice != "" {
			reqBody["tool_choice"] = opts.ToolChoice
		}
	}
	if opts.Temperature != nil {
		reqBody["temperature"] = *opts.Temperature
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("API request failed with status %d (failed to read error body: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Role      string          `json:"role"`
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// streamState carries what accumulates across SSE events.
type streamState struct {
	role      string
	thinking  *parser.ThinkingParser
	toolCalls map[int]*llm.ToolCall
	usage     *llm.Usage
}

// processStreamResponse processes the SSE stream and sends chunks to the channel
func (p *Provider) processStreamResponse(ctx context.Context, resp *http.Response, chunks chan<- *llm.StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	st := &streamState{
		thinking:  parser.NewThinkingParser(),
		toolCalls: make(map[int]*llm.ToolCall),
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !isValidSSELine(line) {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			p.finish(ctx, st, chunks)
			return
		}
		if !p.processSSEChunk(ctx, data, st, chunks) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, chunks, &llm.StreamChunk{Error: fmt.Errorf("stream read error: %w", err)})
		return
	}
	p.finish(ctx, st, chunks)
}

// isValidSSELine checks if a line is a valid SSE data line
func isValidSSELine(line string) bool {
	return line != "" && !strings.HasPrefix(line, ":") && strings.HasPrefix(line, "data:")
}

// processSSEChunk handles one data event. It returns false once the
// consumer is gone.
func (p *Provider) processSSEChunk(ctx context.Context, data string, st *streamState, chunks chan<- *llm.StreamChunk) bool {
	var chunk sseChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		llmLog.Debugf("skipping malformed SSE chunk: %v", err)
		return true
	}
	if chunk.Usage != nil {
		st.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return true
	}

	delta := chunk.Choices[0].Delta
	if st.role == "" && delta.Role != "" {
		st.role = delta.Role
	}
	for _, tc := range delta.ToolCalls {
		acc, ok := st.toolCalls[tc.Index]
		if !ok {
			acc = &llm.ToolCall{}
			st.toolCalls[tc.Index] = acc
		}
		if tc.ID != "" {
			acc.ID = tc.ID
		}
		acc.Function.Name += tc.Function.Name
		acc.Function.Arguments += tc.Function.Arguments
	}

	if delta.Content == "" {
		return true
	}
	thinkingChunk, messageChunk := st.thinking.Parse(delta.Content)
	return p.sendParsed(ctx, st.role, thinkingChunk, messageChunk, chunks)
}

// finish flushes buffered text and emits the final chunk with tool calls
// and usage.
func (p *Provider) finish(ctx context.Context, st *streamState, chunks chan<- *llm.StreamChunk) {
	thinkingChunk, messageChunk := st.thinking.Flush()
	if !p.sendParsed(ctx, st.role, thinkingChunk, messageChunk, chunks) {
		return
	}
	send(ctx, chunks, &llm.StreamChunk{
		Role:      st.role,
		ToolCalls: st.orderedToolCalls(),
		Usage:     st.usage,
		Finished:  true,
	})
}

func (p *Provider) sendParsed(ctx context.Context, role string, thinkingChunk, messageChunk *llm.StreamChunk, chunks chan<- *llm.StreamChunk) bool {
	for _, c := range []*llm.StreamChunk{thinkingChunk, messageChunk} {
		if c == nil {
			continue
		}
		c.Role = role
		if !send(ctx, chunks, c) {
			return false
		}
	}
	return true
}

func (st *streamState) orderedToolCalls() []llm.ToolCall {
	if len(st.toolCalls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(st.toolCalls))
	for i := range st.toolCalls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *st.toolCalls[i])
	}
	return out
}

// send delivers a chunk unless the context ends first.
func send(ctx context.Context, chunks chan<- *llm.StreamChunk, chunk *llm.StreamChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		select {
		case chunks <- &llm.StreamChunk{Error: ctx.Err()}:
		default:
		}
		return false
	}
}

// convertToOpenAIMessages converts our Message format to OpenAI's ChatCompletionMessageParamUnion format.
func convertToOpenAIMessages(messages []*llm.Message) []openai.ChatCompletionMessageParamUnion {
	openaiMessages := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			openaiMessages = append(openaiMessages, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			openaiMessages = append(openaiMessages, openai.AssistantMessage(msg.Content))
		default:
			openaiMessages = append(openaiMessages, openai.UserMessage(msg.Content))
		}
	}
	return openaiMessages
}
