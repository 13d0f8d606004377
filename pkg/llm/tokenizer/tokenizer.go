// Package tokenizer estimates prompt sizes with tiktoken so the orchestrator
// can report context usage per model request.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/entrhq/pagepilot/pkg/llm"
)

// DefaultEncoding is used when the model has no registered encoding.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead approximates the role and separator tokens the chat
// format adds around every message.
const perMessageOverhead = 4

// Tokenizer counts tokens for one encoding. A nil *Tokenizer falls back to a
// four-characters-per-token estimate.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New returns a tokenizer for the default encoding.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", DefaultEncoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// ForModel returns a tokenizer matching model, or the default encoding when
// the model is unknown to tiktoken.
func ForModel(model string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return New()
	}
	return &Tokenizer{enc: enc}, nil
}

// CountTokens returns the token count of text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if t == nil || t.enc == nil {
		return Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessagesTokens returns the token count of a chat request.
func (t *Tokenizer) CountMessagesTokens(messages []*llm.Message) int {
	total := 0
	for _, m := range messages {
		if m == nil {
			continue
		}
		total += perMessageOverhead + t.CountTokens(string(m.Role)) + t.CountTokens(m.Content)
	}
	if total > 0 {
		total += 3 // assistant reply priming
	}
	return total
}

// Estimate approximates tokens as one per four characters, rounding up.
func Estimate(text string) int {
	return (len(text) + 3) / 4
}
