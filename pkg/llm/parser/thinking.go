// Package parser separates <thinking> reasoning from answer text in streamed
// model output.
package parser

import (
	"strings"

	"github.com/entrhq/pagepilot/pkg/llm"
)

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// ThinkingParser splits streamed content on <thinking> tags. Tags may span
// chunk boundaries, so a partial tag is held back until it can be decided.
type ThinkingParser struct {
	pending    strings.Builder // text after a '<' that may still become a tag
	inThinking bool
}

// NewThinkingParser creates a new thinking parser.
func NewThinkingParser() *ThinkingParser {
	return &ThinkingParser{}
}

// Parse consumes one content delta and returns what can be emitted so far.
// Either chunk may be nil.
func (p *ThinkingParser) Parse(content string) (thinkingChunk, messageChunk *llm.StreamChunk) {
	var out splitter
	for _, ch := range content {
		if p.pending.Len() == 0 {
			if ch == '<' {
				p.pending.WriteRune(ch)
				continue
			}
			out.add(p.inThinking, string(ch))
			continue
		}

		if ch == '<' {
			// The held text was not a tag.
			out.add(p.inThinking, p.pending.String())
			p.pending.Reset()
			p.pending.WriteRune(ch)
			continue
		}

		p.pending.WriteRune(ch)
		held := p.pending.String()
		switch {
		case held == openTag:
			p.inThinking = true
			p.pending.Reset()
		case held == closeTag:
			p.inThinking = false
			p.pending.Reset()
		case ch == '>' || !couldBeTag(held):
			out.add(p.inThinking, held)
			p.pending.Reset()
		}
	}
	return out.chunks()
}

// Flush returns held-back text. Call it when the stream ends.
func (p *ThinkingParser) Flush() (thinkingChunk, messageChunk *llm.StreamChunk) {
	var out splitter
	if p.pending.Len() > 0 {
		out.add(p.inThinking, p.pending.String())
		p.pending.Reset()
	}
	return out.chunks()
}

// IsInThinking returns true if currently parsing thinking content.
func (p *ThinkingParser) IsInThinking() bool {
	return p.inThinking
}

// Reset resets the parser state for a new stream.
func (p *ThinkingParser) Reset() {
	p.pending.Reset()
	p.inThinking = false
}

func couldBeTag(s string) bool {
	return strings.HasPrefix(openTag, s) || strings.HasPrefix(closeTag, s)
}

type splitter struct {
	thinking strings.Builder
	message  strings.Builder
}

func (s *splitter) add(thinking bool, text string) {
	if thinking {
		s.thinking.WriteString(text)
		return
	}
	s.message.WriteString(text)
}

func (s *splitter) chunks() (thinkingChunk, messageChunk *llm.StreamChunk) {
	if s.thinking.Len() > 0 {
		thinkingChunk = &llm.StreamChunk{Content: s.thinking.String(), Type: llm.ContentTypeThinking}
	}
	if s.message.Len() > 0 {
		messageChunk = &llm.StreamChunk{Content: s.message.String(), Type: llm.ContentTypeMessage}
	}
	return thinkingChunk, messageChunk
}
