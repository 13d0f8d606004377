package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/llm"
)

const (
	initialTextLimit = 4000
	extraContextMax  = 4000
	lastResultMax    = 2000

	confirmationTitle   = "Confirmation required"
	defaultConfirmation = "This action may be risky. Continue?"
)

// pageContext is what the initial observations learned about the page.
type pageContext struct {
	url   string
	title string
	text  string
}

// buildSystemPrompt assembles the tool specification and the page context
// for one decision.
func buildSystemPrompt(page pageContext, extra string, last *automation.ToolResult) string {
	parts := []string{automation.ToolSpecText()}
	if page.url != "" || page.title != "" {
		parts = append(parts, fmt.Sprintf("CurrentPage: %s (%s)", page.title, page.url))
	}
	if extra != "" {
		parts = append(parts, "AdditionalContext:\n"+clipRunes(extra, extraContextMax))
	}
	if page.text != "" {
		parts = append(parts, "VisibleTextSnippet:\n"+page.text)
	}
	if last != nil {
		parts = append(parts, "LastToolResult:\n"+clipRunes(resultForPrompt(*last), lastResultMax))
	}
	return strings.Join(parts, "\n\n")
}

func decisionMessages(page pageContext, extra, goal string, last *automation.ToolResult) []*llm.Message {
	return []*llm.Message{
		llm.NewSystemMessage(buildSystemPrompt(page, extra, last)),
		llm.NewUserMessage(fmt.Sprintf("Goal: %s\nReturn the next JSON tool call or a final answer.", goal)),
	}
}

func jsonRepairMessages(previous string) []*llm.Message {
	return []*llm.Message{
		llm.NewSystemMessage(automation.ToolSpecText()),
		llm.NewUserMessage("Your previous output was not valid JSON. Output ONLY one JSON object now.\nPrevious:\n" + previous),
	}
}

func callRepairMessages(reason string, previous map[string]any) []*llm.Message {
	return []*llm.Message{
		llm.NewSystemMessage(automation.ToolSpecText()),
		llm.NewUserMessage(fmt.Sprintf("Your previous tool call was invalid: %s\nOutput a corrected JSON tool call now.\nPrevious:\n%s", reason, compactJSON(previous))),
	}
}

// resultForPrompt renders a result the way the model sees it; the
// structured error kind stays internal.
func resultForPrompt(res automation.ToolResult) string {
	res.ErrorKind = ""
	return compactJSON(res)
}

func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
