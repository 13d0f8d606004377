package automation

import (
	"strings"

	"github.com/openai/openai-go"
)

// Category groups tools by what they do to the page.
type Category string

const (
	CategoryObserver Category = "observer"
	CategoryLocator  Category = "locator"
	CategoryMutator  Category = "mutator"
	CategoryUtility  Category = "utility"
)

// ToolSpec describes one tool of the catalog.
type ToolSpec struct {
	Name        ToolName
	Category    Category
	Description string
	// ArgsHint is the compact argument signature shown in the prompt.
	ArgsHint string
	// Parameters is the JSON schema of the tool's args object.
	Parameters map[string]any
}

var catalog = []ToolSpec{
	{
		Name:        ToolGetPageInfo,
		Category:    CategoryObserver,
		Description: "Return the current page URL and title.",
		ArgsHint:    "{}",
		Parameters:  objectSchema(nil),
	},
	{
		Name:        ToolGetVisibleText,
		Category:    CategoryObserver,
		Description: "Extract the visible text of the page, including form field values.",
		ArgsHint:    `{ "limit"?: number }`,
		Parameters: objectSchema(map[string]any{
			"limit": prop("number", "Maximum number of characters to return, default 8000"),
		}),
	},
	{
		Name:        ToolQuery,
		Category:    CategoryLocator,
		Description: "Query visible elements with a CSS selector; returns element summaries with elementId values for later calls.",
		ArgsHint:    `{ "selector": string }`,
		Parameters: objectSchema(map[string]any{
			"selector": prop("string", `CSS selector, e.g. "#submit", ".btn-primary", "input[name='username']"`),
		}, "selector"),
	},
	{
		Name:        ToolFindByText,
		Category:    CategoryLocator,
		Description: "Find visible elements by their text, label, placeholder or value.",
		ArgsHint:    `{ "text": string, "role"?: "button"|"link" }`,
		Parameters: objectSchema(map[string]any{
			"text": prop("string", "Text to look for, partial matches allowed"),
			"role": prop("string", "Restrict results to an element role, e.g. button"),
		}, "text"),
	},
	{
		Name:        ToolClick,
		Category:    CategoryMutator,
		Description: "Click an element. Prefer elementId from query/findByText. Risky clicks (submit, download, navigation) pause for user confirmation.",
		ArgsHint:    `{ "elementId"?: string, "selector"?: string, "force"?: boolean }`,
		Parameters:  targetSchema(map[string]any{"force": prop("boolean", "Skip the risk check, default false")}),
	},
	{
		Name:        ToolType,
		Category:    CategoryMutator,
		Description: "Type text into an input, textarea or contenteditable element.",
		ArgsHint:    `{ "elementId"?: string, "selector"?: string, "text": string, "clear"?: boolean }`,
		Parameters: targetSchema(map[string]any{
			"text":  prop("string", "Text to type"),
			"clear": prop("boolean", "Clear existing content first, default true"),
		}, "text"),
	},
	{
		Name:        ToolScroll,
		Category:    CategoryUtility,
		Description: "Scroll the page by an amount or scroll an element into view.",
		ArgsHint:    `{ "amount"?: number, "elementId"?: string, "selector"?: string }`,
		Parameters:  targetSchema(map[string]any{"amount": prop("number", "Pixels to scroll, positive is down")}),
	},
	{
		Name:        ToolWaitFor,
		Category:    CategoryUtility,
		Description: "Wait for an element to appear or disappear.",
		ArgsHint:    `{ "selector": string, "state"?: "attached"|"detached", "timeout"?: number }`,
		Parameters: objectSchema(map[string]any{
			"selector": prop("string", "CSS selector"),
			"state":    enumProp("Wait for attached (appears) or detached (disappears), default attached", "attached", "detached"),
			"timeout":  prop("number", "Timeout in milliseconds, default 5000"),
		}, "selector"),
	},
	{
		Name:        ToolSelect,
		Category:    CategoryMutator,
		Description: "Choose an option of a native select or a framework dropdown.",
		ArgsHint:    `{ "elementId"?: string, "selector"?: string, "value"?: string, "text"?: string, "index"?: number }`,
		Parameters: targetSchema(map[string]any{
			"value": prop("string", "Option value"),
			"text":  prop("string", "Option text, partial matches allowed"),
			"index": prop("number", "Option index"),
		}),
	},
	{
		Name:        ToolCheck,
		Category:    CategoryMutator,
		Description: "Toggle a checkbox, radio button or switch.",
		ArgsHint:    `{ "elementId"?: string, "selector"?: string, "checked"?: boolean }`,
		Parameters:  targetSchema(map[string]any{"checked": prop("boolean", "Desired state; toggles when omitted")}),
	},
	{
		Name:        ToolHover,
		Category:    CategoryMutator,
		Description: "Hover an element to reveal menus or tooltips.",
		ArgsHint:    `{ "elementId"?: string, "selector"?: string, "duration"?: number }`,
		Parameters:  targetSchema(map[string]any{"duration": prop("number", "Hover time in milliseconds, default 300")}),
	},
	{
		Name:        ToolPressKey,
		Category:    CategoryMutator,
		Description: "Press a key such as Enter, Escape, Tab or an arrow key.",
		ArgsHint:    `{ "key": string, "elementId"?: string, "selector"?: string, "modifiers"?: { "ctrl"?: boolean, "shift"?: boolean, "alt"?: boolean, "meta"?: boolean } }`,
		Parameters: targetSchema(map[string]any{
			"key": prop("string", "Key name, e.g. Enter"),
			"modifiers": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ctrl":  prop("boolean", ""),
					"shift": prop("boolean", ""),
					"alt":   prop("boolean", ""),
					"meta":  prop("boolean", ""),
				},
			},
		}, "key"),
	},
	{
		Name:        ToolGetValue,
		Category:    CategoryUtility,
		Description: "Read an element's value, checked state, attribute or text.",
		ArgsHint:    `{ "elementId"?: string, "selector"?: string, "attribute"?: string }`,
		Parameters:  targetSchema(map[string]any{"attribute": prop("string", "Attribute to read")}),
	},
	{
		Name:        ToolScreenshot,
		Category:    CategoryUtility,
		Description: "Capture the visible viewport or the full page, optionally saving it.",
		ArgsHint:    `{ "type"?: "visible"|"fullpage", "format"?: "png"|"jpeg"|"pdf", "quality"?: number, "saveToLocal"?: boolean, "filename"?: string, "elementId"?: string, "selector"?: string }`,
		Parameters: targetSchema(map[string]any{
			"type":        enumProp("Capture area, default visible", "visible", "fullpage"),
			"format":      enumProp("Image format, default png", "png", "jpeg", "pdf"),
			"quality":     prop("number", "JPEG quality 0-100, default 90"),
			"saveToLocal": prop("boolean", "Save the capture to disk, default true"),
			"filename":    prop("string", "File name without extension"),
		}),
	},
	{
		Name:        ToolDownload,
		Category:    CategoryUtility,
		Description: "Download a URL, text content, or the resource behind an element.",
		ArgsHint:    `{ "url"?: string, "content"?: string, "filename"?: string, "contentType"?: string, "elementId"?: string, "selector"?: string }`,
		Parameters: targetSchema(map[string]any{
			"url":         prop("string", "Resource URL"),
			"content":     prop("string", "Text content to save"),
			"filename":    prop("string", "Target file name"),
			"contentType": prop("string", "MIME type of content, default text/plain"),
		}),
	},
}

var toolIndex = func() map[ToolName]ToolSpec {
	idx := make(map[ToolName]ToolSpec, len(catalog))
	for _, spec := range catalog {
		idx[spec.Name] = spec
	}
	return idx
}()

// Catalog returns every tool in prompt order.
func Catalog() []ToolSpec {
	out := make([]ToolSpec, len(catalog))
	copy(out, catalog)
	return out
}

// LookupTool returns the catalog entry for name.
func LookupTool(name ToolName) (ToolSpec, bool) {
	spec, ok := toolIndex[name]
	return spec, ok
}

// IsKnownTool reports whether name belongs to the vocabulary.
func IsKnownTool(name string) bool {
	_, ok := toolIndex[ToolName(name)]
	return ok
}

// ToolSpecText renders the output contract and tool list for the system prompt.
func ToolSpecText() string {
	var b strings.Builder
	b.WriteString("You are a browser automation agent operating on a live web page.\n")
	b.WriteString("You MUST output a single JSON object only (no extra text).\n")
	b.WriteString("Output schema:\n")
	b.WriteString(`1) Next tool call: {"tool":"<ToolName>","args":{...}}` + "\n")
	b.WriteString(`2) Final answer: {"final":"..."}` + "\n\n")
	b.WriteString("Available tools (ToolName) and args:\n")
	for _, spec := range catalog {
		b.WriteString("- ")
		b.WriteString(string(spec.Name))
		b.WriteString(": ")
		b.WriteString(spec.ArgsHint)
		b.WriteString("\n")
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- Prefer elementId returned by query/findByText over raw selectors.\n")
	b.WriteString("- Keep steps minimal and robust (use waitFor when needed).\n")
	b.WriteString("- High-risk actions (submit/download/navigation/sensitive input) require confirmation; call the tool normally, the system pauses when confirmation is required.")
	return b.String()
}

// ToolDefinitions returns the catalog as OpenAI function-calling tools.
func ToolDefinitions() []openai.ChatCompletionToolParam {
	defs := make([]openai.ChatCompletionToolParam, 0, len(catalog))
	for _, spec := range catalog {
		defs = append(defs, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        string(spec.Name),
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.Parameters),
			},
		})
	}
	return defs
}

func prop(typ, description string) map[string]any {
	p := map[string]any{"type": typ}
	if description != "" {
		p["description"] = description
	}
	return p
}

func enumProp(description string, values ...string) map[string]any {
	p := prop("string", description)
	p["enum"] = values
	return p
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// targetSchema adds the elementId/selector locator pair to props.
func targetSchema(props map[string]any, required ...string) map[string]any {
	all := map[string]any{
		"elementId": prop("string", "Element id returned by query/findByText (preferred)"),
		"selector":  prop("string", "CSS selector (fallback)"),
	}
	for k, v := range props {
		all[k] = v
	}
	return objectSchema(all, required...)
}
