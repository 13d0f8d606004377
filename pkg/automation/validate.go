package automation

import (
	"encoding/json"
	"fmt"
)

// Validation is the outcome of ValidateToolCall. Call is populated when OK.
type Validation struct {
	OK     bool
	Reason string
	Call   ToolCall
}

func invalid(format string, args ...any) Validation {
	return Validation{Reason: fmt.Sprintf(format, args...)}
}

// ValidateToolCall checks a decoded model decision against the catalog and
// each tool's minimal argument contract. raw is typically the
// map[string]any produced by json.Unmarshal; a ToolCall value is accepted as
// well. It has no side effects.
func ValidateToolCall(raw any) Validation {
	obj, ok := asObject(raw)
	if !ok {
		return invalid("call is not an object")
	}

	tool, ok := obj["tool"].(string)
	if !ok {
		return invalid("missing tool")
	}
	if !IsKnownTool(tool) {
		return invalid("unknown tool: %s", tool)
	}

	var args map[string]any
	if rawArgs, present := obj["args"]; present {
		args, ok = rawArgs.(map[string]any)
		if !ok || args == nil {
			return invalid("args must be an object")
		}
	}

	if reason := checkRequiredArgs(ToolName(tool), args); reason != "" {
		return Validation{Reason: reason}
	}

	return Validation{OK: true, Call: ToolCall{Tool: ToolName(tool), Args: args}}
}

func checkRequiredArgs(tool ToolName, args map[string]any) string {
	switch tool {
	case ToolQuery, ToolWaitFor:
		if !truthy(args, "selector") {
			return fmt.Sprintf("%s requires selector", tool)
		}
	case ToolFindByText:
		if !truthy(args, "text") {
			return fmt.Sprintf("%s requires text", tool)
		}
	case ToolType:
		if _, ok := args["text"].(string); !ok {
			return fmt.Sprintf("%s requires text string", tool)
		}
	case ToolClick, ToolSelect, ToolCheck, ToolHover, ToolGetValue:
		if !truthy(args, "elementId") && !truthy(args, "selector") {
			return fmt.Sprintf("%s requires elementId or selector", tool)
		}
	case ToolPressKey:
		if !truthy(args, "key") {
			return fmt.Sprintf("%s requires key", tool)
		}
	case ToolDownload:
		if !truthy(args, "url") && !truthy(args, "content") && !truthy(args, "elementId") && !truthy(args, "selector") {
			return fmt.Sprintf("%s requires url, content, elementId or selector", tool)
		}
	}
	return ""
}

// truthy mirrors loose truthiness on the decoded JSON value: absent, null,
// false, 0 and "" are all missing.
func truthy(args map[string]any, key string) bool {
	if args == nil {
		return false
	}
	switch v := args[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return true
	}
}

func asObject(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		return v, v != nil
	case ToolCall:
		return toolCallObject(v), true
	case *ToolCall:
		if v == nil {
			return nil, false
		}
		return toolCallObject(*v), true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil || m == nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func toolCallObject(c ToolCall) map[string]any {
	obj := map[string]any{"tool": string(c.Tool)}
	if c.Args != nil {
		obj["args"] = c.Args
	}
	return obj
}
