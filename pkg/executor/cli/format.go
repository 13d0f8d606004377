package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/pagepilot/pkg/automation"
)

// FormatArgs renders tool arguments as compact key=value pairs in key order.
func FormatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := args[k].(type) {
		case string:
			v = fmt.Sprintf("%q", oneLine(val, 60))
		default:
			b, err := json.Marshal(val)
			if err != nil {
				v = fmt.Sprint(val)
			} else {
				v = oneLine(string(b), 60)
			}
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

// FormatResult summarizes a successful tool result on one line.
func FormatResult(res *automation.ToolResult) string {
	if res == nil {
		return "ok"
	}
	summary := string(res.Tool)
	if res.Data != nil {
		b, err := json.Marshal(res.Data)
		if err == nil {
			summary += " " + oneLine(string(b), 120)
		}
	}
	return summary
}

// FormatOutcome renders the final line of a run.
func FormatOutcome(run automation.RunState) string {
	switch run.Status {
	case automation.RunDone:
		return fmt.Sprintf("🏁 done after %d step(s): %s", len(run.Steps), run.FinalAnswer)
	case automation.RunFailed:
		return fmt.Sprintf("💥 failed after %d step(s): %s", len(run.Steps), run.Error)
	default:
		return fmt.Sprintf("⏹ %s after %d step(s)", run.Status, len(run.Steps))
	}
}

// oneLine collapses whitespace and clips s to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
