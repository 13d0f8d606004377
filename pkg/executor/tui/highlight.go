package tui

import (
	"bytes"
	"encoding/json"

	"github.com/alecthomas/chroma/v2/quick"
)

// HighlightJSON indents v and colors it for a 256-color terminal. It falls
// back to the plain indented text when highlighting fails.
func HighlightJSON(v any) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, string(raw), "json", "terminal256", "monokai"); err != nil {
		return string(raw), nil
	}
	return buf.String(), nil
}
