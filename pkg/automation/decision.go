package automation

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidJSON is returned when model output holds no decodable JSON object.
var ErrInvalidJSON = errors.New("model output is not valid JSON")

var (
	fencePattern    = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")
	thinkingPattern = regexp.MustCompile(`(?is)<thinking>.*?</thinking>`)
)

// Decision is the model's parsed output: either a final answer or a raw
// tool call that still has to pass ValidateToolCall.
type Decision struct {
	Final    string
	IsFinal  bool
	Raw      map[string]any
	Original string
}

// ParseModelJSON extracts one JSON object from model output. Code fences and
// <thinking> blocks are stripped; when the remainder does not decode as a
// whole, the span from the first '{' to the last '}' is tried.
func ParseModelJSON(text string) (Decision, error) {
	d := Decision{Original: text}

	candidate := thinkingPattern.ReplaceAllString(text, "")
	if m := fencePattern.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}
	candidate = strings.TrimSpace(candidate)

	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
		first := strings.Index(candidate, "{")
		last := strings.LastIndex(candidate, "}")
		if first < 0 || last <= first {
			return d, ErrInvalidJSON
		}
		obj = nil
		if err := json.Unmarshal([]byte(candidate[first:last+1]), &obj); err != nil || obj == nil {
			return d, ErrInvalidJSON
		}
	}

	d.Raw = obj
	if final, ok := obj["final"].(string); ok {
		d.Final = final
		d.IsFinal = true
	}
	return d, nil
}
