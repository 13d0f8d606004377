package dom

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ActionKind names an interaction replayed on a real page.
type ActionKind string

const (
	ActionClick          ActionKind = "click"
	ActionFill           ActionKind = "fill"
	ActionSelect         ActionKind = "select"
	ActionHover          ActionKind = "hover"
	ActionPress          ActionKind = "press"
	ActionFocus          ActionKind = "focus"
	ActionScroll         ActionKind = "scroll"
	ActionScrollIntoView ActionKind = "scrollIntoView"
)

// Action is one interaction addressed by an absolute CSS path.
type Action struct {
	Kind      ActionKind
	Selector  string
	Value     string
	Key       string
	Modifiers []string
	Delta     float64
}

// Actuator performs actions against a real page. Implementations are expected
// to refresh the document (via Replace) once the page has reacted.
type Actuator interface {
	Perform(ctx context.Context, action Action) error
}

// CSSPath returns an absolute selector for e made of tag:nth-of-type steps
// below the root element, usable both here and in a real browser.
func CSSPath(e *Element) string {
	if e == nil {
		return ""
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	var parts []string
	for n := e.node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Parent == nil || n.Parent.Type == html.DocumentNode {
			parts = append(parts, n.Data)
			continue
		}
		idx := 1
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode && s.Data == n.Data {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", n.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
