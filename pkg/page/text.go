package page

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/dom"
)

const observationSnippetLen = 800

var whitespace = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// truncate cuts s to n runes and appends "..." when it was longer.
func truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// hashText is djb2 with xor mixing over UTF-16 code units, rendered as
// unsigned hex. It only needs to detect change between two observations.
func hashText(s string) string {
	h := uint32(5381)
	for _, c := range utf16.Encode([]rune(s)) {
		h = ((h << 5) + h) ^ uint32(c)
	}
	return strconv.FormatUint(uint64(h), 16)
}

// visibleText renders the page as the model reads it: every rendered text
// node, then the values of visible form controls as "[label: value]".
func visibleText(doc *dom.Document) string {
	texts := doc.VisibleTextNodes()
	for _, el := range doc.All() {
		switch el.Tag() {
		case "input", "textarea", "select":
			if v := formFieldText(doc, el); v != "" {
				texts = append(texts, v)
			}
		}
	}
	return collapse(strings.Join(texts, "\n"))
}

func formFieldText(doc *dom.Document, el *dom.Element) string {
	if !el.Visible() || el.AriaHidden() {
		return ""
	}
	label := formFieldLabel(doc, el)
	wrap := func(fallback, value string) string {
		if label != "" {
			return "[" + label + ": " + value + "]"
		}
		if fallback == "" {
			return ""
		}
		return "[" + fallback + ": " + value + "]"
	}

	switch el.Tag() {
	case "input":
		switch t := el.InputType(); t {
		case "hidden", "submit", "button", "reset", "image":
			return ""
		case "checkbox", "radio":
			if !el.Checked() {
				return ""
			}
			v := el.Value()
			if v == "" {
				v = "checked"
			}
			if label == "" {
				return "[" + v + "]"
			}
			return wrap("", v)
		default:
			if v := strings.TrimSpace(el.Value()); v != "" {
				return wrap("input", v)
			}
			if el.HasAttribute("placeholder") {
				return wrap("", "(empty)")
			}
			return ""
		}
	case "textarea":
		v := strings.TrimSpace(el.Value())
		if v == "" {
			return ""
		}
		return wrap("text", truncate(v, 200))
	case "select":
		v := selectedOptionText(el)
		if v == "" {
			return ""
		}
		return wrap("selected", v)
	}
	return ""
}

func selectedOptionText(sel *dom.Element) string {
	value := sel.Value()
	for _, opt := range sel.Options() {
		if opt.OptionValue() == value {
			if t := collapse(opt.TextContent()); t != "" {
				return t
			}
			return value
		}
	}
	return ""
}

// formFieldLabel resolves the text naming a form control: aria-labelledby,
// aria-label, label[for], the wrapping label without its controls, then name
// or placeholder.
func formFieldLabel(doc *dom.Document, el *dom.Element) string {
	if ref := strings.TrimSpace(el.GetAttribute("aria-labelledby")); ref != "" {
		if l := doc.GetElementByID(strings.Fields(ref)[0]); l != nil {
			return strings.TrimSpace(l.TextContent())
		}
	}
	if aria := el.GetAttribute("aria-label"); aria != "" {
		return strings.TrimSpace(aria)
	}
	if id := el.ID(); id != "" {
		if l := labelFor(doc, id); l != nil {
			return strings.TrimSpace(l.TextContent())
		}
	}
	if wrap := el.Closest("label"); wrap != nil {
		text := wrap.TextContent()
		if controls, err := wrap.QuerySelectorAll("input, textarea, select"); err == nil {
			for _, c := range controls {
				if ct := c.TextContent(); ct != "" {
					text = strings.Replace(text, ct, "", 1)
				}
			}
		}
		return strings.TrimSpace(text)
	}
	if name := el.GetAttribute("name"); name != "" {
		return name
	}
	return el.GetAttribute("placeholder")
}

func labelFor(doc *dom.Document, id string) *dom.Element {
	labels, err := doc.QuerySelectorAll("label[for]")
	if err != nil {
		return nil
	}
	for _, l := range labels {
		if l.GetAttribute("for") == id {
			return l
		}
	}
	return nil
}

// observe fingerprints the page after a tool ran.
func observe(doc *dom.Document) *automation.Observations {
	return &automation.Observations{
		URL:             doc.URL(),
		Title:           doc.Title(),
		VisibleTextHash: hashText(truncate(visibleText(doc), observationSnippetLen)),
	}
}
