package page

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/dom"
)

const summaryTextLen = 120

// summarize describes el for the model. The caller fills in the id.
func summarize(doc *dom.Document, el *dom.Element) automation.ElementSummary {
	tag := el.Tag()
	s := automation.ElementSummary{
		Tag:          tag,
		Role:         el.GetAttribute("role"),
		Text:         clip(collapse(el.InnerText()), summaryTextLen),
		LabelText:    labelText(doc, el),
		Name:         el.GetAttribute("name"),
		Placeholder:  el.GetAttribute("placeholder"),
		SelectorHint: selectorHint(el),
	}
	if tag == "input" {
		s.InputType = el.InputType()
	}
	if r, ok := el.Rect(); ok {
		s.Rect = &automation.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	}
	return s
}

// labelText finds the human label of el: aria-labelledby targets, aria-label,
// label[for=id], the wrapping label, then name and placeholder. Capped at 120
// characters.
func labelText(doc *dom.Document, el *dom.Element) string {
	if ref := strings.TrimSpace(el.GetAttribute("aria-labelledby")); ref != "" {
		var parts []string
		for _, id := range strings.Fields(ref) {
			if l := doc.GetElementByID(id); l != nil {
				parts = append(parts, l.InnerText())
			}
		}
		if t := collapse(strings.Join(parts, " ")); t != "" {
			return clip(t, summaryTextLen)
		}
	}
	if t := collapse(el.GetAttribute("aria-label")); t != "" {
		return clip(t, summaryTextLen)
	}
	if id := el.ID(); id != "" {
		if l := labelFor(doc, id); l != nil {
			if t := collapse(l.InnerText()); t != "" {
				return clip(t, summaryTextLen)
			}
		}
	}
	if wrap := el.Closest("label"); wrap != nil {
		if t := collapse(wrap.InnerText()); t != "" {
			return clip(t, summaryTextLen)
		}
	}
	if t := collapse(el.GetAttribute("name")); t != "" {
		return clip(t, summaryTextLen)
	}
	return clip(collapse(el.GetAttribute("placeholder")), summaryTextLen)
}

var cssSpecial = regexp.MustCompile("([!\"#$%&'()*+,./:;<=>?@\\[\\\\\\]^`{|}~])")

func cssEscape(s string) string {
	return cssSpecial.ReplaceAllString(s, `\$1`)
}

// selectorHint builds a selector that can re-locate el after its id expires:
// #id, the element's own test-id attribute (data-testid, data-test-id or
// data-test), or a path of up to four ancestors with at most two classes
// each and :nth-of-type when same-tag siblings exist.
func selectorHint(el *dom.Element) string {
	if id := el.ID(); id != "" {
		return "#" + cssEscape(id)
	}
	for _, attr := range []string{"data-testid", "data-test-id", "data-test"} {
		if v := el.GetAttribute(attr); v != "" {
			return "[" + attr + `="` + cssEscape(v) + `"]`
		}
	}

	var parts []string
	cur := el
	for depth := 0; cur != nil && depth < 4 && cur.Tag() != "html"; depth++ {
		tag := cur.Tag()
		var b strings.Builder
		b.WriteString(tag)

		classes := cur.ClassList()
		if len(classes) > 2 {
			classes = classes[:2]
		}
		for _, c := range classes {
			b.WriteByte('.')
			b.WriteString(cssEscape(c))
		}

		parent := cur.Parent()
		if parent != nil {
			idx, count := 0, 0
			for _, sib := range parent.Children() {
				if sib.Tag() != tag {
					continue
				}
				count++
				if sib == cur {
					idx = count
				}
			}
			if count > 1 {
				b.WriteString(":nth-of-type(" + strconv.Itoa(idx) + ")")
			}
		}

		parts = append([]string{b.String()}, parts...)
		cur = parent
	}
	return strings.Join(parts, " > ")
}

// matchesRole reports whether el fulfils a requested findByText role. An
// explicit role attribute or the element's implicit role both count.
func matchesRole(el *dom.Element, role string) bool {
	switch role {
	case "":
		return true
	case "button":
		return isButtonLike(el)
	}
	return strings.EqualFold(el.GetAttribute("role"), role) || implicitRole(el) == role
}

// implicitRole is the ARIA role HTML gives el without a role attribute, for
// the interactive elements findByText is usually asked about.
func implicitRole(el *dom.Element) string {
	switch el.Tag() {
	case "a":
		if el.HasAttribute("href") {
			return "link"
		}
	case "button":
		return "button"
	case "textarea":
		return "textbox"
	case "select":
		if el.HasAttribute("multiple") {
			return "listbox"
		}
		return "combobox"
	case "option":
		return "option"
	case "input":
		switch el.InputType() {
		case "button", "submit", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "range":
			return "slider"
		case "number":
			return "spinbutton"
		case "search":
			return "searchbox"
		case "text", "email", "tel", "url", "":
			if el.HasAttribute("list") {
				return "combobox"
			}
			return "textbox"
		}
	}
	return ""
}

func isButtonLike(el *dom.Element) bool {
	switch el.Tag() {
	case "button":
		return true
	case "input":
		switch el.InputType() {
		case "button", "submit", "reset":
			return true
		}
	}
	return el.GetAttribute("role") == "button"
}
