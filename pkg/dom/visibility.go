package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Rect is a layout box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

var nonRendered = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Template: true,
	atom.Noscript: true,
	atom.Title:    true,
	atom.Meta:     true,
	atom.Link:     true,
	atom.Base:     true,
}

var blockLevel = map[atom.Atom]bool{
	atom.Div: true, atom.P: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Tr: true, atom.Table: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Nav: true, atom.Form: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Br: true, atom.Fieldset: true, atom.Main: true, atom.Aside: true,
}

// Rect returns the element's layout box when a snapshotter recorded one.
func (e *Element) Rect() (Rect, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return rectOf(e.node)
}

func rectOf(n *html.Node) (Rect, bool) {
	raw, ok := lookupAttr(n, RectAttr)
	if !ok {
		return Rect{}, false
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return Rect{}, false
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Rect{}, false
		}
		vals[i] = f
	}
	return Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, true
}

// AriaHidden reports whether e or an ancestor sets aria-hidden="true".
func (e *Element) AriaHidden() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := e.node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if attr(n, "aria-hidden") == "true" {
			return true
		}
	}
	return false
}

// Visible approximates whether the element is rendered: it and its ancestors
// must not be display:none, visibility:hidden or opacity:0, must not be
// hidden inputs or non-rendered tags, and a recorded box must have area.
func (e *Element) Visible() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.doc.connected(e.node) {
		return false
	}
	for n := e.node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if selfHidden(n) {
			return false
		}
	}
	if r, ok := rectOf(e.node); ok && (r.Width <= 0 || r.Height <= 0) {
		return false
	}
	return true
}

func selfHidden(n *html.Node) bool {
	if nonRendered[n.DataAtom] {
		return true
	}
	if _, ok := lookupAttr(n, "hidden"); ok {
		return true
	}
	if _, ok := lookupAttr(n, HiddenAttr); ok {
		return true
	}
	if inputType(n) == "hidden" {
		return true
	}
	style := parseInlineStyle(attr(n, "style"))
	if style["display"] == "none" || style["visibility"] == "hidden" {
		return true
	}
	if op, ok := style["opacity"]; ok {
		if f, err := strconv.ParseFloat(op, 64); err == nil && f == 0 {
			return true
		}
	}
	return false
}

func parseInlineStyle(s string) map[string]string {
	out := map[string]string{}
	for _, decl := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		out[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(v)
	}
	return out
}

// InnerText returns rendered text: hidden subtrees are skipped and block
// boundaries become newlines. For a hidden element it falls back to
// TextContent.
func (e *Element) InnerText() string {
	if !e.Visible() {
		return e.TextContent()
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var b strings.Builder
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				b.WriteString(c.Data)
			case html.ElementNode:
				if selfHidden(c) {
					continue
				}
				if blockLevel[c.DataAtom] {
					b.WriteByte('\n')
				}
				visit(c)
				if blockLevel[c.DataAtom] {
					b.WriteByte('\n')
				}
			}
		}
	}
	visit(e.node)
	return b.String()
}

var nonTextual = map[atom.Atom]bool{
	atom.Svg:    true,
	atom.Canvas: true,
	atom.Object: true,
	atom.Embed:  true,
}

// VisibleTextNodes returns the trimmed, non-empty text nodes whose ancestors
// are all rendered, in document order. Embedded graphics and aria-hidden
// subtrees are skipped as well.
func (d *Document) VisibleTextNodes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	walk(d.root, func(n *html.Node) bool {
		switch n.Type {
		case html.ElementNode:
			if selfHidden(n) || nonTextual[n.DataAtom] || attr(n, "aria-hidden") == "true" {
				return false
			}
			if r, ok := rectOf(n); ok && (r.Width <= 0 || r.Height <= 0) {
				return false
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				out = append(out, t)
			}
		}
		return true
	})
	return out
}
