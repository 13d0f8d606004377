// Package dom provides a live, in-memory document model for the page-side
// executor: HTML parsing, CSS selection, element state, synthetic events and
// mutation observation.
//
// A Document is either standalone (events and default actions run locally)
// or backed by an Actuator that replays interactions on a real browser page
// and feeds fresh snapshots back through Replace.
package dom

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// RectAttr carries a layout box "x,y,width,height" written by snapshotters.
	RectAttr = "data-pagepilot-rect"
	// HiddenAttr marks elements a snapshotter found not rendered.
	HiddenAttr = "data-pagepilot-hidden"
)

// Document is a parsed page plus the runtime state a browser would keep
// alongside the markup: form values, focus, listeners and observers.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	url       string
	elements  map[*html.Node]*Element
	listeners map[*html.Node]map[string][]listener
	observers map[*Observer]struct{}
	focused   *Element
	scrollY   float64
	actuator  Actuator
	nextID    int
}

// Option configures a Document.
type Option func(*Document)

// WithURL sets the document URL.
func WithURL(u string) Option {
	return func(d *Document) {
		d.url = u
	}
}

// WithActuator routes user interactions to a real page.
func WithActuator(a Actuator) Option {
	return func(d *Document) {
		d.actuator = a
	}
}

// Parse builds a Document from markup.
func Parse(markup string, opts ...Option) (*Document, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	d := &Document{
		root:      root,
		url:       "about:blank",
		elements:  make(map[*html.Node]*Element),
		listeners: make(map[*html.Node]map[string][]listener),
		observers: make(map[*Observer]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// MustParse is Parse for fixtures known to be valid.
func MustParse(markup string, opts ...Option) *Document {
	d, err := Parse(markup, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// SetActuator attaches or detaches the real-page actuator.
func (d *Document) SetActuator(a Actuator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actuator = a
}

// URL returns the document URL.
func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// SetURL updates the document URL.
func (d *Document) SetURL(u string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = u
}

// Title returns the trimmed text of the first <title>.
func (d *Document) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var title string
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			title = strings.TrimSpace(textContent(n))
			return false
		}
		return true
	})
	return title
}

// DocumentElement returns <html>.
func (d *Document) DocumentElement() *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return d.wrap(c)
		}
	}
	return nil
}

// Body returns <body>, or nil for fragments without one.
func (d *Document) Body() *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(d.bodyNode())
}

func (d *Document) bodyNode() *html.Node {
	var body *html.Node
	walk(d.root, func(n *html.Node) bool {
		if body != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return false
		}
		return true
	})
	return body
}

// ActiveElement returns the focused element, falling back to <body>.
func (d *Document) ActiveElement() *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.focused != nil && d.connected(d.focused.node) {
		return d.focused
	}
	return d.wrap(d.bodyNode())
}

// ScrollY is the vertical scroll offset.
func (d *Document) ScrollY() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrollY
}

// ScrollBy scrolls the viewport vertically.
func (d *Document) ScrollBy(ctx context.Context, dy float64) error {
	d.mu.Lock()
	act := d.actuator
	if act == nil {
		d.scrollY += dy
		if d.scrollY < 0 {
			d.scrollY = 0
		}
	}
	d.mu.Unlock()

	if act != nil {
		return act.Perform(ctx, Action{Kind: ActionScroll, Delta: dy})
	}
	return nil
}

// GetElementByID returns the first element with the given id attribute.
func (d *Document) GetElementByID(id string) *Element {
	if id == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(d.findByID(id))
}

func (d *Document) findByID(id string) *html.Node {
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// QuerySelector returns the first element matching sel, or nil.
func (d *Document) QuerySelector(sel string) (*Element, error) {
	compiled, err := compile(sel)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(compiled.MatchFirst(d.root)), nil
}

// QuerySelectorAll returns every element matching sel in document order.
func (d *Document) QuerySelectorAll(sel string) ([]*Element, error) {
	compiled, err := compile(sel)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrapAll(compiled.MatchAll(d.root)), nil
}

// All returns every element of the document in document order.
func (d *Document) All() []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	var nodes []*html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			nodes = append(nodes, n)
		}
		return true
	})
	return d.wrapAll(nodes)
}

// CreateElement parses an HTML fragment and returns its first element,
// detached and ready for AppendChild.
func (d *Document) CreateElement(markup string) (*Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := d.bodyNode()
	if ctx == nil {
		ctx = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fragment: %w", err)
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return d.wrap(n), nil
		}
	}
	return nil, fmt.Errorf("fragment has no element")
}

// ResolveURL resolves ref against the document URL.
func (d *Document) ResolveURL(ref string) string {
	base, err := url.Parse(d.URL())
	if err != nil {
		return ref
	}
	u, err := base.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return u.String()
}

// HTML serializes the current document.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	_ = html.Render(&b, d.root)
	return b.String()
}

// Replace swaps in a fresh snapshot of the page. Elements already handed out
// are rebound to the node at the same structural path when one with the same
// tag exists; the rest become disconnected.
func (d *Document) Replace(markup string) error {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	d.mu.Lock()
	byPath := make(map[string]*Element, len(d.elements))
	for n, el := range d.elements {
		if d.connected(n) {
			byPath[nodePath(n)] = el
		}
	}

	elements := make(map[*html.Node]*Element, len(byPath))
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if el, ok := byPath[nodePath(n)]; ok && el.node.Data == n.Data {
			el.node = n
			el.props = elementProps{}
			elements[n] = el
		}
		return true
	})

	listeners := make(map[*html.Node]map[string][]listener)
	for n, byType := range d.listeners {
		if el, ok := d.elements[n]; ok {
			if _, kept := elements[el.node]; kept {
				listeners[el.node] = byType
			}
		}
	}

	d.root = root
	d.elements = elements
	d.listeners = listeners
	if d.focused != nil {
		if _, kept := elements[d.focused.node]; !kept {
			d.focused = nil
		}
	}
	d.notifyLocked(MutationRecord{Type: MutationChildList})
	d.mu.Unlock()
	return nil
}

func compile(sel string) (cascadia.Selector, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, fmt.Errorf("empty selector")
	}
	compiled, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", sel, err)
	}
	return compiled, nil
}

// wrap returns the Element for n, creating it on first use. Caller holds mu.
func (d *Document) wrap(n *html.Node) *Element {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	if el, ok := d.elements[n]; ok {
		return el
	}
	d.nextID++
	el := &Element{doc: d, node: n, seq: d.nextID}
	d.elements[n] = el
	return el
}

func (d *Document) wrapAll(nodes []*html.Node) []*Element {
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		if el := d.wrap(n); el != nil {
			out = append(out, el)
		}
	}
	return out
}

// connected reports whether n is attached to the current tree.
func (d *Document) connected(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == d.root {
			return true
		}
	}
	return false
}

// walk visits n and its descendants depth first; returning false from fn
// skips the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// nodePath is a structural address: tag plus index among same-tag siblings
// for every ancestor.
func nodePath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		idx := 1
		for s := cur.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode && s.Data == cur.Data {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:%d", cur.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}
