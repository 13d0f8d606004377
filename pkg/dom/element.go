package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Element is a stable handle on an element node. The same node always maps to
// the same *Element, so handles can be compared with ==.
type Element struct {
	doc   *Document
	node  *html.Node
	seq   int
	props elementProps
}

// elementProps is state a browser keeps outside the markup.
type elementProps struct {
	value   *string
	checked *bool
}

// Document returns the owning document.
func (e *Element) Document() *Document { return e.doc }

// Tag is the lowercase tag name.
func (e *Element) Tag() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.node.Data
}

// Connected reports whether the element is still part of the document.
func (e *Element) Connected() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.connected(e.node)
}

// Attr returns an attribute value and whether it is present.
func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return lookupAttr(e.node, name)
}

// GetAttribute returns an attribute value, or "" when absent.
func (e *Element) GetAttribute(name string) string {
	v, _ := e.Attr(name)
	return v
}

// HasAttribute reports whether name is present.
func (e *Element) HasAttribute(name string) bool {
	_, ok := e.Attr(name)
	return ok
}

// Attributes returns a copy of all attributes.
func (e *Element) Attributes() map[string]string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	out := make(map[string]string, len(e.node.Attr))
	for _, a := range e.node.Attr {
		out[a.Key] = a.Val
	}
	return out
}

// SetAttribute sets an attribute and notifies observers.
func (e *Element) SetAttribute(name, value string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	name = strings.ToLower(name)
	for i, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			e.node.Attr[i].Val = value
			e.doc.notifyLocked(MutationRecord{Type: MutationAttributes, Target: e, Attribute: name})
			return
		}
	}
	e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
	e.doc.notifyLocked(MutationRecord{Type: MutationAttributes, Target: e, Attribute: name})
}

// RemoveAttribute deletes an attribute if present.
func (e *Element) RemoveAttribute(name string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	name = strings.ToLower(name)
	for i, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			e.node.Attr = append(e.node.Attr[:i], e.node.Attr[i+1:]...)
			e.doc.notifyLocked(MutationRecord{Type: MutationAttributes, Target: e, Attribute: name})
			return
		}
	}
}

// ID returns the id attribute.
func (e *Element) ID() string { return e.GetAttribute("id") }

// ClassList returns the element's classes in source order.
func (e *Element) ClassList() []string {
	return strings.Fields(e.GetAttribute("class"))
}

// HasClass reports whether the class attribute contains name.
func (e *Element) HasClass(name string) bool {
	for _, c := range e.ClassList() {
		if c == name {
			return true
		}
	}
	return false
}

// Parent returns the parent element, or nil at the top.
func (e *Element) Parent() *Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrap(e.node.Parent)
}

// Children returns direct element children.
func (e *Element) Children() []*Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var nodes []*html.Node
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			nodes = append(nodes, c)
		}
	}
	return e.doc.wrapAll(nodes)
}

// QuerySelector searches the element's descendants.
func (e *Element) QuerySelector(sel string) (*Element, error) {
	compiled, err := compile(sel)
	if err != nil {
		return nil, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if n := compiled.MatchFirst(c); n != nil {
			return e.doc.wrap(n), nil
		}
	}
	return nil, nil
}

// QuerySelectorAll returns all matching descendants in document order.
func (e *Element) QuerySelectorAll(sel string) ([]*Element, error) {
	compiled, err := compile(sel)
	if err != nil {
		return nil, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var nodes []*html.Node
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		nodes = append(nodes, compiled.MatchAll(c)...)
	}
	return e.doc.wrapAll(nodes), nil
}

// Matches reports whether the element matches sel.
func (e *Element) Matches(sel string) bool {
	compiled, err := compile(sel)
	if err != nil {
		return false
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return compiled.Match(e.node)
}

// Closest returns the nearest inclusive ancestor matching sel.
func (e *Element) Closest(sel string) *Element {
	compiled, err := compile(sel)
	if err != nil {
		return nil
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := e.node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if compiled.Match(n) {
			return e.doc.wrap(n)
		}
	}
	return nil
}

// Contains reports whether other is e or one of its descendants.
func (e *Element) Contains(other *Element) bool {
	if other == nil {
		return false
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := other.node; n != nil; n = n.Parent {
		if n == e.node {
			return true
		}
	}
	return false
}

// TextContent concatenates all descendant text.
func (e *Element) TextContent() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return textContent(e.node)
}

// SetTextContent replaces the children with a single text node.
func (e *Element) SetTextContent(text string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.setTextLocked(text)
	e.doc.notifyLocked(MutationRecord{Type: MutationChildList, Target: e})
}

func (e *Element) setTextLocked(text string) {
	for c := e.node.FirstChild; c != nil; {
		next := c.NextSibling
		e.node.RemoveChild(c)
		c = next
	}
	if text != "" {
		e.node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// AppendChild moves child under e.
func (e *Element) AppendChild(child *Element) {
	if child == nil {
		return
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if child.node.Parent != nil {
		child.node.Parent.RemoveChild(child.node)
	}
	e.node.AppendChild(child.node)
	e.doc.notifyLocked(MutationRecord{Type: MutationChildList, Target: e})
}

// Remove detaches the element from its parent.
func (e *Element) Remove() {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	parent := e.node.Parent
	if parent == nil {
		return
	}
	parent.RemoveChild(e.node)
	if e.doc.focused != nil && !e.doc.connected(e.doc.focused.node) {
		e.doc.focused = nil
	}
	e.doc.notifyLocked(MutationRecord{Type: MutationChildList, Target: e.doc.wrap(parent)})
}

// IsFormControl reports whether the element carries a value property.
func (e *Element) IsFormControl() bool {
	switch e.Tag() {
	case "input", "textarea", "select", "option", "button":
		return true
	}
	return false
}

// InputType is the lowercase input type, "text" by default. Non-inputs
// return "".
func (e *Element) InputType() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return inputType(e.node)
}

func inputType(n *html.Node) string {
	if n.DataAtom != atom.Input {
		return ""
	}
	t := strings.ToLower(strings.TrimSpace(attr(n, "type")))
	if t == "" {
		return "text"
	}
	return t
}

// Disabled reports the disabled attribute.
func (e *Element) Disabled() bool { return e.HasAttribute("disabled") }

// ReadOnly reports the readonly attribute.
func (e *Element) ReadOnly() bool { return e.HasAttribute("readonly") }

// IsContentEditable resolves the inherited contenteditable state.
func (e *Element) IsContentEditable() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := e.node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		v, ok := lookupAttr(n, "contenteditable")
		if !ok {
			continue
		}
		switch strings.ToLower(v) {
		case "", "true", "plaintext-only":
			return true
		case "false":
			return false
		}
	}
	return false
}

// Value returns the current value of a form control.
func (e *Element) Value() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.valueLocked()
}

func (e *Element) valueLocked() string {
	if e.props.value != nil {
		return *e.props.value
	}
	switch e.node.DataAtom {
	case atom.Textarea:
		return textContent(e.node)
	case atom.Select:
		if opt := selectedOption(e.node); opt != nil {
			return optionValue(opt)
		}
		return ""
	case atom.Option:
		return optionValue(e.node)
	case atom.Input:
		if v, ok := lookupAttr(e.node, "value"); ok {
			return v
		}
		if t := inputType(e.node); t == "checkbox" || t == "radio" {
			return "on"
		}
		return ""
	}
	return attr(e.node, "value")
}

// SetValue writes the value property without firing events.
func (e *Element) SetValue(v string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.setValueLocked(v)
}

func (e *Element) setValueLocked(v string) {
	if e.node.DataAtom == atom.Select {
		found := false
		for _, opt := range options(e.node) {
			if !found && optionValue(opt) == v {
				found = true
				setBoolAttr(opt, "selected", true)
			} else {
				setBoolAttr(opt, "selected", false)
			}
		}
		if !found {
			return
		}
	}
	e.props.value = &v
}

// Checked returns the checkedness of a checkbox or radio.
func (e *Element) Checked() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.checkedLocked()
}

func (e *Element) checkedLocked() bool {
	if e.props.checked != nil {
		return *e.props.checked
	}
	_, ok := lookupAttr(e.node, "checked")
	return ok
}

// SetChecked writes checkedness without firing events. Checking a radio
// unchecks the others in its group.
func (e *Element) SetChecked(checked bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.setCheckedLocked(checked)
}

func (e *Element) setCheckedLocked(checked bool) {
	e.props.checked = &checked
	if !checked || inputType(e.node) != "radio" {
		return
	}
	name := attr(e.node, "name")
	if name == "" {
		return
	}
	walk(e.doc.root, func(n *html.Node) bool {
		if n != e.node && inputType(n) == "radio" && attr(n, "name") == name {
			off := false
			e.doc.wrap(n).props.checked = &off
		}
		return true
	})
}

// Options returns the <option> descendants of a select.
func (e *Element) Options() []*Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrapAll(options(e.node))
}

// OptionValue is an option's value attribute, falling back to its text.
func (e *Element) OptionValue() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return optionValue(e.node)
}

func options(n *html.Node) []*html.Node {
	var out []*html.Node
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && c.DataAtom == atom.Option {
			out = append(out, c)
			return false
		}
		return true
	})
	return out
}

func selectedOption(n *html.Node) *html.Node {
	opts := options(n)
	for _, o := range opts {
		if _, ok := lookupAttr(o, "selected"); ok {
			return o
		}
	}
	if len(opts) > 0 {
		return opts[0]
	}
	return nil
}

func optionValue(n *html.Node) string {
	if v, ok := lookupAttr(n, "value"); ok {
		return v
	}
	return strings.Join(strings.Fields(textContent(n)), " ")
}

func setBoolAttr(n *html.Node, key string, on bool) {
	for i, a := range n.Attr {
		if a.Key == key {
			if !on {
				n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			}
			return
		}
	}
	if on {
		n.Attr = append(n.Attr, html.Attribute{Key: key})
	}
}
