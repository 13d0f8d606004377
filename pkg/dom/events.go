package dom

import (
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Event is a synthetic DOM event.
type Event struct {
	Type          string
	Target        *Element
	CurrentTarget *Element
	Bubbles       bool

	Key      string
	Code     string
	CtrlKey  bool
	ShiftKey bool
	AltKey   bool
	MetaKey  bool

	prevented bool
	stopped   bool
}

// PreventDefault cancels the default action.
func (ev *Event) PreventDefault() { ev.prevented = true }

// StopPropagation stops bubbling past the current target.
func (ev *Event) StopPropagation() { ev.stopped = true }

// DefaultPrevented reports whether a listener called PreventDefault.
func (ev *Event) DefaultPrevented() bool { return ev.prevented }

type listener struct {
	id int
	fn func(*Event)
}

// AddEventListener registers fn for events of typ on e and returns a function
// that removes it.
func (e *Element) AddEventListener(typ string, fn func(*Event)) func() {
	d := e.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	byType := d.listeners[e.node]
	if byType == nil {
		byType = make(map[string][]listener)
		d.listeners[e.node] = byType
	}
	byType[typ] = append(byType[typ], listener{id: id, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		byType := d.listeners[e.node]
		ls := byType[typ]
		for i, l := range ls {
			if l.id == id {
				byType[typ] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers ev to e and, when it bubbles, to each ancestor. Listeners
// run without the document lock held so they may mutate the tree. It returns
// false if the default action was prevented.
func (e *Element) Dispatch(ev *Event) bool {
	ev.Target = e

	type hop struct {
		el *Element
		ls []listener
	}
	d := e.doc
	d.mu.Lock()
	var path []hop
	for n := e.node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		ls := d.listeners[n][ev.Type]
		if len(ls) > 0 {
			path = append(path, hop{el: d.wrap(n), ls: append([]listener(nil), ls...)})
		}
		if !ev.Bubbles {
			break
		}
	}
	d.mu.Unlock()

	for _, h := range path {
		ev.CurrentTarget = h.el
		for _, l := range h.ls {
			l.fn(ev)
		}
		if ev.stopped {
			break
		}
	}
	return !ev.prevented
}

func (e *Element) fire(typ string, bubbles bool) bool {
	return e.Dispatch(&Event{Type: typ, Bubbles: bubbles})
}

// Focus moves focus to e.
func (e *Element) Focus(ctx context.Context) error {
	if act := e.doc.currentActuator(); act != nil {
		return act.Perform(ctx, Action{Kind: ActionFocus, Selector: CSSPath(e)})
	}
	e.focusLocal()
	return nil
}

func (e *Element) focusLocal() {
	d := e.doc
	d.mu.Lock()
	changed := d.focused != e
	d.focused = e
	d.mu.Unlock()
	if changed {
		e.fire("focus", false)
		e.fire("focusin", true)
	}
}

// Click performs a user click: mouse events, click, then the default action
// (checkbox toggling, label activation, form submission, link following).
// Disabled controls ignore clicks.
func (e *Element) Click(ctx context.Context) error {
	if act := e.doc.currentActuator(); act != nil {
		return act.Perform(ctx, Action{Kind: ActionClick, Selector: CSSPath(e)})
	}
	e.clickLocal()
	return nil
}

func (e *Element) clickLocal() {
	if e.Disabled() {
		return
	}
	e.fire("mousedown", true)
	e.focusLocal()
	e.fire("mouseup", true)

	d := e.doc
	d.mu.Lock()
	kind := inputType(e.node)
	toggles := kind == "checkbox" || kind == "radio"
	before := e.checkedLocked()
	if kind == "checkbox" {
		e.setCheckedLocked(!before)
	} else if kind == "radio" {
		e.setCheckedLocked(true)
	}
	d.mu.Unlock()

	if !e.fire("click", true) {
		if toggles {
			d.mu.Lock()
			e.props.checked = &before
			d.mu.Unlock()
		}
		return
	}

	if toggles {
		if e.Checked() != before {
			e.fire("input", true)
			e.fire("change", true)
		}
		return
	}

	switch {
	case e.isSubmitter():
		if form := e.Closest("form"); form != nil {
			form.fire("submit", true)
		}
	case e.Tag() == "label":
		if control := e.labelControl(); control != nil && control != e {
			control.clickLocal()
		}
	case e.Tag() == "a":
		href := strings.TrimSpace(e.GetAttribute("href"))
		if href != "" && !strings.HasPrefix(href, "#") && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
			d.SetURL(d.ResolveURL(href))
		}
	}
}

func (e *Element) isSubmitter() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	switch e.node.DataAtom {
	case atom.Button:
		t := strings.ToLower(attr(e.node, "type"))
		return t == "" || t == "submit"
	case atom.Input:
		t := inputType(e.node)
		return t == "submit" || t == "image"
	}
	return false
}

func (e *Element) labelControl() *Element {
	if id := e.GetAttribute("for"); id != "" {
		return e.doc.GetElementByID(id)
	}
	el, _ := e.QuerySelector("input, select, textarea, button")
	return el
}

// Fill replaces the value of an input, textarea or contenteditable element
// and fires input and change.
func (e *Element) Fill(ctx context.Context, value string) error {
	if act := e.doc.currentActuator(); act != nil {
		return act.Perform(ctx, Action{Kind: ActionFill, Selector: CSSPath(e), Value: value})
	}
	switch e.Tag() {
	case "input", "textarea":
		e.SetValue(value)
	default:
		e.SetTextContent(value)
	}
	e.fire("input", true)
	e.fire("change", true)
	return nil
}

// SelectValue picks the option whose value matches and fires input and change.
func (e *Element) SelectValue(ctx context.Context, value string) error {
	if act := e.doc.currentActuator(); act != nil {
		return act.Perform(ctx, Action{Kind: ActionSelect, Selector: CSSPath(e), Value: value})
	}
	e.SetValue(value)
	e.fire("input", true)
	e.fire("change", true)
	return nil
}

// Hover moves the pointer over e.
func (e *Element) Hover(ctx context.Context) error {
	if act := e.doc.currentActuator(); act != nil {
		return act.Perform(ctx, Action{Kind: ActionHover, Selector: CSSPath(e)})
	}
	e.fire("mouseover", true)
	e.fire("mouseenter", false)
	e.fire("mousemove", true)
	return nil
}

// KeyPress describes a single key stroke.
type KeyPress struct {
	Key   string
	Code  string
	Ctrl  bool
	Shift bool
	Alt   bool
	Meta  bool
}

// Modifiers lists active modifiers in Playwright naming.
func (k KeyPress) Modifiers() []string {
	var mods []string
	if k.Ctrl {
		mods = append(mods, "Control")
	}
	if k.Shift {
		mods = append(mods, "Shift")
	}
	if k.Alt {
		mods = append(mods, "Alt")
	}
	if k.Meta {
		mods = append(mods, "Meta")
	}
	return mods
}

// Press sends keydown, keypress and keyup to e. Enter inside a form input
// submits the form.
func (e *Element) Press(ctx context.Context, k KeyPress) error {
	if act := e.doc.currentActuator(); act != nil {
		return act.Perform(ctx, Action{Kind: ActionPress, Selector: CSSPath(e), Key: k.Key, Modifiers: k.Modifiers()})
	}

	mk := func(typ string) *Event {
		return &Event{
			Type: typ, Bubbles: true,
			Key: k.Key, Code: k.Code,
			CtrlKey: k.Ctrl, ShiftKey: k.Shift, AltKey: k.Alt, MetaKey: k.Meta,
		}
	}
	ok := e.Dispatch(mk("keydown"))
	e.Dispatch(mk("keypress"))
	e.Dispatch(mk("keyup"))

	if ok && k.Key == "Enter" && e.Tag() == "input" {
		if form := e.Closest("form"); form != nil {
			form.fire("submit", true)
		}
	}
	return nil
}

// ScrollIntoView brings e into the viewport.
func (e *Element) ScrollIntoView(ctx context.Context) error {
	if act := e.doc.currentActuator(); act != nil {
		return act.Perform(ctx, Action{Kind: ActionScrollIntoView, Selector: CSSPath(e)})
	}
	if r, ok := e.Rect(); ok {
		e.doc.mu.Lock()
		e.doc.scrollY = r.Y
		e.doc.mu.Unlock()
	}
	return nil
}

func (d *Document) currentActuator() Actuator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.actuator
}
