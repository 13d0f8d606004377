package page

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/dom"
)

const (
	defaultTextLimit = 8000
	maxMatches       = 20
)

func (e *Executor) getPageInfo() automation.ToolResult {
	return automation.ToolResult{OK: true, Data: map[string]any{
		"url":   e.doc.URL(),
		"title": e.doc.Title(),
	}}
}

func (e *Executor) getVisibleText(args map[string]any) automation.ToolResult {
	limit := defaultTextLimit
	if n, ok := numberArg(args, "limit"); ok {
		limit = int(n)
	}
	return automation.ToolResult{OK: true, Data: map[string]any{
		"text": truncate(visibleText(e.doc), limit),
	}}
}

func (e *Executor) query(args map[string]any) automation.ToolResult {
	sel := strings.TrimSpace(stringArg(args, "selector"))
	if sel == "" {
		return automation.Failure("", automation.ErrorKindMissingArg, "Missing selector")
	}
	matches, err := e.doc.QuerySelectorAll(sel)
	if err != nil {
		return automation.Failure("", automation.ErrorKindInternal, err.Error())
	}

	elements := make([]automation.ElementSummary, 0, maxMatches)
	for _, el := range matches {
		if len(elements) == maxMatches {
			break
		}
		if el.Visible() {
			elements = append(elements, e.remember(el))
		}
	}
	return automation.ToolResult{OK: true, Data: map[string]any{"elements": elements}}
}

type scored struct {
	el    *dom.Element
	score int
}

// findByText ranks visible elements whose text-like fields contain the
// wanted text: exact 100, prefix 80, substring 60, +10 for a requested
// button, -30 when disabled, plus up to 10 for narrow elements.
func (e *Executor) findByText(args map[string]any) automation.ToolResult {
	text := strings.TrimSpace(stringArg(args, "text"))
	if text == "" {
		return automation.Failure("", automation.ErrorKindMissingArg, "Missing text")
	}
	role := strings.ToLower(stringArg(args, "role"))
	wanted := strings.ToLower(text)

	body := e.doc.Body()
	if body == nil {
		return automation.ToolResult{OK: true, Data: map[string]any{"elements": []automation.ElementSummary{}}}
	}
	candidates, err := body.QuerySelectorAll("*")
	if err != nil {
		return automation.Failure("", automation.ErrorKindInternal, err.Error())
	}

	var hits []scored
	for _, el := range candidates {
		if !el.Visible() || !matchesRole(el, role) {
			continue
		}

		var value string
		if tag := el.Tag(); tag == "input" || tag == "textarea" {
			value = el.Value()
		}
		lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
		fields := []string{
			strings.ToLower(collapse(el.InnerText())),
			lower(el.GetAttribute("aria-label")),
			lower(el.GetAttribute("title")),
			lower(el.GetAttribute("placeholder")),
			lower(labelText(e.doc, el)),
			lower(el.GetAttribute("name")),
			lower(value),
		}

		score := 0
		for _, f := range fields {
			switch {
			case f == "":
			case f == wanted:
				score = max(score, 100)
			case strings.HasPrefix(f, wanted):
				score = max(score, 80)
			case strings.Contains(f, wanted):
				score = max(score, 60)
			}
		}
		if score == 0 {
			continue
		}
		if role == "button" {
			score += 10
		}
		if el.Disabled() {
			score -= 30
		}
		if r, ok := el.Rect(); ok {
			score += max(0, 10-int(math.Min(10, math.Floor(r.Width/200))))
		}
		hits = append(hits, scored{el: el, score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > maxMatches {
		hits = hits[:maxMatches]
	}

	elements := make([]automation.ElementSummary, 0, len(hits))
	for _, h := range hits {
		elements = append(elements, e.remember(h.el))
	}
	return automation.ToolResult{OK: true, Data: map[string]any{"elements": elements}}
}

func (e *Executor) click(ctx context.Context, args map[string]any) automation.ToolResult {
	el := e.ResolveTarget(args)
	if el == nil {
		return notFound()
	}
	if !boolArg(args, "force") {
		if r := assessClick(el); r != nil {
			return e.needsConfirmation(r, map[string]any{"clicked": false})
		}
	}

	if err := el.Click(ctx); err != nil {
		return actionFailed(err)
	}
	e.settle(ctx)
	return e.ok(map[string]any{"clicked": true})
}

func (e *Executor) typeText(ctx context.Context, args map[string]any) automation.ToolResult {
	el := e.ResolveTarget(args)
	if el == nil {
		return notFound()
	}
	text := stringArg(args, "text")
	clear := true
	if b, ok := args["clear"].(bool); ok && !b {
		clear = false
	}

	var current string
	switch {
	case el.Tag() == "input" || el.Tag() == "textarea":
		if looksSensitive(el) && !boolArg(args, "force") {
			return e.needsConfirmation(&risk{automation.ReasonSensitiveInput, msgSensitiveInput}, map[string]any{"typed": false})
		}
		current = el.Value()
	case el.IsContentEditable():
		current = el.InnerText()
	default:
		return automation.Failure("", automation.ErrorKindNotEditable, ErrTargetNotEditable)
	}

	if err := el.Focus(ctx); err != nil {
		return actionFailed(err)
	}
	value := text
	if !clear {
		value = current + text
	}
	if err := el.Fill(ctx, value); err != nil {
		return actionFailed(err)
	}
	e.settle(ctx)
	return e.ok(map[string]any{"typed": true})
}

func (e *Executor) scroll(ctx context.Context, args map[string]any) automation.ToolResult {
	if amount, ok := numberArg(args, "amount"); ok {
		if err := e.doc.ScrollBy(ctx, amount); err != nil {
			return actionFailed(err)
		}
		return e.ok(map[string]any{"scrolled": true})
	}
	el := e.ResolveTarget(args)
	if el == nil {
		return automation.Failure("", automation.ErrorKindMissingArg, "Missing amount or target element")
	}
	if err := el.ScrollIntoView(ctx); err != nil {
		return actionFailed(err)
	}
	return e.ok(map[string]any{"scrolled": true})
}

// waitFor blocks until selector is attached or detached. A timeout is
// reported as ok with found=false.
func (e *Executor) waitFor(ctx context.Context, args map[string]any) automation.ToolResult {
	sel := strings.TrimSpace(stringArg(args, "selector"))
	if sel == "" {
		return automation.Failure("", automation.ErrorKindMissingArg, "Missing selector")
	}
	state := automation.WaitForState(stringArg(args, "state"))
	if state == "" {
		state = automation.WaitAttached
	}
	timeout := millis(args, "timeout", 5*time.Second)

	obs := e.doc.Observe()
	defer obs.Disconnect()

	satisfied := func() (bool, error) {
		el, err := e.doc.QuerySelector(sel)
		if err != nil {
			return false, err
		}
		if state == automation.WaitDetached {
			return el == nil, nil
		}
		return el != nil, nil
	}
	found := map[string]any{"found": state == automation.WaitAttached}

	if ok, err := satisfied(); err != nil {
		return automation.Failure("", automation.ErrorKindInternal, err.Error())
	} else if ok {
		return automation.ToolResult{OK: true, Data: found}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return automation.Failure("", automation.ErrorKindTimeout, ctx.Err().Error())
		case <-deadline.C:
			return automation.ToolResult{OK: true, Data: map[string]any{"found": false}, Error: "timeout", ErrorKind: automation.ErrorKindTimeout}
		case <-obs.C():
			if ok, _ := satisfied(); ok {
				return automation.ToolResult{OK: true, Data: found}
			}
		}
	}
}

var (
	dropdownContainers = []string{
		".ant-select-dropdown:not(.ant-select-dropdown-hidden)",
		`.el-select-dropdown:not([style*="display: none"])`,
		".v-menu__content",
		`[role="listbox"]`,
		".dropdown-menu.show",
		".rc-virtual-list",
	}
	dropdownItems = `[role="option"], .ant-select-item, .el-select-dropdown__item, li, .rc-virtual-list-holder-inner > div`
)

func (e *Executor) selectOption(ctx context.Context, args map[string]any) automation.ToolResult {
	el := e.ResolveTarget(args)
	if el == nil {
		return notFound()
	}

	if el.Tag() == "select" {
		var target *dom.Element
		options := el.Options()
		switch {
		case args["value"] != nil:
			want := fmt.Sprint(args["value"])
			for _, o := range options {
				if o.OptionValue() == want {
					target = o
					break
				}
			}
		case args["text"] != nil:
			want := strings.ToLower(fmt.Sprint(args["text"]))
			for _, o := range options {
				if strings.Contains(strings.ToLower(collapse(o.TextContent())), want) {
					target = o
					break
				}
			}
		default:
			if idx, ok := numberArg(args, "index"); ok && idx >= 0 && int(idx) < len(options) {
				target = options[int(idx)]
			}
		}
		if target == nil {
			return automation.Failure("", automation.ErrorKindNotFound, "Option not found")
		}
		if err := el.SelectValue(ctx, target.OptionValue()); err != nil {
			return actionFailed(err)
		}
		e.settle(ctx)
		return e.ok(map[string]any{"selected": collapse(target.TextContent())})
	}

	wanted := strings.ToLower(stringArg(args, "text"))
	if wanted == "" && args["value"] != nil {
		wanted = strings.ToLower(fmt.Sprint(args["value"]))
	}
	if wanted == "" {
		return automation.Failure("", automation.ErrorKindMissingArg, "Missing text or value to select")
	}

	if err := el.Click(ctx); err != nil {
		return actionFailed(err)
	}
	e.waitStable(ctx, e.timings.DropdownTimeout, e.timings.DropdownIdle)

	for _, containerSel := range dropdownContainers {
		container, err := e.doc.QuerySelector(containerSel)
		if err != nil || container == nil || !container.Visible() {
			continue
		}
		items, err := container.QuerySelectorAll(dropdownItems)
		if err != nil {
			continue
		}
		for _, item := range items {
			itemText := strings.TrimSpace(item.TextContent())
			lowered := strings.ToLower(itemText)
			if lowered == "" || !(strings.Contains(lowered, wanted) || strings.Contains(wanted, lowered)) {
				continue
			}
			if err := item.Click(ctx); err != nil {
				return actionFailed(err)
			}
			e.settle(ctx)
			return e.ok(map[string]any{"selected": itemText})
		}
	}
	return automation.Failure("", automation.ErrorKindNotFound, "Dropdown option not found")
}

func (e *Executor) check(ctx context.Context, args map[string]any) automation.ToolResult {
	el := e.ResolveTarget(args)
	if el == nil {
		return notFound()
	}
	target, hasTarget := args["checked"].(bool)

	toggle := func() *automation.ToolResult {
		if err := el.Click(ctx); err != nil {
			r := actionFailed(err)
			return &r
		}
		e.settle(ctx)
		return nil
	}

	switch {
	case el.Tag() == "input" && el.InputType() == "checkbox":
		if !hasTarget || el.Checked() != target {
			if r := toggle(); r != nil {
				return *r
			}
		}
		return e.ok(map[string]any{"checked": el.Checked()})

	case el.Tag() == "input" && el.InputType() == "radio":
		if r := toggle(); r != nil {
			return *r
		}
		return e.ok(map[string]any{"checked": el.Checked()})

	case el.HasAttribute("aria-checked"):
		current := el.GetAttribute("aria-checked") == "true"
		if !hasTarget || current != target {
			if r := toggle(); r != nil {
				return *r
			}
		}
		return e.ok(map[string]any{"checked": el.GetAttribute("aria-checked") == "true"})
	}

	current := el.HasClass("ant-switch-checked") || el.HasClass("el-switch__core") || el.HasClass("is-checked")
	if !hasTarget || current != target {
		if r := toggle(); r != nil {
			return *r
		}
	}
	checked := el.HasClass("ant-switch-checked") || el.HasClass("is-checked") || el.GetAttribute("aria-checked") == "true"
	return e.ok(map[string]any{"checked": checked})
}

func (e *Executor) hover(ctx context.Context, args map[string]any) automation.ToolResult {
	el := e.ResolveTarget(args)
	if el == nil {
		return notFound()
	}
	duration := millis(args, "duration", 300*time.Millisecond)

	if err := el.ScrollIntoView(ctx); err != nil {
		return actionFailed(err)
	}
	if err := el.Hover(ctx); err != nil {
		return actionFailed(err)
	}
	if err := sleepCtx(ctx, duration); err != nil {
		return automation.Failure("", automation.ErrorKindTimeout, err.Error())
	}
	e.settle(ctx)
	return e.ok(map[string]any{"hovered": true})
}

var keyCodes = map[string]string{
	"Enter":      "Enter",
	"Escape":     "Escape",
	"Tab":        "Tab",
	"ArrowDown":  "ArrowDown",
	"ArrowUp":    "ArrowUp",
	"ArrowLeft":  "ArrowLeft",
	"ArrowRight": "ArrowRight",
	"Backspace":  "Backspace",
	"Delete":     "Delete",
	"Space":      "Space",
}

func (e *Executor) pressKey(ctx context.Context, args map[string]any) automation.ToolResult {
	key := stringArg(args, "key")
	if key == "" {
		return automation.Failure("", automation.ErrorKindMissingArg, "Missing key")
	}

	el := e.ResolveTarget(args)
	if el == nil {
		el = e.doc.ActiveElement()
	}
	if el == nil {
		el = e.doc.DocumentElement()
	}
	if el == nil {
		return notFound()
	}

	code, ok := keyCodes[key]
	if !ok {
		code = key
	}
	value := key
	if key == "Space" {
		value = " "
	}
	mods, _ := args["modifiers"].(map[string]any)
	press := dom.KeyPress{
		Key:   value,
		Code:  code,
		Ctrl:  boolArg(mods, "ctrl"),
		Shift: boolArg(mods, "shift"),
		Alt:   boolArg(mods, "alt"),
		Meta:  boolArg(mods, "meta"),
	}
	if err := el.Press(ctx, press); err != nil {
		return actionFailed(err)
	}
	return e.ok(map[string]any{"pressed": true})
}

func (e *Executor) getValue(args map[string]any) automation.ToolResult {
	el := e.ResolveTarget(args)
	if el == nil {
		return notFound()
	}

	if attr := stringArg(args, "attribute"); attr != "" {
		data := map[string]any{"attribute": attr}
		if v := el.GetAttribute(attr); v != "" {
			data["value"] = v
		}
		return automation.ToolResult{OK: true, Data: data}
	}

	switch el.Tag() {
	case "input", "textarea", "select":
		if t := el.InputType(); t == "checkbox" || t == "radio" {
			return automation.ToolResult{OK: true, Data: map[string]any{"value": el.Value(), "checked": el.Checked()}}
		}
		return automation.ToolResult{OK: true, Data: map[string]any{"value": el.Value()}}
	}
	return automation.ToolResult{OK: true, Data: map[string]any{"text": strings.TrimSpace(el.InnerText())}}
}
