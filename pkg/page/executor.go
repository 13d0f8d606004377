// Package page executes automation tool calls against a live document.
//
// The Executor is the page-side half of the automation loop: it resolves
// element references, assesses risk before mutating anything, performs the
// interaction and reports a ToolResult. No fault escapes Execute; panics
// and errors are converted into failed results.
package page

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/capture"
	"github.com/entrhq/pagepilot/pkg/dom"
	"github.com/entrhq/pagepilot/pkg/logging"
)

var pageLog *logging.Logger

func init() {
	var err error
	pageLog, err = logging.NewLogger("page")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize page logger, using stderr fallback: %v\n", err)
	}
}

// Failure messages shared with the orchestrator's locator-miss detection.
const (
	ErrTargetNotFound    = "Target element not found"
	ErrTargetNotEditable = "Target element is not editable"
)

// Capturer takes screenshots and downloads files on the executor's behalf.
type Capturer interface {
	TakeScreenshot(ctx context.Context, opts capture.ScreenshotOptions) capture.ScreenshotResult
	DownloadFile(ctx context.Context, opts capture.DownloadOptions) capture.DownloadResult
}

// Timings controls how long the executor waits for the page to settle.
type Timings struct {
	// StableIdle is the mutation-free period after which the page counts as
	// settled.
	StableIdle time.Duration
	// StableTimeout caps the settle wait.
	StableTimeout time.Duration
	// DropdownIdle and DropdownTimeout apply after opening a custom dropdown.
	DropdownIdle    time.Duration
	DropdownTimeout time.Duration
}

// DefaultTimings are the settle parameters used in production.
var DefaultTimings = Timings{
	StableIdle:      160 * time.Millisecond,
	StableTimeout:   800 * time.Millisecond,
	DropdownIdle:    200 * time.Millisecond,
	DropdownTimeout: 1000 * time.Millisecond,
}

// Executor runs tool calls against one document. Calls are expected to be
// serialized by the caller; the executor itself holds no per-call state
// besides the element store.
type Executor struct {
	doc     *dom.Document
	store   *Store
	capture Capturer
	timings Timings
	now     Clock
}

// Option configures an Executor.
type Option func(*Executor)

// WithCapturer sets the screenshot and download collaborator.
func WithCapturer(c Capturer) Option {
	return func(e *Executor) {
		e.capture = c
	}
}

// WithStore replaces the element store.
func WithStore(s *Store) Option {
	return func(e *Executor) {
		e.store = s
	}
}

// WithTimings overrides the settle parameters.
func WithTimings(t Timings) Option {
	return func(e *Executor) {
		e.timings = t
	}
}

// WithClock injects a clock used for generated names and the default store.
func WithClock(c Clock) Option {
	return func(e *Executor) {
		e.now = c
	}
}

// NewExecutor creates an executor bound to doc.
func NewExecutor(doc *dom.Document, opts ...Option) *Executor {
	e := &Executor{
		doc:     doc,
		timings: DefaultTimings,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewStore(DefaultElementTTL, e.now)
	}
	return e
}

// Document returns the document the executor acts on.
func (e *Executor) Document() *dom.Document { return e.doc }

// Store returns the element reference store.
func (e *Executor) Store() *Store { return e.store }

// Execute runs one tool call. It always returns a result.
func (e *Executor) Execute(ctx context.Context, call automation.ToolCall) (res automation.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			pageLog.Errorf("panic executing %s: %v", call.Tool, r)
			res = automation.Failure(call.Tool, automation.ErrorKindInternal, fmt.Sprint(r))
		}
	}()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	pageLog.Debugf("execute %s", call.Tool)

	switch call.Tool {
	case automation.ToolGetPageInfo:
		res = e.getPageInfo()
	case automation.ToolGetVisibleText:
		res = e.getVisibleText(args)
	case automation.ToolQuery:
		res = e.query(args)
	case automation.ToolFindByText:
		res = e.findByText(args)
	case automation.ToolClick:
		res = e.click(ctx, args)
	case automation.ToolType:
		res = e.typeText(ctx, args)
	case automation.ToolScroll:
		res = e.scroll(ctx, args)
	case automation.ToolWaitFor:
		res = e.waitFor(ctx, args)
	case automation.ToolSelect:
		res = e.selectOption(ctx, args)
	case automation.ToolCheck:
		res = e.check(ctx, args)
	case automation.ToolHover:
		res = e.hover(ctx, args)
	case automation.ToolPressKey:
		res = e.pressKey(ctx, args)
	case automation.ToolGetValue:
		res = e.getValue(args)
	case automation.ToolScreenshot:
		res = e.screenshot(ctx, args)
	case automation.ToolDownload:
		res = e.download(ctx, args)
	default:
		return automation.Failure(call.Tool, automation.ErrorKindInternal, fmt.Sprintf("Unknown tool: %s", call.Tool))
	}

	res.Tool = call.Tool
	if !res.OK {
		pageLog.Debugf("%s failed: %s", call.Tool, res.Error)
	}
	return res
}

// ResolveTarget finds the element addressed by args: a live stored elementId
// first, then selector against the document. Bad selectors are a miss.
func (e *Executor) ResolveTarget(args map[string]any) *dom.Element {
	if id, _ := args["elementId"].(string); id != "" {
		if el := e.store.Get(id); el != nil {
			return el
		}
	}
	sel := strings.TrimSpace(stringArg(args, "selector"))
	if sel == "" {
		return nil
	}
	el, err := e.doc.QuerySelector(sel)
	if err != nil {
		return nil
	}
	return el
}

func (e *Executor) remember(el *dom.Element) automation.ElementSummary {
	s := summarize(e.doc, el)
	s.ID = e.store.Put(el)
	return s
}

// waitStable waits until no mutation has been seen for idle, giving up after
// timeout. It reports whether the page settled.
func (e *Executor) waitStable(ctx context.Context, timeout, idle time.Duration) bool {
	obs := e.doc.Observe()
	defer obs.Disconnect()

	quiet := time.NewTimer(idle)
	defer quiet.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-quiet.C:
			return true
		case <-obs.C():
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(idle)
		}
	}
}

func (e *Executor) settle(ctx context.Context) bool {
	return e.waitStable(ctx, e.timings.StableTimeout, e.timings.StableIdle)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) ok(data map[string]any) automation.ToolResult {
	return automation.ToolResult{OK: true, Data: data, Observations: observe(e.doc)}
}

func (e *Executor) needsConfirmation(r *risk, data map[string]any) automation.ToolResult {
	return automation.ToolResult{
		OK:                   true,
		Data:                 data,
		Observations:         observe(e.doc),
		RequiresConfirmation: true,
		ConfirmationReason:   r.reason,
		ConfirmationMessage:  r.message,
	}
}

func notFound() automation.ToolResult {
	return automation.Failure("", automation.ErrorKindNotFound, ErrTargetNotFound)
}

func actionFailed(err error) automation.ToolResult {
	return automation.Failure("", automation.ErrorKindTransport, err.Error())
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func millis(args map[string]any, key string, def time.Duration) time.Duration {
	if n, ok := numberArg(args, key); ok {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
