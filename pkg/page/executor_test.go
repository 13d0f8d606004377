package page

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/capture"
	"github.com/entrhq/pagepilot/pkg/dom"
)

var fastTimings = Timings{
	StableIdle:      5 * time.Millisecond,
	StableTimeout:   30 * time.Millisecond,
	DropdownIdle:    5 * time.Millisecond,
	DropdownTimeout: 30 * time.Millisecond,
}

type fakeCapturer struct {
	mu        sync.Mutex
	shots     []capture.ScreenshotOptions
	downloads []capture.DownloadOptions
	panicMsg  string
}

func (f *fakeCapturer) TakeScreenshot(_ context.Context, opts capture.ScreenshotOptions) capture.ScreenshotResult {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots = append(f.shots, opts)
	return capture.ScreenshotResult{OK: true, DataURL: "data:image/png;base64,AA==", Downloaded: opts.SaveToLocal, Filename: opts.Filename + ".png"}
}

func (f *fakeCapturer) DownloadFile(_ context.Context, opts capture.DownloadOptions) capture.DownloadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, opts)
	return capture.DownloadResult{OK: true, DownloadID: len(f.downloads), Filename: opts.Filename}
}

func newTestExecutor(t *testing.T, markup string, opts ...Option) *Executor {
	t.Helper()
	doc, err := dom.Parse(markup, dom.WithURL("https://example.com/app/index.html"))
	require.NoError(t, err)
	return NewExecutor(doc, append([]Option{WithTimings(fastTimings)}, opts...)...)
}

func run(t *testing.T, e *Executor, tool automation.ToolName, args map[string]any) automation.ToolResult {
	t.Helper()
	return e.Execute(context.Background(), automation.ToolCall{Tool: tool, Args: args})
}

func elements(t *testing.T, res automation.ToolResult) []automation.ElementSummary {
	t.Helper()
	require.True(t, res.OK, res.Error)
	els, ok := res.Data["elements"].([]automation.ElementSummary)
	require.True(t, ok)
	return els
}

func TestExecute_UnknownTool(t *testing.T) {
	e := newTestExecutor(t, `<html><body></body></html>`)
	res := run(t, e, "teleport", nil)

	assert.False(t, res.OK)
	assert.Equal(t, "Unknown tool: teleport", res.Error)
	assert.Equal(t, automation.ToolName("teleport"), res.Tool)
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	e := newTestExecutor(t, `<html><body></body></html>`, WithCapturer(&fakeCapturer{panicMsg: "boom"}))
	res := run(t, e, automation.ToolScreenshot, nil)

	assert.False(t, res.OK)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, automation.ErrorKindInternal, res.ErrorKind)
	assert.Equal(t, automation.ToolScreenshot, res.Tool)
}

func TestGetPageInfoAndVisibleText(t *testing.T) {
	e := newTestExecutor(t, `<html><head><title>Orders</title></head><body>
<h1>Orders</h1>
<label for="q">Search</label><input id="q" value="shoes">
<p style="display:none">secret</p>
</body></html>`)

	res := run(t, e, automation.ToolGetPageInfo, nil)
	require.True(t, res.OK)
	assert.Equal(t, "https://example.com/app/index.html", res.Data["url"])
	assert.Equal(t, "Orders", res.Data["title"])

	res = run(t, e, automation.ToolGetVisibleText, nil)
	require.True(t, res.OK)
	text := res.Data["text"].(string)
	assert.Contains(t, text, "Orders")
	assert.Contains(t, text, "[Search: shoes]")
	assert.NotContains(t, text, "secret")

	res = run(t, e, automation.ToolGetVisibleText, map[string]any{"limit": float64(3)})
	assert.Equal(t, "Ord...", res.Data["text"])
}

func TestQuery_VisibleOnlyAndRemembered(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<button id="a" data-testid="save-btn">Save</button>
<button hidden>Hidden</button>
<button class="x y z">Other</button>
</body></html>`)

	els := elements(t, run(t, e, automation.ToolQuery, map[string]any{"selector": "button"}))
	require.Len(t, els, 2)
	assert.Equal(t, "#a", els[0].SelectorHint)
	assert.Equal(t, "Save", els[0].Text)
	assert.Same(t, e.Document().GetElementByID("a"), e.Store().Get(els[0].ID))

	res := run(t, e, automation.ToolQuery, map[string]any{"selector": "div["})
	assert.False(t, res.OK)
}

func TestQuery_TestIDHintResolves(t *testing.T) {
	for _, attr := range []string{"data-testid", "data-test-id", "data-test"} {
		t.Run(attr, func(t *testing.T) {
			e := newTestExecutor(t, `<html><body><div><span>x</span><button `+attr+`="go">Go</button></div></body></html>`)

			els := elements(t, run(t, e, automation.ToolQuery, map[string]any{"selector": "button"}))
			require.Len(t, els, 1)
			assert.Equal(t, "["+attr+`="go"]`, els[0].SelectorHint)

			want := e.Store().Get(els[0].ID)
			require.NotNil(t, want)
			assert.Same(t, want, e.ResolveTarget(map[string]any{"selector": els[0].SelectorHint}))

			res := run(t, e, automation.ToolGetValue, map[string]any{"selector": els[0].SelectorHint})
			require.True(t, res.OK, res.Error)
			assert.Equal(t, "Go", res.Data["text"])
		})
	}
}

func TestFindByText_RoleButtonRanking(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<a id="help" href="/help">登录帮助</a>
<form><button id="login" type="submit">提交登录</button></form>
</body></html>`)

	els := elements(t, run(t, e, automation.ToolFindByText, map[string]any{"text": "登录", "role": "button"}))
	require.NotEmpty(t, els)
	assert.Equal(t, "button", els[0].Tag)
	assert.Equal(t, "提交登录", els[0].Text)
	for _, el := range els {
		assert.NotEqual(t, "a", el.Tag)
	}
}

func TestFindByText_ImplicitRoles(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<input id="q" placeholder="Search products">
<div id="fake" role="textbox" aria-label="Search notes"></div>
<a id="more" href="/search">Search tips</a>
<span>Search history</span>
</body></html>`)

	ids := func(role string) []string {
		els := elements(t, run(t, e, automation.ToolFindByText, map[string]any{"text": "search", "role": role}))
		var out []string
		for _, el := range els {
			out = append(out, e.Store().Get(el.ID).ID())
		}
		return out
	}

	assert.ElementsMatch(t, []string{"q", "fake"}, ids("textbox"))
	assert.Equal(t, []string{"more"}, ids("link"))
	assert.Empty(t, ids("checkbox"))
	assert.Len(t, elements(t, run(t, e, automation.ToolFindByText, map[string]any{"text": "search"})), 4)
}

func TestFindByText_Scoring(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<button id="p" data-pagepilot-rect="0,0,80,20">Export all</button>
<button id="x" data-pagepilot-rect="0,30,80,20">Export</button>
<button id="d" disabled data-pagepilot-rect="0,60,80,20">Export</button>
</body></html>`)

	els := elements(t, run(t, e, automation.ToolFindByText, map[string]any{"text": "export", "role": "button"}))
	require.Len(t, els, 3)
	assert.Equal(t, "#x", els[0].SelectorHint, "exact beats prefix")
	assert.Equal(t, "#p", els[1].SelectorHint)
	assert.Equal(t, "#d", els[2].SelectorHint, "disabled is penalized")

	res := run(t, e, automation.ToolFindByText, map[string]any{"text": "  "})
	assert.False(t, res.OK)
}

func TestClick_RiskConfirmation(t *testing.T) {
	e := newTestExecutor(t, `<html><body><button id="save">提交</button></body></html>`)
	clicks := 0
	e.Document().GetElementByID("save").AddEventListener("click", func(*dom.Event) { clicks++ })

	res := run(t, e, automation.ToolClick, map[string]any{"selector": "#save"})
	require.True(t, res.OK)
	assert.True(t, res.RequiresConfirmation)
	assert.Equal(t, automation.ReasonSubmit, res.ConfirmationReason)
	assert.Equal(t, msgDataChange, res.ConfirmationMessage)
	assert.Equal(t, false, res.Data["clicked"])
	assert.Equal(t, 0, clicks)

	res = run(t, e, automation.ToolClick, map[string]any{"selector": "#save", "force": true})
	require.True(t, res.OK)
	assert.False(t, res.RequiresConfirmation)
	assert.Equal(t, true, res.Data["clicked"])
	assert.Equal(t, 1, clicks)
	assert.Equal(t, "https://example.com/app/index.html", res.Observations.URL)
}

func TestAssessClick(t *testing.T) {
	doc := dom.MustParse(`<html><body>
<a id="ext" href="https://other.example/x">Docs</a>
<a id="blank" href="/x" target="_blank">Open</a>
<a id="file" href="/reports/q1.xlsx">Q1</a>
<button id="exp">导出</button>
<form><input id="sub" type="submit" value="Go"><button id="ok" type="button">确定</button></form>
<button id="plain">Next</button>
</body></html>`)

	tests := []struct {
		id     string
		reason automation.ConfirmationReason
		msg    string
	}{
		{"ext", automation.ReasonNavigation, msgNavigation},
		{"blank", automation.ReasonNavigation, msgNavigation},
		{"file", automation.ReasonDownload, msgDownload},
		{"exp", automation.ReasonDownload, msgDownload},
		{"sub", automation.ReasonSubmit, msgFormSubmit},
		{"ok", automation.ReasonSubmit, msgFormSubmit},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			r := assessClick(doc.GetElementByID(tt.id))
			require.NotNil(t, r)
			assert.Equal(t, tt.reason, r.reason)
			assert.Equal(t, tt.msg, r.message)
		})
	}
	assert.Nil(t, assessClick(doc.GetElementByID("plain")))
}

func TestType(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<input id="name" value="Al">
<input id="pw" type="password">
<div id="ed" contenteditable="true">x</div>
<div id="plain">y</div>
</body></html>`)
	doc := e.Document()

	res := run(t, e, automation.ToolType, map[string]any{"selector": "#name", "text": "ice", "clear": false})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "Alice", doc.GetElementByID("name").Value())

	res = run(t, e, automation.ToolType, map[string]any{"selector": "#name", "text": "Bob"})
	require.True(t, res.OK)
	assert.Equal(t, "Bob", doc.GetElementByID("name").Value())
	assert.Same(t, doc.GetElementByID("name"), doc.ActiveElement())

	res = run(t, e, automation.ToolType, map[string]any{"selector": "#pw", "text": "hunter2"})
	require.True(t, res.OK)
	assert.True(t, res.RequiresConfirmation)
	assert.Equal(t, automation.ReasonSensitiveInput, res.ConfirmationReason)
	assert.Equal(t, "", doc.GetElementByID("pw").Value())

	res = run(t, e, automation.ToolType, map[string]any{"selector": "#pw", "text": "hunter2", "force": true})
	require.True(t, res.OK)
	assert.Equal(t, "hunter2", doc.GetElementByID("pw").Value())

	res = run(t, e, automation.ToolType, map[string]any{"selector": "#ed", "text": "hello"})
	require.True(t, res.OK)
	assert.Equal(t, "hello", doc.GetElementByID("ed").TextContent())

	res = run(t, e, automation.ToolType, map[string]any{"selector": "#plain", "text": "z"})
	assert.False(t, res.OK)
	assert.Equal(t, ErrTargetNotEditable, res.Error)
	assert.Equal(t, automation.ErrorKindNotEditable, res.ErrorKind)

	res = run(t, e, automation.ToolType, map[string]any{"selector": "#nope", "text": "z"})
	assert.Equal(t, ErrTargetNotFound, res.Error)
	assert.Equal(t, automation.ErrorKindNotFound, res.ErrorKind)
}

func TestWaitFor(t *testing.T) {
	e := newTestExecutor(t, `<html><body><div id="spinner">loading</div></body></html>`)

	res := run(t, e, automation.ToolWaitFor, map[string]any{"selector": "#spinner"})
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["found"])

	start := time.Now()
	res = run(t, e, automation.ToolWaitFor, map[string]any{"selector": "#spinner", "state": "detached", "timeout": float64(200)})
	elapsed := time.Since(start)
	require.True(t, res.OK)
	assert.Equal(t, false, res.Data["found"])
	assert.Equal(t, automation.ErrorKindTimeout, res.ErrorKind)
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		el, _ := e.Document().CreateElement(`<p class="done">ok</p>`)
		e.Document().Body().AppendChild(el)
	}()
	res = run(t, e, automation.ToolWaitFor, map[string]any{"selector": ".done", "timeout": float64(2000)})
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["found"])
	assert.Empty(t, res.ErrorKind)

	res = run(t, e, automation.ToolWaitFor, map[string]any{"selector": "p[", "timeout": float64(10)})
	assert.False(t, res.OK)
}

func TestSelect_Native(t *testing.T) {
	e := newTestExecutor(t, `<html><body><select id="lang">
<option value="en">English</option><option value="zh">中文</option><option value="fr">Français</option>
</select></body></html>`)
	sel := e.Document().GetElementByID("lang")

	res := run(t, e, automation.ToolSelect, map[string]any{"selector": "#lang", "text": "中文"})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "中文", res.Data["selected"])
	assert.Equal(t, "zh", sel.Value())

	res = run(t, e, automation.ToolSelect, map[string]any{"selector": "#lang", "value": "fr"})
	require.True(t, res.OK)
	assert.Equal(t, "fr", sel.Value())

	res = run(t, e, automation.ToolSelect, map[string]any{"selector": "#lang", "index": float64(0)})
	require.True(t, res.OK)
	assert.Equal(t, "en", sel.Value())

	res = run(t, e, automation.ToolSelect, map[string]any{"selector": "#lang", "value": "de"})
	assert.False(t, res.OK)
	assert.Equal(t, "Option not found", res.Error)
}

func TestSelect_FrameworkDropdown(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<div id="picker" class="ant-select">Pick fruit</div>
<div class="ant-select-dropdown">
  <div class="ant-select-item" id="apple">Apple</div>
  <div class="ant-select-item" id="banana">Banana</div>
</div>
</body></html>`)
	picked := ""
	e.Document().GetElementByID("banana").AddEventListener("click", func(ev *dom.Event) { picked = "banana" })

	res := run(t, e, automation.ToolSelect, map[string]any{"selector": "#picker", "text": "banana"})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "Banana", res.Data["selected"])
	assert.Equal(t, "banana", picked)

	res = run(t, e, automation.ToolSelect, map[string]any{"selector": "#picker", "text": "cherry"})
	assert.Equal(t, "Dropdown option not found", res.Error)

	res = run(t, e, automation.ToolSelect, map[string]any{"selector": "#picker"})
	assert.Equal(t, automation.ErrorKindMissingArg, res.ErrorKind)
}

func TestCheck(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<input id="agree" type="checkbox">
<div id="sw" role="switch" aria-checked="false"></div>
</body></html>`)
	sw := e.Document().GetElementByID("sw")
	sw.AddEventListener("click", func(*dom.Event) {
		if sw.GetAttribute("aria-checked") == "true" {
			sw.SetAttribute("aria-checked", "false")
		} else {
			sw.SetAttribute("aria-checked", "true")
		}
	})

	res := run(t, e, automation.ToolCheck, map[string]any{"selector": "#agree", "checked": true})
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["checked"])

	res = run(t, e, automation.ToolCheck, map[string]any{"selector": "#agree", "checked": true})
	assert.Equal(t, true, res.Data["checked"], "already in the requested state")

	res = run(t, e, automation.ToolCheck, map[string]any{"selector": "#agree"})
	assert.Equal(t, false, res.Data["checked"], "no target toggles")

	res = run(t, e, automation.ToolCheck, map[string]any{"selector": "#sw", "checked": true})
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["checked"])
}

func TestPressKey_EnterSubmits(t *testing.T) {
	e := newTestExecutor(t, `<html><body><form id="f"><input id="q"></form></body></html>`)
	submitted := false
	e.Document().GetElementByID("f").AddEventListener("submit", func(*dom.Event) { submitted = true })

	var seen dom.KeyPress
	e.Document().GetElementByID("q").AddEventListener("keydown", func(ev *dom.Event) {
		seen = dom.KeyPress{Key: ev.Key, Code: ev.Code, Ctrl: ev.CtrlKey}
	})

	res := run(t, e, automation.ToolPressKey, map[string]any{"selector": "#q", "key": "Enter", "modifiers": map[string]any{"ctrl": true}})
	require.True(t, res.OK, res.Error)
	assert.True(t, submitted)
	assert.Equal(t, "Enter", seen.Key)
	assert.True(t, seen.Ctrl)

	res = run(t, e, automation.ToolPressKey, map[string]any{})
	assert.Equal(t, automation.ErrorKindMissingArg, res.ErrorKind)
}

func TestGetValue(t *testing.T) {
	e := newTestExecutor(t, `<html><body>
<input id="n" value="42">
<input id="c" type="checkbox" checked>
<a id="l" href="/x"> Link  text </a>
</body></html>`)

	res := run(t, e, automation.ToolGetValue, map[string]any{"selector": "#n"})
	assert.Equal(t, "42", res.Data["value"])

	res = run(t, e, automation.ToolGetValue, map[string]any{"selector": "#c"})
	assert.Equal(t, true, res.Data["checked"])

	res = run(t, e, automation.ToolGetValue, map[string]any{"selector": "#l"})
	assert.Equal(t, "Link  text", res.Data["text"])

	res = run(t, e, automation.ToolGetValue, map[string]any{"selector": "#l", "attribute": "href"})
	assert.Equal(t, "/x", res.Data["value"])
}

func TestScrollAndHover(t *testing.T) {
	e := newTestExecutor(t, `<html><body><div id="menu">Menu</div></body></html>`)

	res := run(t, e, automation.ToolScroll, map[string]any{"amount": float64(300)})
	require.True(t, res.OK)
	assert.Equal(t, float64(300), e.Document().ScrollY())

	res = run(t, e, automation.ToolScroll, map[string]any{})
	assert.Equal(t, "Missing amount or target element", res.Error)

	hovered := false
	e.Document().GetElementByID("menu").AddEventListener("mouseover", func(*dom.Event) { hovered = true })
	res = run(t, e, automation.ToolHover, map[string]any{"selector": "#menu", "duration": float64(1)})
	require.True(t, res.OK)
	assert.True(t, hovered)
}

func TestScreenshotAndDownload(t *testing.T) {
	fc := &fakeCapturer{}
	e := newTestExecutor(t, `<html><body>
<img id="logo" src="/img/logo.png" data-pagepilot-rect="10,20,100,50">
<a id="rep" href="reports/q1.csv" download="q1-report.csv">Q1</a>
<div id="bg" style="background-image: url('/bg/hero.jpg')"></div>
<p id="txt">nothing</p>
</body></html>`, WithCapturer(fc), WithClock(func() time.Time { return time.UnixMilli(42) }))

	res := run(t, e, automation.ToolScreenshot, map[string]any{"selector": "#logo", "format": "jpeg", "saveToLocal": false})
	require.True(t, res.OK, res.Error)
	require.Len(t, fc.shots, 1)
	shot := fc.shots[0]
	assert.Equal(t, capture.FormatJPEG, shot.Format)
	assert.False(t, shot.SaveToLocal)
	assert.Equal(t, "screenshot_42", shot.Filename)
	require.NotNil(t, shot.ElementRect)
	assert.Equal(t, float64(100), shot.ElementRect.Width)
	assert.True(t, strings.HasSuffix(shot.Selector, "img:nth-of-type(1)"))

	res = run(t, e, automation.ToolDownload, map[string]any{"selector": "#logo"})
	require.True(t, res.OK)
	assert.Equal(t, "https://example.com/img/logo.png", res.Data["url"])
	assert.Equal(t, "logo.png", fc.downloads[0].Filename)

	res = run(t, e, automation.ToolDownload, map[string]any{"selector": "#rep"})
	require.True(t, res.OK)
	assert.Equal(t, "https://example.com/app/reports/q1.csv", res.Data["url"])
	assert.Equal(t, "q1-report.csv", fc.downloads[1].Filename)

	res = run(t, e, automation.ToolDownload, map[string]any{"selector": "#bg"})
	require.True(t, res.OK)
	assert.Equal(t, "https://example.com/bg/hero.jpg", res.Data["url"])
	assert.Equal(t, "background_42.png", fc.downloads[2].Filename)

	res = run(t, e, automation.ToolDownload, map[string]any{"selector": "#txt"})
	assert.Equal(t, "No downloadable resource found in element", res.Error)

	res = run(t, e, automation.ToolDownload, map[string]any{"content": "a,b", "filename": "x.csv", "contentType": "text/csv"})
	require.True(t, res.OK)
	assert.Equal(t, "text/csv", fc.downloads[3].ContentType)

	res = run(t, e, automation.ToolDownload, map[string]any{})
	assert.Equal(t, "Must provide url, content, or element", res.Error)
}

func TestObservations_HashTracksText(t *testing.T) {
	e := newTestExecutor(t, `<html><body><p id="p">one</p></body></html>`)
	before := observe(e.Document())

	e.Document().GetElementByID("p").SetTextContent("two")
	after := observe(e.Document())

	assert.NotEmpty(t, before.VisibleTextHash)
	assert.NotEqual(t, before.VisibleTextHash, after.VisibleTextHash)
	assert.Equal(t, after.VisibleTextHash, observe(e.Document()).VisibleTextHash)
}
