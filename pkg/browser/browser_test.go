package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pagepilot/pkg/capture"
	"github.com/entrhq/pagepilot/pkg/dom"
)

// The fakes embed the playwright interfaces and override only what a Session
// touches; anything else panics on the nil embedded value.

// pwLocator aliases playwright.Locator so the embedded field is not named
// Locator, which would shadow the interface's Locator method.
type pwLocator = playwright.Locator

type fakeLocator struct {
	pwLocator
	page     *fakePage
	selector string
}

func (l *fakeLocator) First() playwright.Locator { return l }

func (l *fakeLocator) Click(options ...playwright.LocatorClickOptions) error {
	return l.page.record("click " + l.selector)
}

func (l *fakeLocator) Fill(value string, options ...playwright.LocatorFillOptions) error {
	return l.page.record("fill " + l.selector + " " + value)
}

func (l *fakeLocator) Press(key string, options ...playwright.LocatorPressOptions) error {
	return l.page.record("press " + l.selector + " " + key)
}

func (l *fakeLocator) Screenshot(options ...playwright.LocatorScreenshotOptions) ([]byte, error) {
	l.page.record("shot " + l.selector)
	return []byte("element"), nil
}

type fakeMouse struct {
	playwright.Mouse
	page *fakePage
}

func (m *fakeMouse) Wheel(deltaX, deltaY float64) error {
	m.page.mu.Lock()
	m.page.wheel += deltaY
	m.page.mu.Unlock()
	return nil
}

type fakePage struct {
	playwright.Page

	mu        sync.Mutex
	url       string
	snapshots []string
	calls     []string
	wheel     float64
	actionErr error
	shotOpts  playwright.PageScreenshotOptions
	closed    bool
}

func (p *fakePage) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.actionErr
}

func (p *fakePage) Evaluate(expression string, arg ...interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	markup := p.snapshots[0]
	if len(p.snapshots) > 1 {
		p.snapshots = p.snapshots[1:]
	}
	return markup, nil
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil, nil
}

func (p *fakePage) Locator(selector string, options ...playwright.PageLocatorOptions) playwright.Locator {
	return &fakeLocator{page: p, selector: selector}
}

func (p *fakePage) Mouse() playwright.Mouse { return &fakeMouse{page: p} }

func (p *fakePage) WaitForLoadState(options ...playwright.PageWaitForLoadStateOptions) error {
	return nil
}

func (p *fakePage) Screenshot(options ...playwright.PageScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(options) > 0 {
		p.shotOpts = options[0]
	}
	return []byte("page"), nil
}

func (p *fakePage) Close(options ...playwright.PageCloseOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeContext struct{ playwright.BrowserContext }

func (fakeContext) Close(options ...playwright.BrowserContextCloseOptions) error { return nil }

type fakeBrowser struct{ playwright.Browser }

func (fakeBrowser) Close(options ...playwright.BrowserCloseOptions) error { return nil }

func newFakeSession(name string, page *fakePage, at time.Time) *Session {
	return newSession(name, fakeBrowser{}, fakeContext{}, page, SessionOptions{Timeout: time.Second}, at)
}

const beforeClick = `<!DOCTYPE html><html><head><title>Form</title></head><body>
<form><input id="q" value=""><button id="go">Go</button></form></body></html>`

const afterClick = `<!DOCTYPE html><html><head><title>Results</title></head><body>
<form><input id="q" value="golang"><button id="go">Go</button></form></body></html>`

func TestSession_NavigateMirrorsPage(t *testing.T) {
	page := &fakePage{snapshots: []string{beforeClick}}
	s := newFakeSession("main", page, time.Now())

	doc, err := s.Navigate(context.Background(), "https://example.com/search")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/search", doc.URL())
	assert.Equal(t, "Form", doc.Title())
	assert.Same(t, doc, s.Document())
}

func TestSession_PerformReplaysAndRefreshes(t *testing.T) {
	page := &fakePage{url: "https://example.com", snapshots: []string{beforeClick, afterClick}}
	s := newFakeSession("main", page, time.Now())
	ctx := context.Background()

	doc, err := s.Snapshot(ctx)
	require.NoError(t, err)
	button, err := doc.QuerySelector("#go")
	require.NoError(t, err)

	require.NoError(t, button.Click(ctx))

	require.Len(t, page.calls, 1)
	assert.Equal(t, "click "+dom.CSSPath(button), page.calls[0])
	assert.Equal(t, "Results", doc.Title())
	assert.True(t, button.Connected(), "handle should survive the refresh")

	input, _ := doc.QuerySelector("#q")
	assert.Equal(t, "golang", input.Value())
}

func TestSession_PerformPress(t *testing.T) {
	page := &fakePage{snapshots: []string{beforeClick}}
	s := newFakeSession("main", page, time.Now())

	err := s.Perform(context.Background(), dom.Action{
		Kind:      dom.ActionPress,
		Selector:  "html > body > form",
		Key:       "Enter",
		Modifiers: []string{"ctrl", "Shift"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"press html > body > form Control+Shift+Enter"}, page.calls)
}

func TestSession_PerformScroll(t *testing.T) {
	page := &fakePage{snapshots: []string{beforeClick}}
	s := newFakeSession("main", page, time.Now())
	doc, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	require.NoError(t, doc.ScrollBy(context.Background(), 300))
	assert.Equal(t, float64(300), page.wheel)
	assert.Zero(t, doc.ScrollY(), "the mirror does not track scroll when a real page does")
}

func TestSession_PerformErrors(t *testing.T) {
	page := &fakePage{snapshots: []string{beforeClick}, actionErr: errors.New("element is not visible")}
	s := newFakeSession("main", page, time.Now())

	err := s.Perform(context.Background(), dom.Action{Kind: dom.ActionClick, Selector: "html > body"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "click failed")

	assert.Error(t, s.Perform(context.Background(), dom.Action{Kind: dom.ActionClick}))
	assert.Error(t, s.Perform(context.Background(), dom.Action{Kind: "drag", Selector: "html"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Perform(ctx, dom.Action{Kind: dom.ActionClick, Selector: "html"}), context.Canceled)
	assert.Len(t, page.calls, 1)
}

func TestSession_Rasterize(t *testing.T) {
	page := &fakePage{snapshots: []string{beforeClick}}
	s := newFakeSession("main", page, time.Now())
	ctx := context.Background()

	data, err := s.Rasterize(ctx, capture.RasterRequest{FullPage: true, JPEG: true, Quality: 70})
	require.NoError(t, err)
	assert.Equal(t, []byte("page"), data)
	assert.Equal(t, playwright.ScreenshotTypeJpeg, page.shotOpts.Type)
	require.NotNil(t, page.shotOpts.Quality)
	assert.Equal(t, 70, *page.shotOpts.Quality)
	assert.True(t, *page.shotOpts.FullPage)

	_, err = s.Rasterize(ctx, capture.RasterRequest{})
	require.NoError(t, err)
	assert.Equal(t, playwright.ScreenshotTypePng, page.shotOpts.Type)
	assert.Nil(t, page.shotOpts.Quality)

	data, err = s.Rasterize(ctx, capture.RasterRequest{Selector: "#chart"})
	require.NoError(t, err)
	assert.Equal(t, []byte("element"), data)
	assert.Contains(t, page.calls, "shot #chart")
}

func TestSession_TimeoutFollowsDeadline(t *testing.T) {
	s := newFakeSession("main", &fakePage{}, time.Now())

	assert.Equal(t, float64(1000), *s.timeoutFor(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.LessOrEqual(t, *s.timeoutFor(ctx), float64(200))
}

func TestKeyChord(t *testing.T) {
	tests := []struct {
		key  string
		mods []string
		want string
	}{
		{"Enter", nil, "Enter"},
		{"a", []string{"Control"}, "Control+a"},
		{"Tab", []string{"cmd", "alt", "shift"}, "Meta+Alt+Shift+Tab"},
		{"x", []string{"", "Hyper"}, "Hyper+x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keyChord(tt.key, tt.mods))
	}
}

func TestSessionManager_RequiresInitialize(t *testing.T) {
	m := NewSessionManager()
	_, err := m.StartSession("main", SessionOptions{Headless: true})
	assert.Error(t, err)
	assert.NoError(t, m.Shutdown())
}

func TestSessionManager_Sessions(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	m := NewSessionManager()
	m.now = func() time.Time { return now }
	m.SetIdleTimeout(10 * time.Minute)

	fresh := &fakePage{url: "https://b.example"}
	stale := &fakePage{url: "https://a.example"}
	m.sessions["fresh"] = newFakeSession("fresh", fresh, now)
	m.sessions["stale"] = newFakeSession("stale", stale, now.Add(-time.Hour))

	infos := m.ListSessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "fresh", infos[0].Name)
	assert.Equal(t, "https://a.example", infos[1].CurrentURL)

	m.SetMaxSessions(2)
	_, err := m.StartSession("third", SessionOptions{})
	assert.Error(t, err)

	require.NoError(t, m.CleanupIdleSessions())
	assert.True(t, stale.closed)
	assert.False(t, fresh.closed)

	_, err = m.GetSession("stale")
	assert.Error(t, err)
	got, err := m.GetSession("fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Name)

	require.NoError(t, m.CloseSession("fresh"))
	assert.True(t, fresh.closed)
	assert.Error(t, m.CloseSession("fresh"))
}
