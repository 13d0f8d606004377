package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/pagepilot/pkg/capture"
	"github.com/entrhq/pagepilot/pkg/dom"
)

func newSession(name string, b playwright.Browser, c playwright.BrowserContext, p playwright.Page, opts SessionOptions, now time.Time) *Session {
	return &Session{
		Name:      name,
		Browser:   b,
		Context:   c,
		Page:      p,
		Headless:  opts.Headless,
		CreatedAt: now,
		timeout:   opts.Timeout,
		lastUsed:  now,
	}
}

// LastUsedAt is the time of the last operation on this session.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		Name:       s.Name,
		CurrentURL: s.Page.URL(),
		Headless:   s.Headless,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt(),
	}
}

// Navigate loads url and returns the refreshed document.
func (s *Session) Navigate(ctx context.Context, url string) (*dom.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.touch()

	if _, err := s.Page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   s.timeoutFor(ctx),
	}); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	return s.Snapshot(ctx)
}

// Document returns the mirrored document, or nil before the first Snapshot.
func (s *Session) Document() *dom.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Snapshot serializes the live page into the session's document. The first
// call creates the document; later calls Replace it so element handles
// survive where the structure allows.
func (s *Session) Snapshot(ctx context.Context) (*dom.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := s.Page.Evaluate(snapshotScript)
	if err != nil {
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}
	markup, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("snapshot returned %T, want string", raw)
	}
	url := s.Page.URL()

	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	if doc != nil {
		if err := doc.Replace(markup); err != nil {
			return nil, err
		}
		doc.SetURL(url)
		return doc, nil
	}

	doc, err = dom.Parse(markup, dom.WithURL(url), dom.WithActuator(s))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	browserLog.Debugf("session %q mirrored %s (%d bytes)", s.Name, url, len(markup))
	return doc, nil
}

// Perform replays action on the real page, then re-mirrors it.
func (s *Session) Perform(ctx context.Context, action dom.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()
	timeout := s.timeoutFor(ctx)

	var err error
	if action.Kind == dom.ActionScroll {
		err = s.Page.Mouse().Wheel(0, action.Delta)
	} else {
		if action.Selector == "" {
			return fmt.Errorf("%s requires a selector", action.Kind)
		}
		loc := s.Page.Locator(action.Selector).First()
		switch action.Kind {
		case dom.ActionClick:
			err = loc.Click(playwright.LocatorClickOptions{Timeout: timeout})
		case dom.ActionFill:
			err = loc.Fill(action.Value, playwright.LocatorFillOptions{Timeout: timeout})
		case dom.ActionSelect:
			_, err = loc.SelectOption(
				playwright.SelectOptionValues{Values: &[]string{action.Value}},
				playwright.LocatorSelectOptionOptions{Timeout: timeout},
			)
		case dom.ActionHover:
			err = loc.Hover(playwright.LocatorHoverOptions{Timeout: timeout})
		case dom.ActionPress:
			err = loc.Press(keyChord(action.Key, action.Modifiers), playwright.LocatorPressOptions{Timeout: timeout})
		case dom.ActionFocus:
			err = loc.Focus(playwright.LocatorFocusOptions{Timeout: timeout})
		case dom.ActionScrollIntoView:
			err = loc.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{Timeout: timeout})
		default:
			return fmt.Errorf("unsupported action %q", action.Kind)
		}
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", action.Kind, err)
	}

	// Clicks and Enter may start a navigation; settle before mirroring.
	_ = s.Page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: timeout,
	})
	_, err = s.Snapshot(ctx)
	return err
}

// Rasterize renders the page, or the first element matching req.Selector.
func (s *Session) Rasterize(ctx context.Context, req capture.RasterRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.touch()
	timeout := s.timeoutFor(ctx)

	typ := playwright.ScreenshotTypePng
	var quality *int
	if req.JPEG {
		typ = playwright.ScreenshotTypeJpeg
		if req.Quality > 0 {
			quality = playwright.Int(req.Quality)
		}
	}

	if req.Selector != "" {
		return s.Page.Locator(req.Selector).First().Screenshot(playwright.LocatorScreenshotOptions{
			Type:    typ,
			Quality: quality,
			Timeout: timeout,
		})
	}
	return s.Page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(req.FullPage),
		Type:     typ,
		Quality:  quality,
		Timeout:  timeout,
	})
}

func (s *Session) close() error {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	if doc != nil {
		doc.SetActuator(nil)
	}

	var errs []string
	if err := s.Page.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.Context.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.Browser.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing session %q: %s", s.Name, strings.Join(errs, "; "))
	}
	return nil
}

// timeoutFor caps the session timeout by ctx's deadline, in Playwright's
// millisecond unit.
func (s *Session) timeoutFor(ctx context.Context) *float64 {
	d := s.timeout
	if d <= 0 {
		d = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(millis(d))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// keyChord joins modifiers and key the way Playwright's Press expects,
// e.g. "Control+Shift+Enter".
func keyChord(key string, modifiers []string) string {
	parts := make([]string, 0, len(modifiers)+1)
	for _, m := range modifiers {
		switch strings.ToLower(m) {
		case "ctrl", "control":
			parts = append(parts, "Control")
		case "meta", "cmd", "command":
			parts = append(parts, "Meta")
		case "alt", "option":
			parts = append(parts, "Alt")
		case "shift":
			parts = append(parts, "Shift")
		case "":
		default:
			parts = append(parts, m)
		}
	}
	return strings.Join(append(parts, key), "+")
}
