package browser

import (
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/pagepilot/pkg/dom"
)

const (
	DefaultMaxSessions    = 3
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 800
	DefaultTimeout        = 30 * time.Second
)

// Session is one Chromium page driven on behalf of an executor. It mirrors
// the page into a dom.Document and replays interactions against the real
// page, so the same Session acts as the document's Actuator and as the
// capture Rasterizer.
type Session struct {
	// Name is the unique identifier for this session
	Name string

	Browser playwright.Browser
	Context playwright.BrowserContext
	Page    playwright.Page

	Headless  bool
	CreatedAt time.Time

	timeout time.Duration

	mu       sync.Mutex
	lastUsed time.Time
	doc      *dom.Document
}

// SessionOptions configures a new browser session.
type SessionOptions struct {
	Headless bool

	// Viewport sets the initial viewport size
	Viewport *Viewport

	// Timeout bounds every page operation; zero means DefaultTimeout
	Timeout time.Duration
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// SessionInfo contains metadata about a browser session.
type SessionInfo struct {
	Name       string
	CurrentURL string
	Headless   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}
