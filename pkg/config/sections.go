package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	SectionIDAutomation = "automation"
	SectionIDBrowser    = "browser"
	SectionIDHistory    = "history"
	SectionIDPolicy     = "policy"

	defaultMaxSteps        = 25
	defaultToolTimeout     = 15 * time.Second
	defaultPersistInterval = 1200 * time.Millisecond
	defaultHistoryLimit    = 20

	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
	defaultBrowserTimeout = 30 * time.Second

	HistoryBackendFile   = "file"
	HistoryBackendSQLite = "sqlite"
)

// AutomationSection bounds each run.
type AutomationSection struct {
	MaxSteps            int
	ToolTimeout         time.Duration
	PersistInterval     time.Duration
	ConfirmationTimeout time.Duration
	mu                  sync.RWMutex
}

// NewAutomationSection creates an automation section with default limits.
func NewAutomationSection() *AutomationSection {
	s := &AutomationSection{}
	s.Reset()
	return s
}

func (s *AutomationSection) ID() string    { return SectionIDAutomation }
func (s *AutomationSection) Title() string { return "Automation" }
func (s *AutomationSection) Description() string {
	return "Step budget and timeouts of a run. A confirmation_timeout of 0 waits for the operator indefinitely."
}

func (s *AutomationSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"max_steps":            s.MaxSteps,
		"tool_timeout":         s.ToolTimeout.String(),
		"persist_interval":     s.PersistInterval.String(),
		"confirmation_timeout": s.ConfirmationTimeout.String(),
	}
}

func (s *AutomationSection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range data {
		var err error
		switch key {
		case "max_steps":
			s.MaxSteps, err = intValue(key, value)
		case "tool_timeout":
			s.ToolTimeout, err = durationValue(key, value)
		case "persist_interval":
			s.PersistInterval, err = durationValue(key, value)
		case "confirmation_timeout":
			s.ConfirmationTimeout, err = durationValue(key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *AutomationSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", s.MaxSteps)
	}
	if s.ToolTimeout <= 0 {
		return fmt.Errorf("tool_timeout must be positive, got %s", s.ToolTimeout)
	}
	if s.PersistInterval < 0 || s.ConfirmationTimeout < 0 {
		return fmt.Errorf("persist_interval and confirmation_timeout must not be negative")
	}
	return nil
}

func (s *AutomationSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MaxSteps = defaultMaxSteps
	s.ToolTimeout = defaultToolTimeout
	s.PersistInterval = defaultPersistInterval
	s.ConfirmationTimeout = 0
}

// Limits returns max steps, tool timeout, persist interval and confirmation
// timeout in one read.
func (s *AutomationSection) Limits() (int, time.Duration, time.Duration, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.MaxSteps, s.ToolTimeout, s.PersistInterval, s.ConfirmationTimeout
}

// BrowserSection configures the playwright bridge.
type BrowserSection struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	Timeout        time.Duration
	mu             sync.RWMutex
}

func NewBrowserSection() *BrowserSection {
	s := &BrowserSection{}
	s.Reset()
	return s
}

func (s *BrowserSection) ID() string          { return SectionIDBrowser }
func (s *BrowserSection) Title() string       { return "Browser" }
func (s *BrowserSection) Description() string { return "Chromium session used by pagepilot run." }

func (s *BrowserSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"headless":        s.Headless,
		"viewport_width":  s.ViewportWidth,
		"viewport_height": s.ViewportHeight,
		"timeout":         s.Timeout.String(),
	}
}

func (s *BrowserSection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range data {
		var err error
		switch key {
		case "headless":
			b, ok := value.(bool)
			if !ok {
				return fmt.Errorf("invalid value type for headless: expected bool, got %T", value)
			}
			s.Headless = b
		case "viewport_width":
			s.ViewportWidth, err = intValue(key, value)
		case "viewport_height":
			s.ViewportHeight, err = intValue(key, value)
		case "timeout":
			s.Timeout, err = durationValue(key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *BrowserSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ViewportWidth <= 0 || s.ViewportHeight <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", s.ViewportWidth, s.ViewportHeight)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	return nil
}

func (s *BrowserSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Headless = true
	s.ViewportWidth = defaultViewportWidth
	s.ViewportHeight = defaultViewportHeight
	s.Timeout = defaultBrowserTimeout
}

// Settings returns headless mode, viewport and default timeout.
func (s *BrowserSection) Settings() (bool, int, int, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Headless, s.ViewportWidth, s.ViewportHeight, s.Timeout
}

// HistorySection selects where run history is kept.
type HistorySection struct {
	Backend string
	Path    string
	Limit   int
	mu      sync.RWMutex
}

func NewHistorySection() *HistorySection {
	s := &HistorySection{}
	s.Reset()
	return s
}

func (s *HistorySection) ID() string    { return SectionIDHistory }
func (s *HistorySection) Title() string { return "History" }
func (s *HistorySection) Description() string {
	return "Run history backend (file or sqlite), its location and how many runs to keep."
}

func (s *HistorySection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"backend": s.Backend,
		"path":    s.Path,
		"limit":   s.Limit,
	}
}

func (s *HistorySection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if backend, ok := data["backend"].(string); ok {
		s.Backend = backend
	}
	if path, ok := data["path"].(string); ok {
		s.Path = path
	}
	if v, present := data["limit"]; present {
		limit, err := intValue("limit", v)
		if err != nil {
			return err
		}
		s.Limit = limit
	}
	return nil
}

func (s *HistorySection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.Backend {
	case HistoryBackendFile, HistoryBackendSQLite:
	default:
		return fmt.Errorf("unknown history backend %q", s.Backend)
	}
	if s.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", s.Limit)
	}
	return nil
}

func (s *HistorySection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Backend = HistoryBackendFile
	s.Path = ""
	s.Limit = defaultHistoryLimit
}

// Location returns the backend and its path, defaulting the path to
// ~/.pagepilot/history.json or ~/.pagepilot/history.db.
func (s *HistorySection) Location() (string, string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.Path
	if path == "" {
		name := "history.json"
		if s.Backend == HistoryBackendSQLite {
			name = "history.db"
		}
		path = filepath.Join(homeDir(), name)
	}
	return s.Backend, path, s.Limit
}

// PolicySection points at the risk policy and its URL rules.
type PolicySection struct {
	File         string
	BlockedURLs  []string
	ApprovalURLs []string
	mu           sync.RWMutex
}

func NewPolicySection() *PolicySection {
	return &PolicySection{}
}

func (s *PolicySection) ID() string    { return SectionIDPolicy }
func (s *PolicySection) Title() string { return "Risk Policy" }
func (s *PolicySection) Description() string {
	return "Rego policy file consulted before each tool call, and URL globs that block calls or require approval."
}

func (s *PolicySection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"file":          s.File,
		"blocked_urls":  append([]string(nil), s.BlockedURLs...),
		"approval_urls": append([]string(nil), s.ApprovalURLs...),
	}
}

func (s *PolicySection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if file, ok := data["file"].(string); ok {
		s.File = file
	}
	for key, dst := range map[string]*[]string{"blocked_urls": &s.BlockedURLs, "approval_urls": &s.ApprovalURLs} {
		v, present := data[key]
		if !present {
			continue
		}
		list, err := stringList(key, v)
		if err != nil {
			return err
		}
		*dst = list
	}
	return nil
}

func (s *PolicySection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.File == "" {
		return nil
	}
	if _, err := os.Stat(s.File); err != nil {
		return fmt.Errorf("policy file: %w", err)
	}
	return nil
}

func (s *PolicySection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.File = ""
	s.BlockedURLs = nil
	s.ApprovalURLs = nil
}

// Rules returns the policy file and copies of both URL lists.
func (s *PolicySection) Rules() (string, []string, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.File, append([]string(nil), s.BlockedURLs...), append([]string(nil), s.ApprovalURLs...)
}

// intValue accepts the float64 produced by JSON decoding as well as ints.
func intValue(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("invalid value for %s: %v is not an integer", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("invalid value type for %s: expected number, got %T", key, v)
	}
}

// durationValue accepts Go duration strings or a number of milliseconds.
func durationValue(key string, v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		return parsed, nil
	case float64:
		return time.Duration(d) * time.Millisecond, nil
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case time.Duration:
		return d, nil
	default:
		return 0, fmt.Errorf("invalid value type for %s: expected duration string, got %T", key, v)
	}
}

func stringList(key string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid entry in %s: expected string, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid value type for %s: expected list, got %T", key, v)
	}
}
