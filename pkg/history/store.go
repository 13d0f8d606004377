// Package history keeps a capped, most-recent-first record of automation
// runs. Runs are deduplicated by id on write and stored redacted: typed text
// never reaches disk and long page text is truncated.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/gobwas/glob"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/logging"
)

var historyLog *logging.Logger

func init() {
	var err error
	historyLog, err = logging.NewLogger("history")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize history logger, using stderr fallback: %v\n", err)
	}
}

// DefaultLimit is how many runs a store keeps.
const DefaultLimit = 20

// resultTextLimit bounds result.data.text in stored runs.
const resultTextLimit = 200

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("history: run not found")

// Store persists run snapshots.
type Store interface {
	// Save upserts run at the head of the history and trims to the limit.
	Save(ctx context.Context, run automation.RunState) error
	// List returns runs most recent first.
	List(ctx context.Context) ([]automation.RunState, error)
	Get(ctx context.Context, runID string) (automation.RunState, error)
	Clear(ctx context.Context) error
}

// Sanitize returns a redacted deep copy of run: args.text becomes
// __redacted__(<len>) and result.data.text is cut to 200 characters with its
// original length recorded as textLength.
func Sanitize(run automation.RunState) automation.RunState {
	out := run.Snapshot()
	for i := range out.Steps {
		s := &out.Steps[i]
		if text, ok := s.Args["text"].(string); ok {
			s.Args["text"] = fmt.Sprintf("__redacted__(%d)", utf8.RuneCountInString(text))
		}
		if s.Result == nil || s.Result.Data == nil {
			continue
		}
		if text, ok := s.Result.Data["text"].(string); ok {
			n := utf8.RuneCountInString(text)
			if n > resultTextLimit {
				s.Result.Data["text"] = string([]rune(text)[:resultTextLimit]) + "…"
			}
			s.Result.Data["textLength"] = n
		}
	}
	return out
}

// Filter selects runs by goal pattern and status.
type Filter struct {
	goal   glob.Glob
	status automation.RunStatus
}

// NewFilter compiles goalPattern (empty matches all). An empty status
// matches every status.
func NewFilter(goalPattern string, status automation.RunStatus) (*Filter, error) {
	f := &Filter{status: status}
	if goalPattern != "" {
		g, err := glob.Compile(goalPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid goal pattern '%s': %w", goalPattern, err)
		}
		f.goal = g
	}
	return f, nil
}

// Match reports whether run passes the filter.
func (f *Filter) Match(run automation.RunState) bool {
	if f == nil {
		return true
	}
	if f.status != "" && run.Status != f.status {
		return false
	}
	return f.goal == nil || f.goal.Match(run.Goal)
}

// Apply returns the runs that match, keeping order.
func (f *Filter) Apply(runs []automation.RunState) []automation.RunState {
	out := make([]automation.RunState, 0, len(runs))
	for _, r := range runs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// upsert puts run first, drops older copies and trims to limit.
func upsert(runs []automation.RunState, run automation.RunState, limit int) []automation.RunState {
	next := make([]automation.RunState, 0, len(runs)+1)
	next = append(next, run)
	for _, r := range runs {
		if r.RunID != run.RunID {
			next = append(next, r)
		}
	}
	if limit > 0 && len(next) > limit {
		next = next[:limit]
	}
	return next
}
