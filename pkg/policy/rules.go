package policy

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/entrhq/pagepilot/pkg/automation"
)

// URLRules match the current page URL against glob patterns. Only tools that
// change the page or write files are subject to them.
type URLRules struct {
	blocked  []rule
	approval []rule
}

type rule struct {
	pattern string
	g       glob.Glob
}

// NewURLRules compiles the patterns. '*' does not cross '/' or '.', '**'
// matches anything.
func NewURLRules(blocked, approval []string) (*URLRules, error) {
	r := &URLRules{}
	for _, pattern := range blocked {
		g, err := glob.Compile(pattern, '/', '.')
		if err != nil {
			return nil, fmt.Errorf("invalid blocked url pattern '%s': %w", pattern, err)
		}
		r.blocked = append(r.blocked, rule{pattern, g})
	}
	for _, pattern := range approval {
		g, err := glob.Compile(pattern, '/', '.')
		if err != nil {
			return nil, fmt.Errorf("invalid approval url pattern '%s': %w", pattern, err)
		}
		r.approval = append(r.approval, rule{pattern, g})
	}
	return r, nil
}

// Check returns the rule verdict for in. Blocked patterns take precedence.
func (r *URLRules) Check(in Input) (Decision, string) {
	if !governed(in.Tool) || in.URL == "" {
		return Allow, ""
	}
	for _, b := range r.blocked {
		if b.g.Match(in.URL) {
			return Block, "url matches blocked pattern " + b.pattern
		}
	}
	for _, a := range r.approval {
		if a.g.Match(in.URL) {
			return RequireApproval, "url matches approval pattern " + a.pattern
		}
	}
	return Allow, ""
}

func governed(tool automation.ToolName) bool {
	if tool == automation.ToolDownload {
		return true
	}
	spec, ok := automation.LookupTool(tool)
	return ok && spec.Category == automation.CategoryMutator
}
