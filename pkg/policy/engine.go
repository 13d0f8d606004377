// Package policy decides, before a tool call is dispatched, whether it may
// run, needs operator approval first, or is refused. Decisions come from a
// rego policy evaluated with OPA and from URL glob rules.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/logging"
)

var policyLog *logging.Logger

func init() {
	var err error
	policyLog, err = logging.NewLogger("policy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize policy logger, using stderr fallback: %v\n", err)
	}
}

// Decision is the verdict for one tool call.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Block           Decision = "block"
)

// Query is the rego rule every policy module must define.
const Query = "data.pagepilot.decision"

// Input is the document a policy sees as `input`.
type Input struct {
	Tool automation.ToolName `json:"tool"`
	Args map[string]any      `json:"args"`
	URL  string              `json:"url"`
	Goal string              `json:"goal"`
}

// Evaluator is what the orchestrator consults before dispatching a call.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, string, error)
}

// Engine is the OPA policy engine combined with URL rules.
type Engine struct {
	query rego.PreparedEvalQuery
	rules *URLRules
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithURLRules attaches glob rules checked before the rego policy.
func WithURLRules(r *URLRules) EngineOption {
	return func(e *Engine) {
		e.rules = r
	}
}

// NewEngine prepares policyContent. An empty policy uses DefaultPolicy.
func NewEngine(ctx context.Context, policyContent string, opts ...EngineOption) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query(Query),
		rego.Module("pagepilot.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	e := &Engine{query: query}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// LoadEngine reads a policy module from path. An empty path uses
// DefaultPolicy.
func LoadEngine(ctx context.Context, path string, opts ...EngineOption) (*Engine, error) {
	content := ""
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		content = string(data)
	}
	return NewEngine(ctx, content, opts...)
}

// Evaluate checks the URL rules, then the rego policy.
// Returns: decision (allow, require_approval, block), reason (optional), error
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, string, error) {
	if e.rules != nil {
		if d, reason := e.rules.Check(in); d != Allow {
			policyLog.Infof("url rule: %s %s on %s (%s)", d, in.Tool, in.URL, reason)
			return d, reason, nil
		}
	}

	if in.Args == nil {
		in.Args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow, "", nil
	}

	d, reason := decode(results[0].Expressions[0].Value)
	if d != Allow {
		policyLog.Infof("rego: %s %s (%s)", d, in.Tool, reason)
	}
	return d, reason, nil
}

// decode accepts either a bare decision string or an object with
// decision and reason keys.
func decode(val any) (Decision, string) {
	switch v := val.(type) {
	case string:
		return normalize(v), ""
	case map[string]any:
		d, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		return normalize(d), reason
	default:
		policyLog.Warnf("unexpected policy result type %T, allowing", val)
		return Allow, ""
	}
}

func normalize(s string) Decision {
	switch Decision(s) {
	case Block, RequireApproval:
		return Decision(s)
	default:
		return Allow
	}
}

// DefaultPolicy allows everything except file: downloads, and asks before
// writing large inline content to disk.
const DefaultPolicy = `
package pagepilot

decision = {"decision": "block", "reason": "downloading file: URLs is not allowed"} {
	input.tool == "download"
	startswith(lower(input.args.url), "file:")
} else = {"decision": "require_approval", "reason": "inline download larger than 1 MB"} {
	input.tool == "download"
	count(input.args.content) > 1048576
} else = {"decision": "allow", "reason": ""} {
	true
}
`
