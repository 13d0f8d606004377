// Package automation defines the vocabulary shared by the orchestrator, the
// page-side executor and the transports between them: tool calls, tool
// results, element summaries and run state.
package automation

// ToolName identifies one tool of the closed automation vocabulary.
type ToolName string

const (
	ToolGetPageInfo    ToolName = "getPageInfo"
	ToolGetVisibleText ToolName = "getVisibleText"
	ToolQuery          ToolName = "query"
	ToolFindByText     ToolName = "findByText"
	ToolClick          ToolName = "click"
	ToolType           ToolName = "type"
	ToolScroll         ToolName = "scroll"
	ToolWaitFor        ToolName = "waitFor"
	ToolSelect         ToolName = "select"
	ToolCheck          ToolName = "check"
	ToolHover          ToolName = "hover"
	ToolPressKey       ToolName = "pressKey"
	ToolGetValue       ToolName = "getValue"
	ToolScreenshot     ToolName = "screenshot"
	ToolDownload       ToolName = "download"
)

// WaitForState is the condition waitFor blocks on.
type WaitForState string

const (
	WaitAttached WaitForState = "attached"
	WaitDetached WaitForState = "detached"
)

// ConfirmationReason tags why a tool result asks for human approval.
type ConfirmationReason string

const (
	ReasonSubmit         ConfirmationReason = "submit"
	ReasonDownload       ConfirmationReason = "download"
	ReasonNavigation     ConfirmationReason = "navigation"
	ReasonSensitiveInput ConfirmationReason = "sensitive_input"
	ReasonPolicy         ConfirmationReason = "policy"
	ReasonUnknown        ConfirmationReason = "unknown"
)

// ToolCall is one action requested by the model.
type ToolCall struct {
	Tool ToolName       `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Clone returns a copy of the call whose args map can be modified freely.
func (c ToolCall) Clone() ToolCall {
	out := ToolCall{Tool: c.Tool}
	if c.Args != nil {
		out.Args = make(map[string]any, len(c.Args))
		for k, v := range c.Args {
			out.Args[k] = v
		}
	}
	return out
}

// StringArg returns args[key] when it is a string.
func (c ToolCall) StringArg(key string) string {
	if c.Args == nil {
		return ""
	}
	s, _ := c.Args[key].(string)
	return s
}

// WithArg returns a clone of the call with args[key] set to value.
func (c ToolCall) WithArg(key string, value any) ToolCall {
	out := c.Clone()
	if out.Args == nil {
		out.Args = make(map[string]any)
	}
	out.Args[key] = value
	return out
}

// Observations fingerprint the page after a tool ran.
type Observations struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	VisibleTextHash string `json:"visibleTextHash,omitempty"`
}

// ToolResult is the structured outcome of executing a ToolCall. A result is
// always produced, including for internal faults.
type ToolResult struct {
	OK                   bool               `json:"ok"`
	Tool                 ToolName           `json:"tool"`
	Data                 map[string]any     `json:"data,omitempty"`
	Error                string             `json:"error,omitempty"`
	ErrorKind            ErrorKind          `json:"errorKind,omitempty"`
	Observations         *Observations      `json:"observations,omitempty"`
	RequiresConfirmation bool               `json:"requiresConfirmation,omitempty"`
	ConfirmationReason   ConfirmationReason `json:"confirmationReason,omitempty"`
	ConfirmationMessage  string             `json:"confirmationMessage,omitempty"`
}

// ErrorKind classifies a failed ToolResult for callers that prefer not to
// match on error text.
type ErrorKind string

const (
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindNotEditable ErrorKind = "not_editable"
	ErrorKindMissingArg  ErrorKind = "missing_arg"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindTransport   ErrorKind = "transport"
	ErrorKindInternal    ErrorKind = "internal"
)

// Failure builds a failed result for tool.
func Failure(tool ToolName, kind ErrorKind, msg string) ToolResult {
	return ToolResult{OK: false, Tool: tool, Error: msg, ErrorKind: kind}
}

// Rect is an element bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementSummary is a serializable snapshot of a located element. SelectorHint
// is the fallback locator used when the element id has expired.
type ElementSummary struct {
	ID           string `json:"id"`
	Tag          string `json:"tag"`
	Role         string `json:"role,omitempty"`
	Text         string `json:"text,omitempty"`
	LabelText    string `json:"labelText,omitempty"`
	Name         string `json:"name,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
	InputType    string `json:"inputType,omitempty"`
	SelectorHint string `json:"selectorHint,omitempty"`
	Rect         *Rect  `json:"rect,omitempty"`
}

// StepStatus is the lifecycle state of one logged step.
type StepStatus string

const (
	StepRunning             StepStatus = "running"
	StepWaitingConfirmation StepStatus = "waiting_confirmation"
	StepCompleted           StepStatus = "completed"
	StepFailed              StepStatus = "failed"
	StepCancelled           StepStatus = "cancelled"
)

// LocatorUsed records which locator a step ended up using.
type LocatorUsed string

const (
	LocatorElementID    LocatorUsed = "elementId"
	LocatorSelector     LocatorUsed = "selector"
	LocatorSelectorHint LocatorUsed = "selectorHint"
	LocatorNone         LocatorUsed = "none"
)

// StepLog is one tool-call attempt chain within a run.
type StepLog struct {
	StepID      string         `json:"stepId"`
	Tool        ToolName       `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Status      StepStatus     `json:"status"`
	StartedAt   int64          `json:"startedAt"`
	EndedAt     int64          `json:"endedAt,omitempty"`
	Result      *ToolResult    `json:"result,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	LocatorUsed LocatorUsed    `json:"locatorUsed,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning             RunStatus = "running"
	RunWaitingConfirmation RunStatus = "waiting_confirmation"
	RunDone                RunStatus = "done"
	RunFailed              RunStatus = "failed"
	RunStopped             RunStatus = "stopped"
)

// IsTerminal reports whether no further transitions can happen.
func (s RunStatus) IsTerminal() bool {
	return s == RunDone || s == RunFailed || s == RunStopped
}

// RunState is the full state of one goal-driven automation run.
type RunState struct {
	RunID       string    `json:"runId"`
	TabID       string    `json:"tabId"`
	Goal        string    `json:"goal"`
	Status      RunStatus `json:"status"`
	CreatedAt   int64     `json:"createdAt"`
	UpdatedAt   int64     `json:"updatedAt"`
	Steps       []StepLog `json:"steps"`
	Error       string    `json:"error,omitempty"`
	FinalAnswer string    `json:"finalAnswer,omitempty"`
}

// Snapshot deep-copies the run so it can be handed to observers.
func (r *RunState) Snapshot() RunState {
	out := *r
	out.Steps = make([]StepLog, len(r.Steps))
	for i, s := range r.Steps {
		out.Steps[i] = s.clone()
	}
	return out
}

func (s StepLog) clone() StepLog {
	out := s
	out.Args = CloneMap(s.Args)
	if s.Result != nil {
		res := s.Result.Clone()
		out.Result = &res
	}
	return out
}

// Clone deep-copies the result's data map and observations.
func (r ToolResult) Clone() ToolResult {
	out := r
	out.Data = CloneMap(r.Data)
	if r.Observations != nil {
		obs := *r.Observations
		out.Observations = &obs
	}
	return out
}

// CloneMap copies m recursively through nested maps and slices.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []ElementSummary:
		return append([]ElementSummary(nil), t...)
	default:
		return v
	}
}
