package types

import "github.com/entrhq/pagepilot/pkg/automation"

// AgentEventType defines the type of event emitted by the orchestrator.
type AgentEventType string

const (
	EventTypeRunStarted           AgentEventType = "run_started"           // EventTypeRunStarted indicates a run was registered and its loop launched.
	EventTypeStatus               AgentEventType = "status"                // EventTypeStatus carries an AUTOMATION_STATUS snapshot of a run.
	EventTypeRunFinished          AgentEventType = "run_finished"          // EventTypeRunFinished indicates a run reached a terminal status.
	EventTypeStepStart            AgentEventType = "step_start"            // EventTypeStepStart indicates a step was appended to the run log.
	EventTypeStepEnd              AgentEventType = "step_end"              // EventTypeStepEnd indicates a step reached a terminal status.
	EventTypeToolCall             AgentEventType = "tool_call"             // EventTypeToolCall indicates a tool call is being dispatched.
	EventTypeToolResult           AgentEventType = "tool_result"           // EventTypeToolResult indicates a successful tool result.
	EventTypeToolResultError      AgentEventType = "tool_result_error"     // EventTypeToolResultError indicates a tool call failed.
	EventTypeSelfHeal             AgentEventType = "self_heal"             // EventTypeSelfHeal indicates a stale element id was retried through its selector hint.
	EventTypePolicyBlocked        AgentEventType = "policy_blocked"        // EventTypePolicyBlocked indicates the risk policy refused a tool call.
	EventTypeConfirmationRequest  AgentEventType = "confirmation_request"  // EventTypeConfirmationRequest indicates a risky step awaits human approval.
	EventTypeConfirmationGranted  AgentEventType = "confirmation_granted"  // EventTypeConfirmationGranted indicates the operator approved the step.
	EventTypeConfirmationRejected AgentEventType = "confirmation_rejected" // EventTypeConfirmationRejected indicates the operator rejected the step.
	EventTypeConfirmationTimeout  AgentEventType = "confirmation_timeout"  // EventTypeConfirmationTimeout indicates no answer arrived in time.
	EventTypeThinkingContent      AgentEventType = "thinking_content"      // EventTypeThinkingContent carries reasoning the model emitted before its decision.
	EventTypeAPICallStart         AgentEventType = "api_call_start"        // EventTypeAPICallStart indicates a model request is in flight.
	EventTypeAPICallEnd           AgentEventType = "api_call_end"          // EventTypeAPICallEnd indicates a model request completed.
	EventTypeTokenUsage           AgentEventType = "token_usage"           // EventTypeTokenUsage carries token usage of one model request.
	EventTypeError                AgentEventType = "error"                 // EventTypeError indicates an error during run processing.
)

// AgentEvent represents an event emitted while a run executes.
type AgentEvent struct {
	// Metadata holds optional additional information about the event.
	Metadata map[string]interface{}

	// ToolInput is the argument map of the call (for tool events).
	ToolInput map[string]interface{}

	// ToolOutput is the result of the call (for tool result events).
	ToolOutput *automation.ToolResult

	// Run is a deep copy of the run state (for status and finish events).
	Run *automation.RunState

	// Error contains error information for error events.
	Error error

	// RunID identifies the run the event belongs to.
	RunID string

	// StepID identifies the step, when the event is step scoped.
	StepID string

	// Content holds text content: thinking text, confirmation messages.
	Content string

	// ToolName is the tool being called (for tool events).
	ToolName automation.ToolName

	// Type indicates the kind of event.
	Type AgentEventType

	// Reason is the confirmation reason (for confirmation events).
	Reason automation.ConfirmationReason

	// TokenUsage contains token usage information (for token usage events).
	TokenUsage *TokenUsage

	// APICallInfo contains API call information (for API call events).
	APICallInfo *APICallInfo
}

// TokenUsage contains token usage statistics from an LLM API call.
type TokenUsage struct {
	// PromptTokens is the number of tokens in the input/prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens in the generated completion/response.
	CompletionTokens int

	// TotalTokens is the total number of tokens used (prompt + completion).
	TotalTokens int
}

// APICallInfo contains information about an API call.
type APICallInfo struct {
	// ContextTokens is the estimated prompt size in tokens.
	ContextTokens int

	// Attempt is 1 for the first request of a step and 2 for a repair re-ask.
	Attempt int
}

// NewRunStartedEvent creates a run started event.
func NewRunStartedEvent(runID, goal string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeRunStarted,
		RunID:    runID,
		Content:  goal,
		Metadata: make(map[string]interface{}),
	}
}

// NewStatusEvent creates a status snapshot event. The caller passes a copy.
func NewStatusEvent(run automation.RunState) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeStatus,
		RunID:    run.RunID,
		Run:      &run,
		Metadata: make(map[string]interface{}),
	}
}

// NewRunFinishedEvent creates a run finished event.
func NewRunFinishedEvent(run automation.RunState) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeRunFinished,
		RunID:    run.RunID,
		Run:      &run,
		Content:  run.FinalAnswer,
		Metadata: make(map[string]interface{}),
	}
}

// NewStepStartEvent creates a step start event.
func NewStepStartEvent(runID, stepID string, tool automation.ToolName) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeStepStart,
		RunID:    runID,
		StepID:   stepID,
		ToolName: tool,
		Metadata: make(map[string]interface{}),
	}
}

// NewStepEndEvent creates a step end event.
func NewStepEndEvent(runID string, step automation.StepLog) *AgentEvent {
	return &AgentEvent{
		Type:       EventTypeStepEnd,
		RunID:      runID,
		StepID:     step.StepID,
		ToolName:   step.Tool,
		ToolOutput: step.Result,
		Metadata:   map[string]interface{}{"status": string(step.Status)},
	}
}

// NewToolCallEvent creates a tool call event.
func NewToolCallEvent(runID, stepID string, call automation.ToolCall) *AgentEvent {
	return &AgentEvent{
		Type:      EventTypeToolCall,
		RunID:     runID,
		StepID:    stepID,
		ToolName:  call.Tool,
		ToolInput: automation.CloneMap(call.Args),
		Metadata:  make(map[string]interface{}),
	}
}

// NewToolResultEvent creates a tool result event.
func NewToolResultEvent(runID, stepID string, res automation.ToolResult) *AgentEvent {
	out := res.Clone()
	return &AgentEvent{
		Type:       EventTypeToolResult,
		RunID:      runID,
		StepID:     stepID,
		ToolName:   res.Tool,
		ToolOutput: &out,
		Metadata:   make(map[string]interface{}),
	}
}

// NewToolResultErrorEvent creates a tool result error event.
func NewToolResultErrorEvent(runID, stepID string, tool automation.ToolName, err error) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeToolResultError,
		RunID:    runID,
		StepID:   stepID,
		ToolName: tool,
		Error:    err,
		Metadata: make(map[string]interface{}),
	}
}

// NewSelfHealEvent creates a self heal event carrying the selector retried.
func NewSelfHealEvent(runID, stepID string, tool automation.ToolName, selector string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeSelfHeal,
		RunID:    runID,
		StepID:   stepID,
		ToolName: tool,
		Content:  selector,
		Metadata: make(map[string]interface{}),
	}
}

// NewPolicyBlockedEvent creates a policy blocked event.
func NewPolicyBlockedEvent(runID, stepID string, tool automation.ToolName, reason string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypePolicyBlocked,
		RunID:    runID,
		StepID:   stepID,
		ToolName: tool,
		Content:  reason,
		Metadata: make(map[string]interface{}),
	}
}

// NewConfirmationRequestEvent creates a confirmation request event.
func NewConfirmationRequestEvent(runID, stepID string, req ConfirmationRequest) *AgentEvent {
	return &AgentEvent{
		Type:      EventTypeConfirmationRequest,
		RunID:     runID,
		StepID:    stepID,
		ToolName:  req.Tool,
		ToolInput: automation.CloneMap(req.Args),
		Reason:    req.Reason,
		Content:   req.Message,
		Metadata:  map[string]interface{}{"title": req.Title},
	}
}

// NewConfirmationGrantedEvent creates a confirmation granted event.
func NewConfirmationGrantedEvent(runID, stepID string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeConfirmationGranted,
		RunID:    runID,
		StepID:   stepID,
		Metadata: make(map[string]interface{}),
	}
}

// NewConfirmationRejectedEvent creates a confirmation rejected event.
func NewConfirmationRejectedEvent(runID, stepID string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeConfirmationRejected,
		RunID:    runID,
		StepID:   stepID,
		Metadata: make(map[string]interface{}),
	}
}

// NewConfirmationTimeoutEvent creates a confirmation timeout event.
func NewConfirmationTimeoutEvent(runID, stepID string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeConfirmationTimeout,
		RunID:    runID,
		StepID:   stepID,
		Metadata: make(map[string]interface{}),
	}
}

// NewThinkingContentEvent creates a thinking content event.
func NewThinkingContentEvent(runID, content string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeThinkingContent,
		RunID:    runID,
		Content:  content,
		Metadata: make(map[string]interface{}),
	}
}

// NewAPICallStartEvent creates an API call start event.
func NewAPICallStartEvent(runID string, contextTokens, attempt int) *AgentEvent {
	return &AgentEvent{
		Type:  EventTypeAPICallStart,
		RunID: runID,
		APICallInfo: &APICallInfo{
			ContextTokens: contextTokens,
			Attempt:       attempt,
		},
		Metadata: make(map[string]interface{}),
	}
}

// NewAPICallEndEvent creates an API call end event.
func NewAPICallEndEvent(runID string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeAPICallEnd,
		RunID:    runID,
		Metadata: make(map[string]interface{}),
	}
}

// NewTokenUsageEvent creates a token usage event.
func NewTokenUsageEvent(runID string, promptTokens, completionTokens, totalTokens int) *AgentEvent {
	return &AgentEvent{
		Type:  EventTypeTokenUsage,
		RunID: runID,
		TokenUsage: &TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
		Metadata: make(map[string]interface{}),
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(runID string, err error) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeError,
		RunID:    runID,
		Error:    err,
		Metadata: make(map[string]interface{}),
	}
}

// WithMetadata adds metadata to the event and returns the event for chaining.
func (e *AgentEvent) WithMetadata(key string, value interface{}) *AgentEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsToolEvent returns true if this is any tool-related event.
func (e *AgentEvent) IsToolEvent() bool {
	return e.Type == EventTypeToolCall ||
		e.Type == EventTypeToolResult ||
		e.Type == EventTypeToolResultError ||
		e.Type == EventTypeSelfHeal
}

// IsConfirmationEvent returns true if this is any confirmation-related event.
func (e *AgentEvent) IsConfirmationEvent() bool {
	return e.Type == EventTypeConfirmationRequest ||
		e.Type == EventTypeConfirmationGranted ||
		e.Type == EventTypeConfirmationRejected ||
		e.Type == EventTypeConfirmationTimeout
}

// IsRunEvent returns true for run lifecycle and status events.
func (e *AgentEvent) IsRunEvent() bool {
	return e.Type == EventTypeRunStarted ||
		e.Type == EventTypeStatus ||
		e.Type == EventTypeRunFinished
}

// IsErrorEvent returns true if this is an error event.
func (e *AgentEvent) IsErrorEvent() bool {
	return e.Type == EventTypeError || e.Type == EventTypeToolResultError
}
