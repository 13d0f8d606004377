// Package transport moves tool calls, results and automation events between
// the orchestrator, the page-side executor and the confirmation surface.
//
// Two implementations of Dispatcher are provided: an in-process Bus and a
// WebSocket Client that talks to a Server hosting the executor.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/entrhq/pagepilot/pkg/automation"
)

// MessageType names an envelope on the wire.
type MessageType string

const (
	MsgExecuteTool          MessageType = "EXECUTE_TOOL"
	MsgToolResult           MessageType = "TOOL_RESULT"
	MsgAutomationStatus     MessageType = "AUTOMATION_STATUS"
	MsgRequestConfirmation  MessageType = "REQUEST_CONFIRMATION"
	MsgConfirmationResponse MessageType = "CONFIRMATION_RESPONSE"
	MsgRunAutomation        MessageType = "RUN_AUTOMATION"
	MsgStopAutomation       MessageType = "STOP_AUTOMATION"
)

// Envelope is the JSON frame exchanged over the WebSocket link.
type Envelope struct {
	Type    MessageType            `json:"type"`
	ID      string                 `json:"id,omitempty"`
	TabID   string                 `json:"tabId,omitempty"`
	RunID   string                 `json:"runId,omitempty"`
	StepID  string                 `json:"stepId,omitempty"`
	Call    *automation.ToolCall   `json:"call,omitempty"`
	Result  *automation.ToolResult `json:"result,omitempty"`
	Payload json.RawMessage        `json:"payload,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// ExecuteRequest asks the page side to run one tool call.
type ExecuteRequest struct {
	TabID  string
	RunID  string
	StepID string
	Call   automation.ToolCall
}

// Dispatcher delivers a tool call to the executor and waits for its result.
// A non-nil error means no result was obtained (timeout, closed link).
type Dispatcher interface {
	Execute(ctx context.Context, req ExecuteRequest) (automation.ToolResult, error)
}

// Handler serves ExecuteRequests on the page side. It must always return a
// result.
type Handler func(ctx context.Context, req ExecuteRequest) automation.ToolResult

// Executor is the page-side surface a Handler wraps.
type Executor interface {
	Execute(ctx context.Context, call automation.ToolCall) automation.ToolResult
}

// HandlerFor adapts an executor into a Handler.
func HandlerFor(e Executor) Handler {
	return func(ctx context.Context, req ExecuteRequest) automation.ToolResult {
		return e.Execute(ctx, req.Call)
	}
}

// Event is a broadcast notification, such as a run status snapshot or a
// confirmation request.
type Event struct {
	Type      MessageType
	RunID     string
	Payload   any
	Timestamp time.Time
}

type transportError string

func (e transportError) Error() string { return string(e) }

const (
	ErrTimeout   transportError = "TOOL_RESULT timeout"
	ErrBusFull   transportError = "command bus full"
	ErrNoHandler transportError = "no executor registered for tab"
	ErrClosed    transportError = "transport closed"
)
