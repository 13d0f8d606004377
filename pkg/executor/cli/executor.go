// Package cli follows an automation run on a plain terminal, one line per
// event, and answers confirmation requests from stdin.
//
// Example usage:
//
//	orch := agent.New(provider, bus)
//	exec := cli.NewExecutor(orch, cli.WithApprover(task.AutoApproves))
//	final, err := exec.Run(ctx, cli.Run{TabID: "tab-1", Goal: task.Goal})
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/types"
)

// Runner is the part of the orchestrator an executor drives.
type Runner interface {
	Start(ctx context.Context, tabID, goal, extraContext string) (string, error)
	Subscribe(buffer int) (<-chan *types.AgentEvent, func())
	Confirm(runID, stepID string, approved bool) bool
	Stop(runID string) error
	Wait(ctx context.Context, runID string) (automation.RunState, error)
}

// Run describes the automation to start.
type Run struct {
	TabID   string
	Goal    string
	Context string
}

// Approver decides a confirmation without asking; false means ask.
type Approver func(tool automation.ToolName) bool

// Executor prints run events and prompts for confirmations.
type Executor struct {
	runner   Runner
	reader   *bufio.Reader
	writer   io.Writer
	approver Approver

	showThinking bool
	interactive  bool
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*Executor)

// WithShowThinking enables/disables displaying the model's reasoning.
func WithShowThinking(show bool) ExecutorOption {
	return func(e *Executor) {
		e.showThinking = show
	}
}

// WithWriter sets a custom output writer (default is os.Stdout).
func WithWriter(w io.Writer) ExecutorOption {
	return func(e *Executor) {
		e.writer = w
	}
}

// WithReader sets where confirmation answers are read from (default os.Stdin).
func WithReader(r io.Reader) ExecutorOption {
	return func(e *Executor) {
		e.reader = bufio.NewReader(r)
	}
}

// WithApprover auto-approves the tools approver accepts.
func WithApprover(a Approver) ExecutorOption {
	return func(e *Executor) {
		e.approver = a
	}
}

// WithNonInteractive rejects every confirmation the approver does not accept
// instead of prompting.
func WithNonInteractive() ExecutorOption {
	return func(e *Executor) {
		e.interactive = false
	}
}

// NewExecutor creates a new CLI executor for the given runner.
func NewExecutor(runner Runner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:       runner,
		reader:       bufio.NewReader(os.Stdin),
		writer:       os.Stdout,
		showThinking: false,
		interactive:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the automation and blocks until it reaches a terminal status.
// Cancelling ctx stops the run.
func (e *Executor) Run(ctx context.Context, run Run) (automation.RunState, error) {
	events, unsubscribe := e.runner.Subscribe(256)
	defer unsubscribe()

	runID, err := e.runner.Start(ctx, run.TabID, run.Goal, run.Context)
	if err != nil {
		return automation.RunState{}, fmt.Errorf("failed to start run: %w", err)
	}
	fmt.Fprintf(e.writer, "▶ %s\n  goal: %s\n", runID, run.Goal)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for event := range events {
			if event.RunID != runID {
				continue
			}
			e.handleEvent(ctx, event)
			if event.Type == types.EventTypeRunFinished {
				return
			}
		}
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		fmt.Fprintln(e.writer, "\nStopping run...")
		_ = e.runner.Stop(runID)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.runner.Wait(waitCtx, runID)
}

// handleEvent processes a single event based on its type
func (e *Executor) handleEvent(ctx context.Context, event *types.AgentEvent) {
	switch event.Type {
	case types.EventTypeThinkingContent:
		if e.showThinking {
			fmt.Fprintf(e.writer, "  [thinking] %s\n", oneLine(event.Content, 200))
		}
	case types.EventTypeToolCall:
		fmt.Fprintf(e.writer, "🔧 %s %s\n", event.ToolName, FormatArgs(event.ToolInput))
	case types.EventTypeToolResult:
		fmt.Fprintf(e.writer, "✅ %s\n", FormatResult(event.ToolOutput))
	case types.EventTypeToolResultError:
		fmt.Fprintf(e.writer, "❌ %s: %s\n", event.ToolName, errorText(event))
	case types.EventTypeSelfHeal:
		fmt.Fprintf(e.writer, "🩹 %s retried via %s\n", event.ToolName, event.Content)
	case types.EventTypePolicyBlocked:
		fmt.Fprintf(e.writer, "⛔ %s blocked: %s\n", event.ToolName, event.Content)
	case types.EventTypeConfirmationRequest:
		e.confirm(ctx, event)
	case types.EventTypeConfirmationTimeout:
		fmt.Fprintln(e.writer, "⌛ confirmation timed out")
	case types.EventTypeError:
		fmt.Fprintf(e.writer, "❌ Error: %s\n", errorText(event))
	case types.EventTypeRunFinished:
		if event.Run != nil {
			fmt.Fprintln(e.writer, FormatOutcome(*event.Run))
		}
	}
}

func (e *Executor) confirm(ctx context.Context, event *types.AgentEvent) {
	fmt.Fprintf(e.writer, "⚠️  %s: %s\n", event.ToolName, event.Content)

	if e.approver != nil && e.approver(event.ToolName) {
		fmt.Fprintln(e.writer, "   auto-approved")
		e.runner.Confirm(event.RunID, event.StepID, true)
		return
	}
	if !e.interactive {
		fmt.Fprintln(e.writer, "   rejected (non-interactive)")
		e.runner.Confirm(event.RunID, event.StepID, false)
		return
	}

	fmt.Fprint(e.writer, "   Continue? [y/N] ")
	answers := make(chan string, 1)
	go func() {
		line, _ := e.reader.ReadString('\n')
		answers <- line
	}()

	select {
	case line := <-answers:
		answer := strings.ToLower(strings.TrimSpace(line))
		e.runner.Confirm(event.RunID, event.StepID, answer == "y" || answer == "yes")
	case <-ctx.Done():
		e.runner.Confirm(event.RunID, event.StepID, false)
	}
}

func errorText(event *types.AgentEvent) string {
	if event.Error != nil {
		return event.Error.Error()
	}
	return event.Content
}
