// Package tui follows an automation run in a full-screen terminal view:
// a scrolling step log, a confirmation prompt for risky steps and a status
// bar with run status, step count and token usage.
//
// The package is split into:
//   - executor.go: program lifecycle and event forwarding
//   - model.go: model state
//   - update.go: Bubble Tea Update and event handling
//   - view.go: rendering
//   - highlight.go: JSON highlighting shared with the history command
//   - styles.go: color scheme
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/executor/cli"
)

// Executor runs one automation inside a Bubble Tea program.
type Executor struct {
	runner       cli.Runner
	approver     cli.Approver
	showThinking bool
	autoQuit     bool
	programOpts  []tea.ProgramOption
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*Executor)

// WithApprover auto-approves the tools approver accepts.
func WithApprover(a cli.Approver) ExecutorOption {
	return func(e *Executor) {
		e.approver = a
	}
}

// WithShowThinking shows the model's reasoning in the log.
func WithShowThinking(show bool) ExecutorOption {
	return func(e *Executor) {
		e.showThinking = show
	}
}

// WithAutoQuit leaves the program as soon as the run finishes.
func WithAutoQuit() ExecutorOption {
	return func(e *Executor) {
		e.autoQuit = true
	}
}

// WithProgramOptions passes options through to tea.NewProgram.
func WithProgramOptions(opts ...tea.ProgramOption) ExecutorOption {
	return func(e *Executor) {
		e.programOpts = append(e.programOpts, opts...)
	}
}

// NewExecutor creates a new TUI executor for the given runner.
func NewExecutor(runner cli.Runner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:      runner,
		programOpts: []tea.ProgramOption{tea.WithAltScreen()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the automation and blocks until the user leaves the view.
// A run still active at that point is stopped.
func (e *Executor) Run(ctx context.Context, run cli.Run) (automation.RunState, error) {
	events, unsubscribe := e.runner.Subscribe(256)
	defer unsubscribe()

	runID, err := e.runner.Start(ctx, run.TabID, run.Goal, run.Context)
	if err != nil {
		return automation.RunState{}, fmt.Errorf("failed to start run: %w", err)
	}

	m := newModel(e.runner, runID, run.Goal, e.approver)
	m.autoQuit = e.autoQuit
	m.showThinks = e.showThinking

	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, e.programOpts...)
	program := tea.NewProgram(m, opts...)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for event := range events {
			program.Send(event)
		}
	}()

	_, runErr := program.Run()

	if st, ok := e.status(runID); !ok || !st.IsTerminal() {
		_ = e.runner.Stop(runID)
	}
	unsubscribe()
	<-forwardDone

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := e.runner.Wait(waitCtx, runID)
	if runErr != nil && ctx.Err() == nil {
		return final, fmt.Errorf("failed to run TUI program: %w", runErr)
	}
	return final, err
}

func (e *Executor) status(runID string) (automation.RunStatus, bool) {
	type getter interface {
		Get(runID string) (automation.RunState, bool)
	}
	g, ok := e.runner.(getter)
	if !ok {
		return "", false
	}
	st, ok := g.Get(runID)
	return st.Status, ok
}
