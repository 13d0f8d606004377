package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/executor/cli"
)

// pendingConfirmation is a confirmation request waiting for a keypress.
type pendingConfirmation struct {
	runID   string
	stepID  string
	title   string
	message string
	tool    automation.ToolName
	args    map[string]any
}

// model is the Bubble Tea model of one followed run.
type model struct {
	runner   cli.Runner
	approver cli.Approver
	runID    string
	goal     string

	viewport viewport.Model
	spinner  spinner.Model
	lines    []string
	width    int
	height   int
	ready    bool

	status     automation.RunStatus
	steps      int
	tokens     int
	busy       bool
	stopping   bool
	pending    *pendingConfirmation
	final      *automation.RunState
	autoQuit   bool
	showThinks bool
}

func newModel(runner cli.Runner, runID, goal string, approver cli.Approver) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = toolStyle

	return &model{
		runner:   runner,
		approver: approver,
		runID:    runID,
		goal:     goal,
		spinner:  s,
		status:   automation.RunRunning,
	}
}

// appendLine adds a rendered line to the log and keeps the view pinned to
// the bottom.
func (m *model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if m.ready {
		m.viewport.SetContent(m.content())
		m.viewport.GotoBottom()
	}
}

func (m *model) content() string {
	return strings.Join(m.lines, "\n")
}
