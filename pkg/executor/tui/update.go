package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/pagepilot/pkg/executor/cli"
	"github.com/entrhq/pagepilot/pkg/types"
)

const (
	headerHeight = 3
	footerHeight = 2
)

// Init starts the spinner.
func (m *model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles keys, window changes and forwarded orchestrator events.
func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		h := msg.Height - headerHeight - footerHeight
		if h < 1 {
			h = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, h
		}
		m.viewport.SetContent(m.content())
		m.viewport.GotoBottom()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case *types.AgentEvent:
		if msg == nil || msg.RunID != m.runID {
			return m, nil
		}
		m.handleEvent(msg)
		if m.final != nil && m.autoQuit {
			return m, tea.Quit
		}
		return m, nil

	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pending != nil {
		switch msg.String() {
		case "y", "Y":
			m.answer(true)
			return m, nil
		case "n", "N", "esc":
			m.answer(false)
			return m, nil
		}
	}

	switch msg.String() {
	case "ctrl+c":
		if m.final != nil || m.stopping {
			return m, tea.Quit
		}
		m.stopping = true
		m.appendLine(warnStyle.Render("⏹ stopping run..."))
		_ = m.runner.Stop(m.runID)
		return m, nil
	case "q":
		if m.final != nil {
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) answer(approved bool) {
	p := m.pending
	m.pending = nil
	m.runner.Confirm(p.runID, p.stepID, approved)
	if approved {
		m.appendLine(toolStyle.Render("   approved"))
	} else {
		m.appendLine(errorStyle.Render("   rejected"))
	}
}

// handleEvent processes one orchestrator event of the followed run.
func (m *model) handleEvent(event *types.AgentEvent) {
	switch event.Type {
	case types.EventTypeStatus:
		if event.Run != nil {
			m.status = event.Run.Status
			m.steps = len(event.Run.Steps)
		}

	case types.EventTypeAPICallStart:
		m.busy = true

	case types.EventTypeAPICallEnd:
		m.busy = false

	case types.EventTypeTokenUsage:
		if event.TokenUsage != nil {
			m.tokens += event.TokenUsage.TotalTokens
		}

	case types.EventTypeThinkingContent:
		if m.showThinks {
			m.appendLine(thinkingStyle.Render("  " + event.Content))
		}

	case types.EventTypeToolCall:
		m.appendLine(toolStyle.Render(fmt.Sprintf("🔧 %s", event.ToolName)) + " " + tipsStyle.Render(cli.FormatArgs(event.ToolInput)))

	case types.EventTypeToolResult:
		m.appendLine(toolResultStyle.Render("✅ " + cli.FormatResult(event.ToolOutput)))

	case types.EventTypeToolResultError:
		msg := event.Content
		if event.Error != nil {
			msg = event.Error.Error()
		}
		m.appendLine(errorStyle.Render(fmt.Sprintf("❌ %s: %s", event.ToolName, msg)))

	case types.EventTypeSelfHeal:
		m.appendLine(warnStyle.Render(fmt.Sprintf("🩹 %s retried via %s", event.ToolName, event.Content)))

	case types.EventTypePolicyBlocked:
		m.appendLine(errorStyle.Render(fmt.Sprintf("⛔ %s blocked: %s", event.ToolName, event.Content)))

	case types.EventTypeConfirmationRequest:
		m.handleConfirmationRequest(event)

	case types.EventTypeConfirmationTimeout:
		m.pending = nil
		m.appendLine(warnStyle.Render("⌛ confirmation timed out"))

	case types.EventTypeError:
		if event.Error != nil {
			m.appendLine(errorStyle.Render("❌ Error: " + event.Error.Error()))
		}

	case types.EventTypeRunFinished:
		m.busy = false
		m.pending = nil
		if event.Run != nil {
			final := *event.Run
			m.final = &final
			m.status = final.Status
			m.steps = len(final.Steps)
			m.appendLine(headerStyle.Render(cli.FormatOutcome(final)))
		}
	}
}

func (m *model) handleConfirmationRequest(event *types.AgentEvent) {
	m.appendLine(warnStyle.Render(fmt.Sprintf("⚠️  %s: %s", event.ToolName, event.Content)))

	if m.approver != nil && m.approver(event.ToolName) {
		m.runner.Confirm(event.RunID, event.StepID, true)
		m.appendLine(toolStyle.Render("   auto-approved"))
		return
	}

	title, _ := event.Metadata["title"].(string)
	m.pending = &pendingConfirmation{
		runID:   event.RunID,
		stepID:  event.StepID,
		title:   title,
		message: event.Content,
		tool:    event.ToolName,
		args:    event.ToolInput,
	}
}
