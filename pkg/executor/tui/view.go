package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/pagepilot/pkg/executor/cli"
)

// View renders the entire TUI interface.
func (m *model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	sections := []string{
		m.buildHeader(),
		m.viewport.View(),
	}
	if m.pending != nil {
		sections = append(sections, m.buildConfirmation())
	}
	sections = append(sections, m.buildStatusBar())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *model) buildHeader() string {
	title := headerStyle.Render("PagePilot") + tipsStyle.Render("  "+m.runID)
	goal := goalStyle.Render("Goal: " + m.goal)
	return lipgloss.JoinVertical(lipgloss.Left, title, goal, "")
}

func (m *model) buildConfirmation() string {
	title := m.pending.title
	if title == "" {
		title = "Confirmation required"
	}

	var b strings.Builder
	b.WriteString(confirmTitleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(m.pending.message)
	b.WriteString("\n")
	b.WriteString(tipsStyle.Render(fmt.Sprintf("%s %s", m.pending.tool, cli.FormatArgs(m.pending.args))))
	b.WriteString("\n\n")
	b.WriteString(toolStyle.Render("[y] approve") + "  " + errorStyle.Render("[n] reject"))

	width := m.width - 4
	if width < 20 {
		width = 20
	}
	return confirmBoxStyle.Width(width).Render(b.String())
}

func (m *model) buildStatusBar() string {
	var parts []string
	if m.busy {
		parts = append(parts, m.spinner.View()+" thinking")
	}
	parts = append(parts,
		string(m.status),
		fmt.Sprintf("%d step(s)", m.steps),
	)
	if m.tokens > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", m.tokens))
	}
	if m.final != nil {
		parts = append(parts, "q to exit")
	} else {
		parts = append(parts, "ctrl+c to stop")
	}
	return statusBarStyle.Render(strings.Join(parts, " • "))
}
