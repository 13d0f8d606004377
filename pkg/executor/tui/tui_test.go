package tui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/types"
)

type recordingRunner struct {
	confirms []bool
	stopped  int
}

func (r *recordingRunner) Start(context.Context, string, string, string) (string, error) {
	return "run_1", nil
}

func (r *recordingRunner) Subscribe(int) (<-chan *types.AgentEvent, func()) {
	ch := make(chan *types.AgentEvent)
	return ch, func() {}
}

func (r *recordingRunner) Confirm(_, _ string, approved bool) bool {
	r.confirms = append(r.confirms, approved)
	return true
}

func (r *recordingRunner) Stop(string) error {
	r.stopped++
	return nil
}

func (r *recordingRunner) Wait(context.Context, string) (automation.RunState, error) {
	return automation.RunState{}, nil
}

func sized(t *testing.T, m *model) *model {
	t.Helper()
	_, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	require.True(t, m.ready)
	return m
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func confirmationEvent() *types.AgentEvent {
	return types.NewConfirmationRequestEvent("run_1", "step_2", types.ConfirmationRequest{
		Title:   "Confirmation required",
		Message: "This will submit the form",
		Tool:    automation.ToolClick,
		Args:    map[string]any{"elementId": "el_9"},
	})
}

func TestModel_ConfirmationApproved(t *testing.T) {
	runner := &recordingRunner{}
	m := sized(t, newModel(runner, "run_1", "checkout", nil))

	m.Update(confirmationEvent())
	require.NotNil(t, m.pending)

	view := m.View()
	assert.Contains(t, view, "Confirmation required")
	assert.Contains(t, view, "This will submit the form")
	assert.Contains(t, view, "[y] approve")

	m.Update(key("y"))
	assert.Nil(t, m.pending)
	assert.Equal(t, []bool{true}, runner.confirms)
	assert.NotContains(t, m.View(), "[y] approve")
}

func TestModel_ConfirmationRejected(t *testing.T) {
	runner := &recordingRunner{}
	m := sized(t, newModel(runner, "run_1", "checkout", nil))

	m.Update(confirmationEvent())
	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, []bool{false}, runner.confirms)
}

func TestModel_Approver(t *testing.T) {
	runner := &recordingRunner{}
	approveClicks := func(tool automation.ToolName) bool { return tool == automation.ToolClick }
	m := sized(t, newModel(runner, "run_1", "checkout", approveClicks))

	m.Update(confirmationEvent())
	assert.Nil(t, m.pending)
	assert.Equal(t, []bool{true}, runner.confirms)
	assert.Contains(t, m.content(), "auto-approved")
}

func TestModel_IgnoresOtherRuns(t *testing.T) {
	m := sized(t, newModel(&recordingRunner{}, "run_1", "goal", nil))
	m.Update(types.NewToolCallEvent("run_other", "step_1", automation.ToolCall{Tool: automation.ToolQuery}))
	assert.Empty(t, m.lines)
}

func TestModel_StatusAndFinish(t *testing.T) {
	runner := &recordingRunner{}
	m := sized(t, newModel(runner, "run_1", "find the price", nil))

	m.Update(types.NewAPICallStartEvent("run_1", 1200, 1))
	assert.True(t, m.busy)
	m.Update(types.NewTokenUsageEvent("run_1", 1000, 50, 1050))
	m.Update(types.NewAPICallEndEvent("run_1"))
	assert.False(t, m.busy)

	m.Update(types.NewToolCallEvent("run_1", "step_1", automation.ToolCall{
		Tool: automation.ToolGetVisibleText, Args: map[string]any{"maxChars": 500},
	}))
	m.Update(types.NewStatusEvent(automation.RunState{
		RunID: "run_1", Status: automation.RunRunning, Steps: []automation.StepLog{{}, {}},
	}))

	view := m.View()
	assert.Contains(t, view, "Goal: find the price")
	assert.Contains(t, view, "getVisibleText")
	assert.Contains(t, view, "2 step(s)")
	assert.Contains(t, view, "1050 tokens")
	assert.Contains(t, view, "ctrl+c to stop")

	_, cmd := m.Update(types.NewRunFinishedEvent(automation.RunState{
		RunID: "run_1", Status: automation.RunDone, FinalAnswer: "$42",
	}))
	assert.Nil(t, cmd, "without auto quit the view stays open")
	require.NotNil(t, m.final)
	assert.Contains(t, m.View(), "q to exit")
	assert.True(t, strings.Contains(m.content(), "$42"))

	_, cmd = m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModel_CtrlCStopsThenQuits(t *testing.T) {
	runner := &recordingRunner{}
	m := sized(t, newModel(runner, "run_1", "goal", nil))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd)
	assert.Equal(t, 1, runner.stopped)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModel_AutoQuit(t *testing.T) {
	m := sized(t, newModel(&recordingRunner{}, "run_1", "goal", nil))
	m.autoQuit = true

	_, cmd := m.Update(types.NewRunFinishedEvent(automation.RunState{RunID: "run_1", Status: automation.RunFailed, Error: "Reached max steps"}))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestHighlightJSON(t *testing.T) {
	out, err := HighlightJSON(map[string]any{"status": "done"})
	require.NoError(t, err)
	assert.Contains(t, out, "status")
	assert.Contains(t, out, "done")

	_, err = HighlightJSON(func() {})
	assert.Error(t, err)
}
