package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/history"
	"github.com/entrhq/pagepilot/pkg/llm"
	"github.com/entrhq/pagepilot/pkg/policy"
	"github.com/entrhq/pagepilot/pkg/transport"
	"github.com/entrhq/pagepilot/pkg/types"
)

// scriptedProvider answers each Chat with the next scripted output. Once
// the script is exhausted it repeats the last entry.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []string
	requests [][]*llm.Message
	block    bool
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []*llm.Message, _ llm.ChatOptions) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, messages)
	n := len(p.requests)
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := p.script[len(p.script)-1]
	if n <= len(p.script) {
		out = p.script[n-1]
	}
	return &llm.ChatResponse{Content: out, Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (p *scriptedProvider) GetModel() string { return "scripted" }

func (p *scriptedProvider) request(i int) []*llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *scriptedProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// fakePage serves the observation tools and delegates the rest to act.
type fakePage struct {
	mu    sync.Mutex
	calls []transport.ExecuteRequest
	act   func(call automation.ToolCall) (automation.ToolResult, error)
}

func (f *fakePage) Execute(ctx context.Context, req transport.ExecuteRequest) (automation.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	switch req.Call.Tool {
	case automation.ToolGetPageInfo:
		return automation.ToolResult{OK: true, Tool: req.Call.Tool, Data: map[string]any{
			"url": "https://example.com/login", "title": "Login",
		}}, nil
	case automation.ToolGetVisibleText:
		return automation.ToolResult{OK: true, Tool: req.Call.Tool, Data: map[string]any{"text": "Welcome back"}}, nil
	}
	if f.act != nil {
		return f.act(req.Call)
	}
	return automation.ToolResult{OK: true, Tool: req.Call.Tool}, nil
}

func (f *fakePage) callsFor(tool automation.ToolName) []automation.ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []automation.ToolCall
	for _, c := range f.calls {
		if c.Call.Tool == tool {
			out = append(out, c.Call)
		}
	}
	return out
}

type staticPolicy struct {
	decisions map[automation.ToolName]policy.Decision
	reason    string
}

func (p staticPolicy) Evaluate(_ context.Context, in policy.Input) (policy.Decision, string, error) {
	if d, ok := p.decisions[in.Tool]; ok {
		return d, p.reason, nil
	}
	return policy.Allow, "", nil
}

type countingStore struct {
	mu    sync.Mutex
	saves []automation.RunState
}

func (s *countingStore) Save(_ context.Context, run automation.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, run)
	return nil
}

func (s *countingStore) List(context.Context) ([]automation.RunState, error) { return nil, nil }

func (s *countingStore) Get(context.Context, string) (automation.RunState, error) {
	return automation.RunState{}, history.ErrNotFound
}

func (s *countingStore) Clear(context.Context) error { return nil }

func (s *countingStore) snapshot() []automation.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]automation.RunState(nil), s.saves...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []transport.Event
}

func (p *recordingPublisher) Publish(ev transport.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []transport.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.MessageType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func startRun(t *testing.T, o *Orchestrator, goal string) automation.RunState {
	t.Helper()
	runID, err := o.Start(context.Background(), "tab_1", goal, "")
	require.NoError(t, err)
	return waitRun(t, o, runID)
}

func waitRun(t *testing.T, o *Orchestrator, runID string) automation.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	return st
}

func waitEvent(t *testing.T, events <-chan *types.AgentEvent, typ types.AgentEventType) *types.AgentEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func shutdown(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
}

func stepsFor(st automation.RunState, tool automation.ToolName) []automation.StepLog {
	var out []automation.StepLog
	for _, s := range st.Steps {
		if s.Tool == tool {
			out = append(out, s)
		}
	}
	return out
}

func TestOrchestrator_FinalAnswer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"final":"logged in"}`}}
	o := New(provider, &fakePage{})
	defer shutdown(t, o)

	runID, err := o.Start(context.Background(), "tab_1", "log in", "user is alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(runID, "run_"))
	st := waitRun(t, o, runID)

	assert.Equal(t, automation.RunDone, st.Status)
	assert.Equal(t, "logged in", st.FinalAnswer)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, automation.ToolGetPageInfo, st.Steps[0].Tool)
	assert.Equal(t, automation.ToolGetVisibleText, st.Steps[1].Tool)
	assert.Equal(t, float64(initialTextLimit), toFloat(st.Steps[1].Args["limit"]))
	for _, s := range st.Steps {
		assert.Equal(t, automation.StepCompleted, s.Status)
	}

	msgs := provider.request(0)
	require.Len(t, msgs, 2)
	system := msgs[0].Content
	assert.Contains(t, system, "CurrentPage: Login (https://example.com/login)")
	assert.Contains(t, system, "AdditionalContext:\nuser is alice")
	assert.Contains(t, system, "VisibleTextSnippet:\nWelcome back")
	assert.NotContains(t, system, "LastToolResult:")
	assert.Equal(t, "Goal: log in\nReturn the next JSON tool call or a final answer.", msgs[1].Content)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func TestOrchestrator_StartValidation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := New(&scriptedProvider{script: []string{`{"final":"x"}`}}, &fakePage{})
	_, err := o.Start(context.Background(), "tab_1", "   ", "")
	assert.Error(t, err)

	shutdown(t, o)
	_, err = o.Start(context.Background(), "tab_1", "goal", "")
	assert.ErrorIs(t, err, ErrShutdown)

	assert.ErrorIs(t, o.Stop("run_missing"), ErrRunNotFound)
	_, ok := o.Get("run_missing")
	assert.False(t, ok)
}

func TestOrchestrator_MaxSteps(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"scroll","args":{"direction":"down"}}`}}
	o := New(provider, &fakePage{}, WithMaxSteps(3))
	defer shutdown(t, o)

	st := startRun(t, o, "scroll forever")
	assert.Equal(t, automation.RunFailed, st.Status)
	assert.Equal(t, "Reached max steps", st.Error)
	assert.Len(t, stepsFor(st, automation.ToolScroll), 3)
	assert.Equal(t, 3, provider.count())

	// Every decision after the first sees the previous result.
	assert.Contains(t, provider.request(1)[0].Content, `LastToolResult:
{"ok":true,"tool":"scroll"}`)
}

func TestOrchestrator_DefaultMaxSteps(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"scroll","args":{}}`}}
	o := New(provider, &fakePage{})
	defer shutdown(t, o)

	st := startRun(t, o, "scroll forever")
	assert.Equal(t, automation.RunFailed, st.Status)
	assert.Equal(t, "Reached max steps", st.Error)
	assert.Len(t, stepsFor(st, automation.ToolScroll), DefaultMaxSteps)
}

func TestOrchestrator_JSONRepair(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("repaired", func(t *testing.T) {
		provider := &scriptedProvider{script: []string{"I think I should click", "```json\n{\"final\":\"ok\"}\n```"}}
		o := New(provider, &fakePage{})
		defer shutdown(t, o)

		st := startRun(t, o, "goal")
		assert.Equal(t, automation.RunDone, st.Status)
		assert.Equal(t, "ok", st.FinalAnswer)

		repair := provider.request(1)
		require.Len(t, repair, 2)
		assert.Equal(t, automation.ToolSpecText(), repair[0].Content)
		assert.Equal(t, "Your previous output was not valid JSON. Output ONLY one JSON object now.\nPrevious:\nI think I should click", repair[1].Content)
	})

	t.Run("still broken", func(t *testing.T) {
		provider := &scriptedProvider{script: []string{"nope", "still nope"}}
		o := New(provider, &fakePage{})
		defer shutdown(t, o)

		st := startRun(t, o, "goal")
		assert.Equal(t, automation.RunFailed, st.Status)
		assert.Equal(t, "Model output is not valid JSON after repair", st.Error)
		assert.Equal(t, 2, provider.count())
	})
}

func TestOrchestrator_ValidationRepair(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("repaired", func(t *testing.T) {
		provider := &scriptedProvider{script: []string{
			`{"tool":"click","args":{}}`,
			`{"tool":"click","args":{"selector":"#go"}}`,
			`{"final":"clicked"}`,
		}}
		page := &fakePage{}
		o := New(provider, page)
		defer shutdown(t, o)

		st := startRun(t, o, "goal")
		assert.Equal(t, automation.RunDone, st.Status)
		clicks := page.callsFor(automation.ToolClick)
		require.Len(t, clicks, 1)
		assert.Equal(t, "#go", clicks[0].StringArg("selector"))

		repair := provider.request(1)[1].Content
		assert.True(t, strings.HasPrefix(repair, "Your previous tool call was invalid: click requires elementId or selector\n"), repair)
		assert.Contains(t, repair, `Previous:
{"args":{},"tool":"click"}`)
	})

	t.Run("still invalid", func(t *testing.T) {
		provider := &scriptedProvider{script: []string{`{"tool":"teleport"}`, `{"tool":"teleport","args":{}}`}}
		page := &fakePage{}
		o := New(provider, page)
		defer shutdown(t, o)

		st := startRun(t, o, "goal")
		assert.Equal(t, automation.RunFailed, st.Status)
		assert.Equal(t, "Invalid tool call after repair: unknown tool: teleport", st.Error)
		assert.Len(t, st.Steps, 2)
	})
}

func TestOrchestrator_SelfHeal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{
		`{"tool":"findByText","args":{"text":"Submit"}}`,
		`{"tool":"click","args":{"elementId":"el_1"}}`,
		`{"final":"submitted"}`,
	}}
	page := &fakePage{act: func(call automation.ToolCall) (automation.ToolResult, error) {
		switch call.Tool {
		case automation.ToolFindByText:
			return automation.ToolResult{OK: true, Tool: call.Tool, Data: map[string]any{
				"elements": []automation.ElementSummary{{ID: "el_1", Tag: "button", SelectorHint: "#submit-btn"}},
			}}, nil
		case automation.ToolClick:
			if call.StringArg("elementId") != "" {
				return automation.Failure(call.Tool, automation.ErrorKindNotFound, "Target element not found"), nil
			}
			return automation.ToolResult{OK: true, Tool: call.Tool}, nil
		}
		return automation.ToolResult{OK: true, Tool: call.Tool}, nil
	}}
	o := New(provider, page)
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	defer shutdown(t, o)

	st := startRun(t, o, "submit the form")
	assert.Equal(t, automation.RunDone, st.Status)

	clicks := stepsFor(st, automation.ToolClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, automation.StepCompleted, clicks[0].Status)
	assert.Equal(t, 2, clicks[0].Attempts)
	assert.Equal(t, automation.LocatorSelectorHint, clicks[0].LocatorUsed)
	assert.Equal(t, "el_1", clicks[0].Args["elementId"])

	sent := page.callsFor(automation.ToolClick)
	require.Len(t, sent, 2)
	assert.Equal(t, "#submit-btn", sent[1].StringArg("selector"))
	_, hasID := sent[1].Args["elementId"]
	assert.False(t, hasID)

	heal := waitEvent(t, events, types.EventTypeSelfHeal)
	assert.Equal(t, "#submit-btn", heal.Content)
}

func TestOrchestrator_NoHealWithoutHint(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{
		`{"tool":"click","args":{"elementId":"el_9"}}`,
		`{"final":"gave up"}`,
	}}
	page := &fakePage{act: func(call automation.ToolCall) (automation.ToolResult, error) {
		return automation.Failure(call.Tool, automation.ErrorKindNotFound, "Target element not found"), nil
	}}
	o := New(provider, page)
	defer shutdown(t, o)

	st := startRun(t, o, "goal")
	assert.Equal(t, automation.RunDone, st.Status)
	clicks := stepsFor(st, automation.ToolClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, automation.StepFailed, clicks[0].Status)
	assert.Equal(t, 1, clicks[0].Attempts)
	assert.Equal(t, automation.LocatorElementID, clicks[0].LocatorUsed)
	assert.Contains(t, provider.request(1)[0].Content, "Target element not found")
}

// confirmingPage asks for confirmation on click unless force is set.
func confirmingPage() *fakePage {
	return &fakePage{act: func(call automation.ToolCall) (automation.ToolResult, error) {
		if call.Tool == automation.ToolClick {
			if force, _ := call.Args["force"].(bool); !force {
				return automation.ToolResult{
					OK:                   false,
					Tool:                 call.Tool,
					RequiresConfirmation: true,
					ConfirmationReason:   automation.ReasonSubmit,
					ConfirmationMessage:  "Submitting the form",
				}, nil
			}
		}
		return automation.ToolResult{OK: true, Tool: call.Tool}, nil
	}}
}

func TestOrchestrator_ConfirmationApproved(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"click","args":{"selector":"#pay"}}`, `{"final":"paid"}`}}
	page := confirmingPage()
	pub := &recordingPublisher{}
	o := New(provider, page, WithPublisher(pub))
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	defer shutdown(t, o)

	runID, err := o.Start(context.Background(), "tab_1", "pay", "")
	require.NoError(t, err)

	req := waitEvent(t, events, types.EventTypeConfirmationRequest)
	assert.Equal(t, automation.ReasonSubmit, req.Reason)
	assert.Equal(t, "Submitting the form", req.Content)

	st, ok := o.Get(runID)
	require.True(t, ok)
	assert.Equal(t, automation.RunWaitingConfirmation, st.Status)
	pending := stepsFor(st, automation.ToolClick)
	require.Len(t, pending, 1)
	assert.Equal(t, automation.StepWaitingConfirmation, pending[0].Status)

	assert.True(t, o.Confirm(runID, req.StepID, true))
	st = waitRun(t, o, runID)

	assert.Equal(t, automation.RunDone, st.Status)
	clicks := stepsFor(st, automation.ToolClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, automation.StepCompleted, clicks[0].Status)
	assert.Equal(t, 1, clicks[0].Attempts)

	sent := page.callsFor(automation.ToolClick)
	require.Len(t, sent, 2)
	assert.Equal(t, true, sent[1].Args["force"])

	assert.Contains(t, pub.types(), transport.MsgRequestConfirmation)
	assert.Contains(t, pub.types(), transport.MsgAutomationStatus)
}

func TestOrchestrator_ConfirmationRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"click","args":{"selector":"#pay"}}`}}
	page := confirmingPage()
	o := New(provider, page)
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	defer shutdown(t, o)

	runID, err := o.Start(context.Background(), "tab_1", "pay", "")
	require.NoError(t, err)

	req := waitEvent(t, events, types.EventTypeConfirmationRequest)
	assert.True(t, o.Confirm(runID, req.StepID, false))
	st := waitRun(t, o, runID)

	assert.Equal(t, automation.RunStopped, st.Status)
	clicks := stepsFor(st, automation.ToolClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, automation.StepCancelled, clicks[0].Status)
	require.NotNil(t, clicks[0].Result)
	assert.Equal(t, "User rejected confirmation", clicks[0].Result.Error)
	assert.Len(t, page.callsFor(automation.ToolClick), 1)
	assert.Equal(t, 1, provider.count())
}

func TestOrchestrator_ConfirmationTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"click","args":{"selector":"#pay"}}`}}
	o := New(provider, confirmingPage(), WithConfirmationTimeout(20*time.Millisecond))
	defer shutdown(t, o)

	st := startRun(t, o, "pay")
	assert.Equal(t, automation.RunStopped, st.Status)
	clicks := stepsFor(st, automation.ToolClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, automation.StepCancelled, clicks[0].Status)
	assert.Equal(t, "Confirmation timed out", clicks[0].Result.Error)
}

func TestOrchestrator_StopWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"click","args":{"selector":"#pay"}}`}}
	o := New(provider, confirmingPage())
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	defer shutdown(t, o)

	runID, err := o.Start(context.Background(), "tab_1", "pay", "")
	require.NoError(t, err)
	waitEvent(t, events, types.EventTypeConfirmationRequest)
	assert.Equal(t, 1, o.approvals.Pending(runID))

	require.NoError(t, o.Stop(runID))
	assert.Equal(t, 0, o.approvals.Pending(runID))

	st, _ := o.Get(runID)
	assert.Equal(t, automation.RunStopped, st.Status)

	st = waitRun(t, o, runID)
	assert.Equal(t, automation.RunStopped, st.Status)
	assert.Empty(t, st.Error)

	// Stopping again is a no-op.
	require.NoError(t, o.Stop(runID))
	after, _ := o.Get(runID)
	assert.Equal(t, st.UpdatedAt, after.UpdatedAt)
}

// blockingPage answers the observation tools and holds every other call
// until its context ends.
type blockingPage struct{}

func (blockingPage) Execute(ctx context.Context, req transport.ExecuteRequest) (automation.ToolResult, error) {
	switch req.Call.Tool {
	case automation.ToolGetPageInfo, automation.ToolGetVisibleText:
		return automation.ToolResult{OK: true, Tool: req.Call.Tool}, nil
	}
	<-ctx.Done()
	return automation.ToolResult{}, ctx.Err()
}

func waitToolCall(t *testing.T, events <-chan *types.AgentEvent, tool automation.ToolName) {
	t.Helper()
	for {
		if ev := waitEvent(t, events, types.EventTypeToolCall); ev.ToolName == tool {
			return
		}
	}
}

func TestOrchestrator_StopDuringDispatchCancelsStep(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"click","args":{"selector":"#go"}}`}}
	store := &countingStore{}
	o := New(provider, blockingPage{}, WithHistory(store))
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	defer shutdown(t, o)

	runID, err := o.Start(context.Background(), "tab_1", "go", "")
	require.NoError(t, err)
	waitToolCall(t, events, automation.ToolClick)

	require.NoError(t, o.Stop(runID))
	st := waitRun(t, o, runID)
	assert.Equal(t, automation.RunStopped, st.Status)

	for _, s := range st.Steps {
		assert.NotEqual(t, automation.StepRunning, s.Status, s.Tool)
		assert.NotZero(t, s.EndedAt, s.Tool)
	}
	clicks := stepsFor(st, automation.ToolClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, automation.StepCancelled, clicks[0].Status)

	saves := store.snapshot()
	require.NotEmpty(t, saves)
	last := saves[len(saves)-1]
	assert.Equal(t, automation.RunStopped, last.Status)
	persisted := stepsFor(last, automation.ToolClick)
	require.Len(t, persisted, 1)
	assert.Equal(t, automation.StepCancelled, persisted[0].Status)
	assert.NotZero(t, persisted[0].EndedAt)
}

// blockingPolicy holds every evaluation until its context ends.
type blockingPolicy struct {
	entered chan struct{}
}

func (p blockingPolicy) Evaluate(ctx context.Context, _ policy.Input) (policy.Decision, string, error) {
	close(p.entered)
	<-ctx.Done()
	return policy.Block, "", ctx.Err()
}

func TestOrchestrator_StopDuringPolicyCancelsStep(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"click","args":{"selector":"#go"}}`}}
	p := blockingPolicy{entered: make(chan struct{})}
	o := New(provider, &fakePage{}, WithPolicy(p))
	defer shutdown(t, o)

	runID, err := o.Start(context.Background(), "tab_1", "go", "")
	require.NoError(t, err)
	select {
	case <-p.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("policy was never consulted")
	}

	require.NoError(t, o.Stop(runID))
	st := waitRun(t, o, runID)
	assert.Equal(t, automation.RunStopped, st.Status)
	clicks := stepsFor(st, automation.ToolClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, automation.StepCancelled, clicks[0].Status)
	assert.NotZero(t, clicks[0].EndedAt)
}

func TestOrchestrator_PolicyBlock(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"download","args":{"url":"file:///etc/passwd"}}`, `{"final":"refused"}`}}
	page := &fakePage{}
	pol := staticPolicy{decisions: map[automation.ToolName]policy.Decision{automation.ToolDownload: policy.Block}, reason: "local files"}
	o := New(provider, page, WithPolicy(pol))
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	defer shutdown(t, o)

	st := startRun(t, o, "grab a file")
	assert.Equal(t, automation.RunDone, st.Status)
	assert.Empty(t, page.callsFor(automation.ToolDownload))

	downloads := stepsFor(st, automation.ToolDownload)
	require.Len(t, downloads, 1)
	assert.Equal(t, automation.StepFailed, downloads[0].Status)
	assert.Equal(t, "blocked by policy: local files", downloads[0].Result.Error)

	blocked := waitEvent(t, events, types.EventTypePolicyBlocked)
	assert.Equal(t, "local files", blocked.Content)
}

func TestOrchestrator_PolicyRequiresApproval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"type","args":{"selector":"#q","text":"hello"}}`, `{"final":"typed"}`}}
	page := &fakePage{}
	pol := staticPolicy{decisions: map[automation.ToolName]policy.Decision{automation.ToolType: policy.RequireApproval}, reason: "typing needs review"}
	o := New(provider, page, WithPolicy(pol))
	events, unsubscribe := o.Subscribe(256)
	defer unsubscribe()
	defer shutdown(t, o)

	runID, err := o.Start(context.Background(), "tab_1", "search", "")
	require.NoError(t, err)

	req := waitEvent(t, events, types.EventTypeConfirmationRequest)
	assert.Equal(t, automation.ReasonPolicy, req.Reason)
	assert.Equal(t, "typing needs review", req.Content)
	assert.Empty(t, page.callsFor(automation.ToolType))

	require.True(t, o.Confirm(runID, req.StepID, true))
	st := waitRun(t, o, runID)
	assert.Equal(t, automation.RunDone, st.Status)
	assert.Len(t, page.callsFor(automation.ToolType), 1)
}

func TestOrchestrator_PageChanged(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hashes := []string{"aaa", "aaa", "bbb"}
	var mu sync.Mutex
	provider := &scriptedProvider{script: []string{
		`{"tool":"scroll","args":{}}`,
		`{"tool":"scroll","args":{}}`,
		`{"tool":"scroll","args":{}}`,
		`{"final":"scrolled"}`,
	}}
	page := &fakePage{act: func(call automation.ToolCall) (automation.ToolResult, error) {
		mu.Lock()
		defer mu.Unlock()
		h := hashes[0]
		hashes = hashes[1:]
		return automation.ToolResult{OK: true, Tool: call.Tool, Observations: &automation.Observations{VisibleTextHash: h}}, nil
	}}
	o := New(provider, page)
	defer shutdown(t, o)

	st := startRun(t, o, "scroll")
	scrolls := stepsFor(st, automation.ToolScroll)
	require.Len(t, scrolls, 3)
	assert.Nil(t, scrolls[0].Result.Data["pageChanged"])
	assert.Nil(t, scrolls[1].Result.Data["pageChanged"])
	assert.Equal(t, true, scrolls[2].Result.Data["pageChanged"])
}

func TestOrchestrator_DispatchErrorIsStepFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"tool":"hover","args":{"selector":"#menu"}}`, `{"final":"done"}`}}
	page := &fakePage{act: func(call automation.ToolCall) (automation.ToolResult, error) {
		return automation.ToolResult{}, transport.ErrTimeout
	}}
	o := New(provider, page)
	defer shutdown(t, o)

	st := startRun(t, o, "hover")
	assert.Equal(t, automation.RunDone, st.Status)
	hovers := stepsFor(st, automation.ToolHover)
	require.Len(t, hovers, 1)
	assert.Equal(t, automation.StepFailed, hovers[0].Status)
	assert.Equal(t, automation.ErrorKindTimeout, hovers[0].Result.ErrorKind)
}

func TestOrchestrator_ModelErrorFailsRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := New(failingProvider{}, &fakePage{})
	defer shutdown(t, o)

	st := startRun(t, o, "goal")
	assert.Equal(t, automation.RunFailed, st.Status)
	assert.Contains(t, st.Error, "rate limited")
}

type failingProvider struct{}

func (failingProvider) Chat(context.Context, []*llm.Message, llm.ChatOptions) (*llm.ChatResponse, error) {
	return nil, errors.New("rate limited")
}

func (failingProvider) GetModel() string { return "failing" }

func TestOrchestrator_HistoryRedacted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store, err := history.NewFileStore(filepath.Join(t.TempDir(), "runs.json"), history.DefaultLimit)
	require.NoError(t, err)

	provider := &scriptedProvider{script: []string{`{"tool":"type","args":{"selector":"#pw","text":"hunter2"}}`, `{"final":"typed"}`}}
	o := New(provider, &fakePage{}, WithHistory(store))
	defer shutdown(t, o)

	st := startRun(t, o, "type password")
	require.Equal(t, automation.RunDone, st.Status)

	saved, err := store.Get(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, automation.RunDone, saved.Status)
	typed := stepsFor(saved, automation.ToolType)
	require.Len(t, typed, 1)
	assert.Equal(t, "__redacted__(7)", typed[0].Args["text"])

	live, _ := o.Get(st.RunID)
	assert.Equal(t, "hunter2", stepsFor(live, automation.ToolType)[0].Args["text"])
}

func TestOrchestrator_HistoryThrottled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := &countingStore{}
	provider := &scriptedProvider{script: []string{`{"tool":"scroll","args":{}}`, `{"final":"done"}`}}
	o := New(provider, &fakePage{}, WithHistory(store), WithClock(func() time.Time { return fixed }))
	defer shutdown(t, o)

	st := startRun(t, o, "goal")
	require.Equal(t, automation.RunDone, st.Status)

	saves := store.snapshot()
	require.Len(t, saves, 2)
	assert.Equal(t, automation.RunRunning, saves[0].Status)
	assert.Equal(t, automation.RunDone, saves[1].Status)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &scriptedProvider{script: []string{`{"final":"never"}`}, block: true}
	o := New(provider, &fakePage{})

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := o.Start(context.Background(), "tab_1", "wait", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Len(t, o.List(), 3)

	shutdown(t, o)
	for _, id := range ids {
		st, ok := o.Get(id)
		require.True(t, ok)
		assert.Equal(t, automation.RunStopped, st.Status)
	}
}

func TestOrchestrator_NativeToolCall(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := &nativeProvider{}
	page := &fakePage{}
	o := New(provider, page, WithNativeTools(true))
	defer shutdown(t, o)

	st := startRun(t, o, "press enter")
	assert.Equal(t, automation.RunDone, st.Status)
	keys := page.callsFor(automation.ToolPressKey)
	require.Len(t, keys, 1)
	assert.Equal(t, "Enter", keys[0].StringArg("key"))
	assert.NotEmpty(t, provider.tools)
}

// nativeProvider answers first with a function call and then with a final
// answer.
type nativeProvider struct {
	mu    sync.Mutex
	n     int
	tools int
}

func (p *nativeProvider) Chat(_ context.Context, _ []*llm.Message, opts llm.ChatOptions) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	p.tools = len(opts.Tools)
	if p.n == 1 {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID:       "call_1",
			Function: llm.FunctionCall{Name: "pressKey", Arguments: `{"key":"Enter"}`},
		}}}, nil
	}
	return &llm.ChatResponse{Content: `{"final":"pressed"}`}, nil
}

func (p *nativeProvider) GetModel() string { return "native" }

func TestNewID(t *testing.T) {
	o := New(&scriptedProvider{script: []string{""}}, &fakePage{}, WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))
	id := o.newID("step")
	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "step", parts[0])
	assert.Equal(t, "1700000000000", parts[1])
	assert.Len(t, parts[2], 6)
}

func TestPrompts(t *testing.T) {
	last := automation.ToolResult{OK: false, Tool: automation.ToolClick, Error: "<b> missing", ErrorKind: automation.ErrorKindNotFound}
	prompt := buildSystemPrompt(pageContext{url: "u", title: "t"}, strings.Repeat("x", 5000), &last)

	assert.True(t, strings.HasPrefix(prompt, automation.ToolSpecText()+"\n\nCurrentPage: t (u)"))
	assert.Contains(t, prompt, "AdditionalContext:\n"+strings.Repeat("x", extraContextMax)+"\n\n")
	assert.NotContains(t, prompt, strings.Repeat("x", extraContextMax+1))
	assert.Contains(t, prompt, `LastToolResult:
{"ok":false,"tool":"click","error":"<b> missing"}`)

	assert.Equal(t, "héllo", clipRunes("héllo wörld", 5))
}

func TestIsStaleElement(t *testing.T) {
	tests := []struct {
		name string
		res  automation.ToolResult
		want bool
	}{
		{"kind not found", automation.ToolResult{ErrorKind: automation.ErrorKindNotFound}, true},
		{"kind not editable", automation.ToolResult{ErrorKind: automation.ErrorKindNotEditable}, true},
		{"target element text", automation.ToolResult{Error: "Target element is detached"}, true},
		{"missing text", automation.ToolResult{Error: "element missing from page"}, true},
		{"not editable text", automation.ToolResult{Error: "Field is NOT EDITABLE"}, true},
		{"timeout", automation.ToolResult{Error: "tool dispatch failed: timeout", ErrorKind: automation.ErrorKindTimeout}, false},
		{"ok", automation.ToolResult{OK: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isStaleElement(tt.res))
		})
	}
}
