package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/types"
)

// mockEventEmitter captures emitted events for testing
type mockEventEmitter struct {
	events []*types.AgentEvent
	mu     sync.Mutex
}

func (m *mockEventEmitter) emit(event *types.AgentEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockEventEmitter) getEvents() []*types.AgentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.AgentEvent{}, m.events...)
}

func (m *mockEventEmitter) waitFor(t *testing.T, typ types.AgentEventType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range m.getEvents() {
			if e.Type == typ {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", typ)
}

var submitRequest = types.ConfirmationRequest{
	Title:   "Confirmation required",
	Message: "This action may be risky. Continue?",
	Reason:  automation.ReasonSubmit,
	Tool:    automation.ToolClick,
}

type outcome struct {
	approved bool
	timedOut bool
}

func requestAsync(m *Manager, ctx context.Context, runID, stepID string) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		approved, timedOut := m.Request(ctx, runID, stepID, submitRequest)
		out <- outcome{approved, timedOut}
	}()
	return out
}

func TestNewManager(t *testing.T) {
	emitter := &mockEventEmitter{}
	manager := NewManager(5*time.Second, emitter.emit)

	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", manager.timeout)
	}
	if len(manager.pending) != 0 {
		t.Error("expected no pending confirmations initially")
	}
}

func TestManager_RequestResolveApproved(t *testing.T) {
	emitter := &mockEventEmitter{}
	manager := NewManager(0, emitter.emit)

	done := requestAsync(manager, context.Background(), "run_1", "step_1")
	emitter.waitFor(t, types.EventTypeConfirmationRequest)

	if got := manager.Pending("run_1"); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}
	if !manager.Resolve("run_1", "step_1", true) {
		t.Fatal("expected Resolve to find the pending confirmation")
	}

	res := <-done
	if !res.approved || res.timedOut {
		t.Errorf("got %+v, want approved", res)
	}
	if got := manager.Pending("run_1"); got != 0 {
		t.Errorf("Pending after resolve = %d, want 0", got)
	}

	events := emitter.getEvents()
	if events[0].Reason != automation.ReasonSubmit {
		t.Errorf("request event reason = %s, want submit", events[0].Reason)
	}
	if events[len(events)-1].Type != types.EventTypeConfirmationGranted {
		t.Errorf("last event = %s, want confirmation_granted", events[len(events)-1].Type)
	}
}

func TestManager_ResolveIsSingleFulfillment(t *testing.T) {
	emitter := &mockEventEmitter{}
	manager := NewManager(0, emitter.emit)

	done := requestAsync(manager, context.Background(), "run_1", "step_1")
	emitter.waitFor(t, types.EventTypeConfirmationRequest)

	manager.Resolve("run_1", "step_1", false)
	manager.Resolve("run_1", "step_1", true)

	if res := <-done; res.approved {
		t.Error("first answer must win")
	}
	if manager.Resolve("run_1", "step_1", true) {
		t.Error("expected no pending confirmation after fulfillment")
	}
}

func TestManager_ResolveUnknownKey(t *testing.T) {
	manager := NewManager(0, nil)
	if manager.Resolve("run_x", "step_y", true) {
		t.Error("expected Resolve on unknown key to report false")
	}
	if manager.HandleResponse(nil) {
		t.Error("expected nil response to be ignored")
	}
}

func TestManager_CancelRun(t *testing.T) {
	emitter := &mockEventEmitter{}
	manager := NewManager(0, emitter.emit)

	a := requestAsync(manager, context.Background(), "run_1", "step_1")
	b := requestAsync(manager, context.Background(), "run_1", "step_2")
	other := requestAsync(manager, context.Background(), "run_2", "step_1")

	deadline := time.Now().Add(2 * time.Second)
	for manager.Pending("run_1") < 2 || manager.Pending("run_2") < 1 {
		if time.Now().After(deadline) {
			t.Fatal("requests never became pending")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if n := manager.CancelRun("run_1"); n != 2 {
		t.Errorf("CancelRun resolved %d, want 2", n)
	}
	if got := manager.Pending("run_1"); got != 0 {
		t.Errorf("Pending right after CancelRun = %d, want 0", got)
	}
	if res := <-a; res.approved {
		t.Error("cancelled confirmation must be rejected")
	}
	if res := <-b; res.approved {
		t.Error("cancelled confirmation must be rejected")
	}

	if manager.Pending("run_2") != 1 {
		t.Error("other runs must stay pending")
	}
	manager.Resolve("run_2", "step_1", true)
	if res := <-other; !res.approved {
		t.Error("expected run_2 approval")
	}
}

func TestManager_ContextCancelRejects(t *testing.T) {
	manager := NewManager(0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := requestAsync(manager, ctx, "run_1", "step_1")
	cancel()

	select {
	case res := <-done:
		if res.approved || res.timedOut {
			t.Errorf("got %+v, want rejected", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not return after context cancellation")
	}
}

func TestManager_ReplacingPendingRejectsStale(t *testing.T) {
	emitter := &mockEventEmitter{}
	manager := NewManager(0, emitter.emit)

	first := requestAsync(manager, context.Background(), "run_1", "step_1")
	emitter.waitFor(t, types.EventTypeConfirmationRequest)

	second := requestAsync(manager, context.Background(), "run_1", "step_1")
	if res := <-first; res.approved {
		t.Error("stale confirmation must be rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !manager.Resolve("run_1", "step_1", true) {
		if time.Now().After(deadline) {
			t.Fatal("second request never became pending")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if res := <-second; !res.approved {
		t.Error("expected second request approved")
	}
	if manager.Pending("run_1") != 0 {
		t.Error("expected no pending confirmations left")
	}
}

func TestManager_CleanupMultipleCallsSafe(t *testing.T) {
	manager := NewManager(0, nil)
	responseChannel := make(chan *types.ConfirmationResponse, 1)
	manager.setupPending("run_1", "step_1", responseChannel)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.cleanupPending(Key("run_1", "step_1"), responseChannel)
		}()
	}
	wg.Wait()

	if _, ok := <-responseChannel; ok {
		t.Error("expected channel to be closed")
	}
}
