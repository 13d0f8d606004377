// Package approval implements the confirmation gate: a risky step suspends
// until the operator approves or rejects it, the run is stopped, or an
// optional timeout elapses.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/pagepilot/pkg/types"
)

// EventEmitter is a function type for emitting events
type EventEmitter func(event *types.AgentEvent)

// Manager tracks pending confirmations keyed by runID:stepID. Each pending
// confirmation is fulfilled at most once.
type Manager struct {
	timeout   time.Duration
	pending   map[string]*pendingConfirmation
	mu        sync.Mutex
	emitEvent EventEmitter
}

// pendingConfirmation tracks a request that is waiting for an answer
type pendingConfirmation struct {
	runID     string
	stepID    string
	response  chan *types.ConfirmationResponse
	closeOnce sync.Once // Ensures channel is closed exactly once
}

// NewManager creates a confirmation manager. A zero timeout waits until the
// request is answered or its context ends.
func NewManager(timeout time.Duration, emitEvent EventEmitter) *Manager {
	return &Manager{
		timeout:   timeout,
		pending:   make(map[string]*pendingConfirmation),
		emitEvent: emitEvent,
	}
}

// Key builds the identifier of a pending confirmation.
func Key(runID, stepID string) string {
	return runID + ":" + stepID
}

// Request announces req and blocks until it is resolved.
// Returns (approved, timedOut) where:
//   - approved: true only if the operator approved
//   - timedOut: true if the request timed out waiting for an answer
//
// A cancelled context, a rejection and CancelRun all resolve as rejected.
func (m *Manager) Request(ctx context.Context, runID, stepID string, req types.ConfirmationRequest) (bool, bool) {
	responseChannel := make(chan *types.ConfirmationResponse, 1)
	m.setupPending(runID, stepID, responseChannel)
	defer m.cleanupPending(Key(runID, stepID), responseChannel)

	m.emit(types.NewConfirmationRequestEvent(runID, stepID, req))

	return m.waitForResponse(ctx, runID, stepID, responseChannel)
}

// Resolve answers the pending confirmation for runID:stepID. It reports
// whether a pending confirmation was found.
func (m *Manager) Resolve(runID, stepID string, approved bool) bool {
	return m.HandleResponse(types.NewConfirmationResponse(runID, stepID, approved))
}

// HandleResponse delivers an operator answer. Unknown keys are ignored.
func (m *Manager) HandleResponse(response *types.ConfirmationResponse) bool {
	if response == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.pending[Key(response.RunID, response.StepID)]
	if !ok {
		return false
	}

	// Non-blocking: a second answer for the same key is dropped.
	select {
	case pc.response <- response:
	default:
	}
	return true
}

// CancelRun rejects every pending confirmation of runID and returns how many
// were resolved. The entries are removed before it returns.
func (m *Manager) CancelRun(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, pc := range m.pending {
		if pc.runID != runID {
			continue
		}
		select {
		case pc.response <- types.NewConfirmationResponse(pc.runID, pc.stepID, false):
		default:
		}
		delete(m.pending, key)
		n++
	}
	return n
}

// Pending reports the number of unanswered confirmations of runID.
func (m *Manager) Pending(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, pc := range m.pending {
		if pc.runID == runID {
			n++
		}
	}
	return n
}

// setupPending stores the pending confirmation. A stale entry for the same
// key is rejected first so at most one is live.
func (m *Manager) setupPending(runID, stepID string, responseChannel chan *types.ConfirmationResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(runID, stepID)
	if old, ok := m.pending[key]; ok {
		select {
		case old.response <- types.NewConfirmationResponse(runID, stepID, false):
		default:
		}
	}
	m.pending[key] = &pendingConfirmation{
		runID:    runID,
		stepID:   stepID,
		response: responseChannel,
	}
}

// cleanupPending removes the entry if it still belongs to responseChannel.
// This method is safe to call multiple times due to sync.Once
func (m *Manager) cleanupPending(key string, responseChannel chan *types.ConfirmationResponse) {
	m.mu.Lock()
	pc, ok := m.pending[key]
	if ok && pc.response == responseChannel {
		delete(m.pending, key)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		pc.closeOnce.Do(func() {
			close(responseChannel)
		})
	}
}

func (m *Manager) emit(event *types.AgentEvent) {
	if m.emitEvent != nil {
		m.emitEvent(event)
	}
}
