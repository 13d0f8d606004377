package agent

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/types"
)

// run is one registered automation run. state and the persistence
// bookkeeping are guarded by mu; the remaining fields are owned by the loop
// goroutine.
type run struct {
	mu          sync.Mutex
	state       automation.RunState
	version     uint64
	lastPersist time.Time

	persistMu    sync.Mutex
	savedVersion uint64

	extra  string
	cancel context.CancelFunc
	done   chan struct{}

	elements   map[string]automation.ElementSummary
	lastHash   string
	lastResult *automation.ToolResult
}

func (r *run) snapshot() automation.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Snapshot()
}

func (r *run) status() automation.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status
}

func (r *run) terminal() bool {
	return r.status().IsTerminal()
}

func (r *run) id() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.RunID
}

// mutate applies fn under the run lock, stamps updatedAt and broadcasts the
// resulting snapshot.
func (o *Orchestrator) mutate(r *run, fn func(st *automation.RunState)) {
	r.mu.Lock()
	fn(&r.state)
	r.state.UpdatedAt = o.now()
	r.version++
	snap, version := r.state.Snapshot(), r.version
	r.mu.Unlock()

	o.broadcast(r, snap, version)
}

func (o *Orchestrator) pushStep(r *run, step automation.StepLog) {
	o.mutate(r, func(st *automation.RunState) {
		st.Steps = append(st.Steps, step)
	})
	o.emit(types.NewStepStartEvent(r.id(), step.StepID, step.Tool))
}

func (o *Orchestrator) updateStep(r *run, stepID string, patch func(s *automation.StepLog)) {
	o.mutate(r, func(st *automation.RunState) {
		for i := range st.Steps {
			if st.Steps[i].StepID == stepID {
				patch(&st.Steps[i])
				return
			}
		}
	})
}

// endStep records the terminal per-attempt status of a step.
func (o *Orchestrator) endStep(r *run, stepID string, status automation.StepStatus, res automation.ToolResult, attempts int, locator automation.LocatorUsed) {
	var ended automation.StepLog
	o.updateStep(r, stepID, func(s *automation.StepLog) {
		s.Status = status
		s.EndedAt = o.now()
		stored := res.Clone()
		s.Result = &stored
		if attempts > 0 {
			s.Attempts = attempts
		}
		if locator != "" {
			s.LocatorUsed = locator
		}
		ended = *s
	})
	o.emit(types.NewStepEndEvent(r.id(), ended))
}

// setStatus changes a non-terminal run between running and
// waiting_confirmation.
func (o *Orchestrator) setStatus(r *run, status automation.RunStatus) {
	r.mu.Lock()
	if r.state.Status.IsTerminal() || r.state.Status == status {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	o.mutate(r, func(st *automation.RunState) {
		if !st.Status.IsTerminal() {
			st.Status = status
		}
	})
}

// finish moves the run to a terminal status. Only the first call wins; it
// reports whether this call made the transition.
func (o *Orchestrator) finish(r *run, status automation.RunStatus, errMsg, final string) bool {
	r.mu.Lock()
	if r.state.Status.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	r.state.Status = status
	r.state.Error = errMsg
	r.state.FinalAnswer = final
	r.state.UpdatedAt = o.now()
	r.version++
	snap, version := r.state.Snapshot(), r.version
	r.mu.Unlock()

	o.broadcast(r, snap, version)
	o.emit(types.NewRunFinishedEvent(snap))
	return true
}

// broadcast announces snap and persists it, throttled per run except for
// terminal snapshots.
func (o *Orchestrator) broadcast(r *run, snap automation.RunState, version uint64) {
	o.emit(types.NewStatusEvent(snap))

	if o.history == nil {
		return
	}

	now := o.clock()
	r.mu.Lock()
	due := snap.Status.IsTerminal() || r.lastPersist.IsZero() || now.Sub(r.lastPersist) >= o.persistInterval
	if due {
		r.lastPersist = now
	}
	r.mu.Unlock()
	if !due {
		return
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	// A newer snapshot may already have been written by a concurrent Stop.
	if version <= r.savedVersion && r.savedVersion != 0 {
		return
	}
	r.savedVersion = version

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.history.Save(ctx, snap); err != nil {
		o.log.Warnf("run %s: failed to persist history: %v", snap.RunID, err)
	}
}
