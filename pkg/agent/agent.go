// Package agent implements the automation orchestrator: a registry of runs,
// each driven by a goroutine that asks the model for the next tool call,
// dispatches it to the page, heals stale element ids, suspends for operator
// confirmation and records every step.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/pagepilot/pkg/agent/approval"
	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/history"
	"github.com/entrhq/pagepilot/pkg/llm"
	"github.com/entrhq/pagepilot/pkg/llm/tokenizer"
	"github.com/entrhq/pagepilot/pkg/logging"
	"github.com/entrhq/pagepilot/pkg/policy"
	"github.com/entrhq/pagepilot/pkg/transport"
	"github.com/entrhq/pagepilot/pkg/types"
)

var agentLog *logging.Logger

func init() {
	var err error
	agentLog, err = logging.NewLogger("agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize agent logger, using stderr fallback: %v\n", err)
	}
}

const (
	DefaultMaxSteps        = 25
	DefaultToolTimeout     = 15 * time.Second
	DefaultPersistInterval = 1200 * time.Millisecond
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("orchestrator is shut down")
)

// Publisher receives broadcast envelopes such as AUTOMATION_STATUS. The
// transport Bus satisfies it.
type Publisher interface {
	Publish(ev transport.Event)
}

// Orchestrator owns the run registry and drives each run's loop.
type Orchestrator struct {
	provider   llm.Provider
	dispatcher transport.Dispatcher
	approvals  *approval.Manager
	policy     policy.Evaluator
	history    history.Store
	publisher  Publisher
	tokenizer  *tokenizer.Tokenizer
	clock      func() time.Time
	log        *logging.Logger

	maxSteps        int
	toolTimeout     time.Duration
	persistInterval time.Duration
	confirmTimeout  time.Duration
	nativeTools     bool

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool

	subMu   sync.RWMutex
	subs    map[uint64]chan *types.AgentEvent
	nextSub uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxSteps sets the action-step budget of each run.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithToolTimeout bounds every dispatched tool call.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.toolTimeout = d
		}
	}
}

// WithPersistInterval sets the minimum gap between non-terminal history
// writes of one run.
func WithPersistInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.persistInterval = d
	}
}

// WithConfirmationTimeout rejects confirmations left unanswered for d. Zero
// waits until the run is stopped.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.confirmTimeout = d
	}
}

// WithPolicy consults p before every action step.
func WithPolicy(p policy.Evaluator) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithHistory persists redacted run snapshots to s.
func WithHistory(s history.Store) Option {
	return func(o *Orchestrator) {
		o.history = s
	}
}

// WithPublisher broadcasts status and confirmation envelopes through p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger replaces the package logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithTokenizer enables prompt token accounting in API call events.
func WithTokenizer(t *tokenizer.Tokenizer) Option {
	return func(o *Orchestrator) {
		o.tokenizer = t
	}
}

// WithNativeTools offers the catalog as function-calling tools. The first
// returned tool call is read as the JSON decision.
func WithNativeTools(enabled bool) Option {
	return func(o *Orchestrator) {
		o.nativeTools = enabled
	}
}

// New creates an orchestrator that asks provider for decisions and runs tool
// calls through dispatcher.
func New(provider llm.Provider, dispatcher transport.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:        provider,
		dispatcher:      dispatcher,
		clock:           time.Now,
		log:             agentLog,
		maxSteps:        DefaultMaxSteps,
		toolTimeout:     DefaultToolTimeout,
		persistInterval: DefaultPersistInterval,
		runs:            make(map[string]*run),
		subs:            make(map[uint64]chan *types.AgentEvent),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.base, o.baseCancel = context.WithCancel(context.Background())
	o.approvals = approval.NewManager(o.confirmTimeout, o.emit)
	return o
}

// Start registers a run and launches its loop without waiting for it. The
// loop is not bound to ctx; use Stop or Shutdown to end it.
func (o *Orchestrator) Start(ctx context.Context, tabID, goal, extraContext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(goal) == "" {
		return "", fmt.Errorf("goal is required")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShutdown
	}
	runID := o.newID("run")
	for o.runs[runID] != nil {
		runID = o.newID("run")
	}
	now := o.now()
	loopCtx, cancel := context.WithCancel(o.base)
	r := &run{
		state: automation.RunState{
			RunID:     runID,
			TabID:     tabID,
			Goal:      goal,
			Status:    automation.RunRunning,
			CreatedAt: now,
			UpdatedAt: now,
			Steps:     []automation.StepLog{},
		},
		extra:    extraContext,
		cancel:   cancel,
		done:     make(chan struct{}),
		elements: make(map[string]automation.ElementSummary),
	}
	o.runs[runID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.log.Infof("run %s started on tab %s: %q", runID, tabID, goal)
	o.emit(types.NewRunStartedEvent(runID, goal))
	o.broadcast(r, r.snapshot(), 0)

	go o.runLoop(loopCtx, r)
	return runID, nil
}

// Get returns a snapshot of the run.
func (o *Orchestrator) Get(runID string) (automation.RunState, bool) {
	r := o.lookup(runID)
	if r == nil {
		return automation.RunState{}, false
	}
	return r.snapshot(), true
}

// List returns snapshots of all registered runs, newest first.
func (o *Orchestrator) List() []automation.RunState {
	o.mu.RLock()
	out := make([]automation.RunState, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].RunID > out[j].RunID
	})
	return out
}

// Wait blocks until the run's loop has exited or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (automation.RunState, error) {
	r := o.lookup(runID)
	if r == nil {
		return automation.RunState{}, ErrRunNotFound
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Stop moves the run to stopped and rejects its pending confirmations so a
// suspended loop wakes up. Stopping a finished run is a no-op.
func (o *Orchestrator) Stop(runID string) error {
	r := o.lookup(runID)
	if r == nil {
		return ErrRunNotFound
	}
	if o.finish(r, automation.RunStopped, "", "") {
		o.log.Infof("run %s stopped", runID)
	}
	if n := o.approvals.CancelRun(runID); n > 0 {
		o.log.Debugf("run %s: rejected %d pending confirmation(s)", runID, n)
	}
	r.cancel()
	return nil
}

// Confirm answers the pending confirmation of runID:stepID. It reports
// whether one was pending.
func (o *Orchestrator) Confirm(runID, stepID string, approved bool) bool {
	return o.approvals.Resolve(runID, stepID, approved)
}

// Subscribe registers a listener for orchestrator events. Slow listeners
// miss events rather than stalling runs. Call the returned func to
// unsubscribe.
func (o *Orchestrator) Subscribe(buffer int) (<-chan *types.AgentEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.AgentEvent, buffer)

	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
			close(ch)
		})
	}
}

// Shutdown stops every active run and waits for their loops to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		_ = o.Stop(id)
	}
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(runID string) *run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runs[runID]
}

// emit fans an event out to subscribers and mirrors status and confirmation
// requests onto the publisher.
func (o *Orchestrator) emit(ev *types.AgentEvent) {
	if ev == nil {
		return
	}

	o.subMu.RLock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	o.subMu.RUnlock()

	if o.publisher == nil {
		return
	}
	switch ev.Type {
	case types.EventTypeStatus:
		o.publisher.Publish(transport.Event{
			Type:      transport.MsgAutomationStatus,
			RunID:     ev.RunID,
			Payload:   *ev.Run,
			Timestamp: o.clock(),
		})
	case types.EventTypeConfirmationRequest:
		o.publisher.Publish(transport.Event{
			Type:  transport.MsgRequestConfirmation,
			RunID: ev.RunID,
			Payload: ConfirmationPrompt{
				RunID:       ev.RunID,
				StepID:      ev.StepID,
				Title:       confirmationTitle,
				Description: ev.Content,
				Tool:        ev.ToolName,
				Reason:      ev.Reason,
			},
			Timestamp: o.clock(),
		})
	}
}

// ConfirmationPrompt is the REQUEST_CONFIRMATION payload.
type ConfirmationPrompt struct {
	RunID       string                        `json:"runId"`
	StepID      string                        `json:"stepId"`
	Title       string                        `json:"title"`
	Description string                        `json:"description,omitempty"`
	Tool        automation.ToolName           `json:"tool"`
	Reason      automation.ConfirmationReason `json:"reason,omitempty"`
}

func (o *Orchestrator) now() int64 {
	return o.clock().UnixMilli()
}

// newID returns <prefix>_<unixMillis>_<6 random base36 chars>.
func (o *Orchestrator) newID(prefix string) string {
	const space = 36 * 36 * 36 * 36 * 36 * 36
	suffix := strconv.FormatInt(rand.Int64N(space), 36)
	suffix = strings.Repeat("0", 6-len(suffix)) + suffix
	return prefix + "_" + strconv.FormatInt(o.now(), 10) + "_" + suffix
}
