package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/logging"
)

var transportLog *logging.Logger

func init() {
	var err error
	transportLog, err = logging.NewLogger("transport")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize transport logger, using stderr fallback: %v\n", err)
	}
}

// DefaultCallTimeout bounds a single tool round trip.
const DefaultCallTimeout = 15 * time.Second

type command struct {
	ctx    context.Context
	req    ExecuteRequest
	result chan automation.ToolResult
}

// SubscriptionID identifies an event subscription.
type SubscriptionID uint64

// Bus is the in-process transport. Tool calls are queued on a buffered
// command channel and served one at a time by a dispatcher goroutine, which
// routes them to the handler registered for the request's tab. Events fan
// out to subscribers without blocking the publisher.
type Bus struct {
	commands chan command
	timeout  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[SubscriptionID]chan Event
	nextSub  SubscriptionID
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		b.timeout = d
	}
}

// WithQueueSize sets the command buffer size.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		b.commands = make(chan command, n)
	}
}

// NewBus creates a Bus and starts its dispatcher. Call Close to stop it.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		commands: make(chan command, 100),
		timeout:  DefaultCallTimeout,
		handlers: make(map[string]Handler),
		subs:     make(map[SubscriptionID]chan Event),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Register installs the handler for a tab, replacing any previous one.
func (b *Bus) Register(tabID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[tabID] = h
	transportLog.Debugf("handler registered for tab %s", tabID)
}

// Unregister removes the handler for a tab.
func (b *Bus) Unregister(tabID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, tabID)
}

// Execute queues req and waits for its result, the call timeout, or ctx.
func (b *Bus) Execute(ctx context.Context, req ExecuteRequest) (automation.ToolResult, error) {
	b.mu.RLock()
	closed := b.closed
	_, ok := b.handlers[req.TabID]
	b.mu.RUnlock()
	if closed {
		return automation.ToolResult{}, ErrClosed
	}
	if !ok {
		return automation.ToolResult{}, fmt.Errorf("%w: %s", ErrNoHandler, req.TabID)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := command{ctx: callCtx, req: req, result: make(chan automation.ToolResult, 1)}
	select {
	case b.commands <- cmd:
	case <-b.done:
		return automation.ToolResult{}, ErrClosed
	default:
		return automation.ToolResult{}, ErrBusFull
	}

	select {
	case res := <-cmd.result:
		return res, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return automation.ToolResult{}, ctx.Err()
		}
		transportLog.Warnf("tool %s timed out after %s (run %s step %s)", req.Call.Tool, b.timeout, req.RunID, req.StepID)
		return automation.ToolResult{}, ErrTimeout
	case <-b.done:
		return automation.ToolResult{}, ErrClosed
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.commands:
			b.serve(cmd)
		}
	}
}

func (b *Bus) serve(cmd command) {
	if cmd.ctx.Err() != nil {
		return
	}
	b.mu.RLock()
	h := b.handlers[cmd.req.TabID]
	b.mu.RUnlock()

	var res automation.ToolResult
	if h == nil {
		res = automation.Failure(cmd.req.Call.Tool, automation.ErrorKindTransport, ErrNoHandler.Error())
	} else {
		res = h(cmd.ctx, cmd.req)
	}

	select {
	case cmd.result <- res:
	default:
		transportLog.Warnf("result for %s dropped", cmd.req.Call.Tool)
	}
}

// Subscribe registers for broadcast events. The returned channel is closed
// by the cancel func or by Close. Events are dropped for subscribers whose
// buffer is full.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextSub++
	id := b.nextSub
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish broadcasts ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			transportLog.Debugf("subscriber %d full, dropped %s", id, ev.Type)
		}
	}
}

// Close stops the dispatcher, fails pending calls with ErrClosed and closes
// all subscriber channels. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
