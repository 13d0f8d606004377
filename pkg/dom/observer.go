package dom

import "sync"

// MutationType classifies a DOM change.
type MutationType string

const (
	MutationChildList  MutationType = "childList"
	MutationAttributes MutationType = "attributes"
)

// MutationRecord describes one change. Target is nil for whole-document
// replacements.
type MutationRecord struct {
	Type      MutationType
	Target    *Element
	Attribute string
}

// Observer receives a coalesced signal whenever the document mutates. Only
// the fact that something changed is guaranteed; bursts collapse into a
// single pending signal.
type Observer struct {
	doc  *Document
	c    chan struct{}
	mu   sync.Mutex
	last MutationRecord
	n    int
	once sync.Once
}

// Observe subscribes to document mutations. Call Disconnect when done.
func (d *Document) Observe() *Observer {
	o := &Observer{doc: d, c: make(chan struct{}, 1)}
	d.mu.Lock()
	d.observers[o] = struct{}{}
	d.mu.Unlock()
	return o
}

// C is signalled after one or more mutations.
func (o *Observer) C() <-chan struct{} { return o.c }

// Count is the number of mutations seen so far.
func (o *Observer) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// Last returns the most recent record.
func (o *Observer) Last() MutationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Disconnect stops delivery. Safe to call more than once.
func (o *Observer) Disconnect() {
	o.once.Do(func() {
		o.doc.mu.Lock()
		delete(o.doc.observers, o)
		o.doc.mu.Unlock()
	})
}

// notifyLocked fans a record out to observers. Caller holds d.mu; sends never
// block.
func (d *Document) notifyLocked(rec MutationRecord) {
	for o := range d.observers {
		o.mu.Lock()
		o.last = rec
		o.n++
		o.mu.Unlock()
		select {
		case o.c <- struct{}{}:
		default:
		}
	}
}
