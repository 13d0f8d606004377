package page

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/pagepilot/pkg/dom"
)

// DefaultElementTTL bounds how long a handed-out element id stays valid.
const DefaultElementTTL = 5 * time.Minute

// Clock abstracts time for tests.
type Clock func() time.Time

type storeEntry struct {
	el        *dom.Element
	createdAt time.Time
}

// Store maps opaque element ids to live elements. Ids are only meaningful to
// the Store that issued them; expired or unknown ids are a normal miss.
type Store struct {
	mu      sync.Mutex
	entries map[string]storeEntry
	seq     uint64
	ttl     time.Duration
	now     Clock
}

// NewStore creates a Store. A zero ttl uses DefaultElementTTL and a nil clock
// uses time.Now.
func NewStore(ttl time.Duration, clock Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultElementTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		entries: make(map[string]storeEntry),
		ttl:     ttl,
		now:     clock,
	}
}

// Put prunes expired entries and stores el under a new id of the form
// el_<unixMillis>_<seq base36>.
func (s *Store) Put(el *dom.Element) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	var b strings.Builder
	b.WriteString("el_")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('_')
	b.WriteString(strconv.FormatUint(s.seq, 36))
	s.seq++

	id := b.String()
	s.entries[id] = storeEntry{el: el, createdAt: now}
	return id
}

// Get returns the element for id, or nil when unknown, expired or detached
// from the document.
func (s *Store) Get(id string) *dom.Element {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok && s.now().Sub(entry.createdAt) > s.ttl {
		delete(s.entries, id)
		ok = false
	}
	s.mu.Unlock()

	if !ok || !entry.el.Connected() {
		return nil
	}
	return entry.el
}

// Len reports the number of entries, expired ones included until the next
// prune.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.ttl)
	for id, entry := range s.entries {
		if entry.createdAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}
