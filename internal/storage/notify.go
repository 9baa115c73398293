package storage

import "sync"

// EntityKind identifies which entity type a change notification refers to.
type EntityKind string

const (
	KindSession   EntityKind = "session"
	KindIntention EntityKind = "intention"
	KindState     EntityKind = "state"
)

// Op identifies the kind of mutation that was committed.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Event describes a committed change to a stored entity.
type Event struct {
	Kind EntityKind
	Op   Op
	ID   string
}

// Hub fans committed-change notifications out to subscribers. Backends
// publish after a transaction commits, never before, so a subscriber that
// re-reads the store always observes the change it was notified about.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

// NewHub creates an empty notification hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe registers fn to be invoked on every committed change and
// returns a cancel function. Callbacks run synchronously on the committing
// goroutine and must not block; hand the event off to a channel for any
// real work.
func (h *Hub) Subscribe(fn func(Event)) (cancel func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish delivers ev to all current subscribers.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.subs {
		fn(ev)
	}
}
