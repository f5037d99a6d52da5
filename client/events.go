package client

import (
	"sync"

	"github.com/Polqt/docsync/wire"
)

// EventKind names one of SyncClient's observable event types (spec
// §4.8's client-visible event surface: connect/disconnect/change/sync/
// docLoad/docUnload).
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventChange
	EventSync
	EventDocLoad
	EventDocUnload
)

// Event is the payload delivered to a subscriber. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	DocID    string
	Origin   string // "local" | "remote", set for EventChange
	SyncErr  *wire.TypedError
	Err      error
}

// Handler receives events of exactly one kind.
type Handler func(Event)

// bus is a small synchronous pub/sub keyed by EventKind, grounded on the
// teacher's Hub's map-of-subscribers shape generalized from one channel
// type to SyncClient's six event kinds.
type bus struct {
	mu   sync.RWMutex
	subs map[EventKind]map[int]Handler
	next int
}

func newBus() *bus {
	return &bus{subs: make(map[EventKind]map[int]Handler)}
}

// On registers handler for kind and returns an unsubscribe function.
func (b *bus) On(kind EventKind, handler Handler) func() {
	b.mu.Lock()
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[kind][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[kind], id)
		b.mu.Unlock()
	}
}

func (b *bus) emit(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Kind]))
	for _, h := range b.subs[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
