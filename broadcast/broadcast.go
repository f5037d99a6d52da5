// Package broadcast implements the intra-device BroadcastHub (spec §4.5):
// a named channel scoped to a clientId so multiple tabs of the same
// identity share one server connection's updates without duplicating
// network traffic. Per spec §9's design note, platforms without a native
// inter-process channel fall back to a mutexed in-process event bus; this
// is that fallback, since a Go process has no browser-tab analogue and
// "tabs" here are simply independent subscribers within one process.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Polqt/docsync/wire"
)

// Kind distinguishes the two message shapes BroadcastHub carries.
type Kind int

const (
	KindOperations Kind = iota
	KindPresence
)

// Message is one intra-device broadcast frame.
type Message struct {
	Kind       Kind
	DocID      string
	Operations []byte // opaque OpBatch, present when Kind == KindOperations
	Presence   wire.PresencePatch
}

// Hub is a per-clientId publish/subscribe bus. All tabs of one identity on
// one device share a single Hub instance.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Message
	next int
	log  *logrus.Logger
}

// Option configures a Hub at construction.
type Option func(*Hub)

// WithLogger overrides the Hub's logger, letting tests inject a silent one.
func WithLogger(l *logrus.Logger) Option {
	return func(h *Hub) { h.log = l }
}

func New(opts ...Option) *Hub {
	h := &Hub{subs: make(map[int]chan Message), log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new tab and returns its receive channel plus an
// unsubscribe function. The channel is buffered so a slow subscriber
// cannot stall Publish; buffer overflow drops the oldest waiting message
// for that subscriber rather than blocking the publisher.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 64)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}
}

// Publish fans msg out to every subscribed tab except the one identified
// by the exclude channel, when non-nil (the publisher's own tab).
func (h *Hub) Publish(msg Message, exclude <-chan Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		if exclude != nil && sameChan(ch, exclude) {
			continue
		}
		select {
		case ch <- msg:
		default:
			// Drop the oldest buffered message to make room rather than
			// block the publisher or lose the newest update.
			h.log.WithField("docId", msg.DocID).Warn("broadcast: subscriber buffer full, dropping oldest message")
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func sameChan(a chan Message, b <-chan Message) bool {
	return a == b
}

// Close tears down the hub, closing every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
