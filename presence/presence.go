// Package presence implements PresenceStore (spec §4.4): per-document
// clientId -> value mapping with patch-merge semantics where a null value
// means "this client has left".
package presence

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store holds presence state for one document. The zero value is not
// usable; use New.
type Store struct {
	mu        sync.RWMutex
	values    map[string]json.RawMessage
	subs      map[int]func()
	nextSubID int
	log       *logrus.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the Store's logger, letting tests inject a silent one.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(opts ...Option) *Store {
	s := &Store{values: make(map[string]json.RawMessage), subs: make(map[int]func()), log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyPatch merges patch into the store: a null (or absent-body) entry
// deletes the client; any other value overwrites it. Subscribers are
// notified once after the whole patch is merged.
func (s *Store) ApplyPatch(patch map[string]json.RawMessage) {
	s.mu.Lock()
	for clientID, v := range patch {
		if isNull(v) {
			delete(s.values, clientID)
			s.log.WithField("clientId", clientID).Debug("presence: client left")
		} else {
			s.values[clientID] = v
		}
	}
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	for _, notify := range subs {
		notify()
	}
}

// Get returns the current value for clientID, if any.
func (s *Store) Get(clientID string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[clientID]
	return v, ok
}

// Snapshot returns a copy of the full clientId -> value map.
func (s *Store) Snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// OwnPatch returns {clientID: value} if clientID currently has presence,
// else (nil, false) — callers fall back to a debounced pending value.
func (s *Store) OwnPatch(clientID string) (map[string]json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[clientID]
	if !ok {
		return nil, false
	}
	return map[string]json.RawMessage{clientID: v}, true
}

// Subscribe registers a callback invoked after every ApplyPatch. It
// returns an unsubscribe function.
func (s *Store) Subscribe(cb func()) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshotSubsLocked() []func() {
	out := make([]func(), 0, len(s.subs))
	for _, cb := range s.subs {
		out = append(out, cb)
	}
	return out
}

func isNull(v json.RawMessage) bool {
	return v == nil || string(v) == "null"
}
