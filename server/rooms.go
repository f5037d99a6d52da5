package server

import (
	"context"
	"sync"
	"time"

	"github.com/Polqt/docsync/metrics"
	"github.com/Polqt/docsync/presence"
	"github.com/Polqt/docsync/wire"
)

// DefaultIdleSweepInterval and DefaultIdleTimeout tune Hub.Run's periodic
// eviction of rooms nobody is connected to anymore (SPEC_FULL.md §C.5).
const (
	DefaultIdleSweepInterval = 30 * time.Second
	DefaultIdleTimeout       = 2 * time.Minute
)

// socket is the server's view of one connection: its identity plus the
// set of docs it currently has joined. It is grounded on the teacher's
// Session (ID, sender, per-doc membership) generalized to track many
// rooms per connection instead of exactly one.
type socket struct {
	id       string // room membership key; RemoteAddr() is unique enough for this server
	conn     conn
	userID   string
	deviceID string
	clientID string
	authCtx  any

	mu   sync.Mutex
	docs map[string]bool
}

// conn is the subset of transport.ServerConn the dispatcher needs,
// narrowed to keep this package testable without a real websocket.
type conn interface {
	Respond(reqID uint64, data any, typedErr *wire.TypedError) error
	Push(event string, payload any) error
}

func newSocket(id string, c conn, userID, deviceID string, authCtx any) *socket {
	return &socket{
		id:       id,
		conn:     c,
		userID:   userID,
		deviceID: deviceID,
		clientID: userID + "/" + deviceID,
		authCtx:  authCtx,
		docs:     make(map[string]bool),
	}
}

func (s *socket) joinedDocs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for d := range s.docs {
		out = append(out, d)
	}
	return out
}

// room is one document's set of connected sockets plus its presence
// state, matching the teacher's Document (mu, sessions map) generalized
// from a single text CRDT to a presence.Store keyed by clientId — the
// CRDT state itself lives in the client-side docstore/push stack, not
// here; the room only needs to know who to fan out to.
type room struct {
	mu       sync.RWMutex
	docID    string
	sockets  map[string]*socket
	presence *presence.Store
	idleSince time.Time // zero while the room has at least one socket
}

func newRoom(docID string) *room {
	return &room{docID: docID, sockets: make(map[string]*socket), presence: presence.New(), idleSince: time.Now()}
}

func (r *room) join(s *socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[s.id] = s
	r.idleSince = time.Time{}
}

func (r *room) leave(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, socketID)
	if len(r.sockets) == 0 {
		r.idleSince = time.Now()
	}
}

func (r *room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets) == 0
}

// idleFor reports how long the room has had no connected sockets and no
// presence entries, or false if it's currently occupied by either.
func (r *room) idleFor() (time.Duration, bool) {
	r.mu.RLock()
	since := r.idleSince
	empty := len(r.sockets) == 0
	r.mu.RUnlock()
	if !empty || since.IsZero() || len(r.presence.Snapshot()) > 0 {
		return 0, false
	}
	return time.Since(since), true
}

// broadcast sends to every socket in the room whose id != excludeSocketID
// and, per spec §4.9.3, whose deviceId != excludeDeviceID (the sender's
// own other tabs on the same device get the update over the intra-device
// broadcast channel instead, not a second network push).
func (r *room) broadcast(excludeSocketID, excludeDeviceID string, send func(*socket)) {
	r.mu.RLock()
	targets := make([]*socket, 0, len(r.sockets))
	for id, s := range r.sockets {
		if id == excludeSocketID || s.deviceID == excludeDeviceID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		send(s)
	}
}

// Hub owns every room, keyed "doc:<docId>" per spec §4.9.3. Grounded on
// the teacher's Hub{mu, docs}/GetOrCreate.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

func roomKey(docID string) string { return "doc:" + docID }

func (h *Hub) getOrCreate(docID string) *room {
	key := roomKey(docID)
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		r = newRoom(docID)
		h.rooms[key] = r
		metrics.ActiveRoomsGauge.Set(float64(len(h.rooms)))
	}
	return r
}

// drop removes a room once it has no members, so the hub doesn't grow
// unboundedly across the lifetime of a long-running server.
func (h *Hub) drop(docID string) {
	key := roomKey(docID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[key]; ok && r.empty() {
		delete(h.rooms, key)
		metrics.ActiveRoomsGauge.Set(float64(len(h.rooms)))
	}
}

// Run sweeps idle rooms every interval until ctx is cancelled: any room
// with no connected sockets and no presence entries for longer than
// idleTimeout is dropped, so a server left running doesn't accumulate one
// room per document ever opened (the teacher's Hub.Run was a TODO stub;
// this is its replacement, generalized from a single global sweep to
// per-room idle tracking).
func (h *Hub) Run(ctx context.Context, interval, idleTimeout time.Duration) {
	if interval <= 0 {
		interval = DefaultIdleSweepInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdle(idleTimeout)
		}
	}
}

func (h *Hub) sweepIdle(idleTimeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, r := range h.rooms {
		if idle, ok := r.idleFor(); ok && idle >= idleTimeout {
			delete(h.rooms, key)
		}
	}
	metrics.ActiveRoomsGauge.Set(float64(len(h.rooms)))
}
