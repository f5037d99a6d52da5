// Package client implements SyncClient (spec §4.8): the façade that
// wires DocStore, PushEngine, the intra-device BroadcastHub and
// PresenceStore together behind a small connect/getDoc/setPresence
// surface, and owns this device's identity.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Polqt/docsync/breaker"
	"github.com/Polqt/docsync/broadcast"
	"github.com/Polqt/docsync/docstore"
	"github.com/Polqt/docsync/id"
	"github.com/Polqt/docsync/metrics"
	"github.com/Polqt/docsync/presence"
	"github.com/Polqt/docsync/push"
	"github.com/Polqt/docsync/storage"
	"github.com/Polqt/docsync/transport"
	"github.com/Polqt/docsync/wire"
)

// DefaultPresenceDebounce matches the common ~40ms cursor-update
// coalescing window real-time editors use to avoid flooding the wire
// with every mouse/keystroke event.
const DefaultPresenceDebounce = 40 * time.Millisecond

// Option configures a SyncClient at Connect time, matching idiomatic Go
// library configuration (spec §4.3's client package is embedded, not
// run as a binary, so it uses functional options rather than a flag
// parser the way cmd/docsyncd does).
type Option func(*clientOptions)

type clientOptions struct {
	requestTimeout   time.Duration
	presenceDebounce time.Duration
	logger           *logrus.Logger
}

// WithRequestTimeout overrides how long a single sync-operations/presence
// round trip may take before the channel reports a NetworkError, when
// Connect dials its own transport.Client (ignored if cfg.Channel is
// already set).
func WithRequestTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.requestTimeout = d }
}

// WithPresenceDebounce overrides cfg.PresenceDebounce; kept as an Option
// too so callers who prefer the functional-options style don't need to
// touch Config for this one field.
func WithPresenceDebounce(d time.Duration) Option {
	return func(o *clientOptions) { o.presenceDebounce = d }
}

// WithLogger overrides the SyncClient's logger, letting tests inject a
// silent one instead of logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// hubs is the process-wide registry of BroadcastHubs, one per clientId
// (spec §4.5: "all tabs of one identity on one device share a single Hub
// instance"). Go has no browser-tab analogue, so here "tabs" are simply
// independent SyncClients constructed with the same userId/deviceId —
// refcounted so the Hub is torn down once the last of them disconnects.
var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hubRef)
)

type hubRef struct {
	hub   *broadcast.Hub
	count int
}

func acquireHub(clientID string, log *logrus.Logger) *broadcast.Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	ref, ok := hubs[clientID]
	if !ok {
		ref = &hubRef{hub: broadcast.New(broadcast.WithLogger(log))}
		hubs[clientID] = ref
	}
	ref.count++
	return ref.hub
}

func releaseHub(clientID string) {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	ref, ok := hubs[clientID]
	if !ok {
		return
	}
	ref.count--
	if ref.count <= 0 {
		delete(hubs, clientID)
	}
}

// Config configures a SyncClient.
type Config struct {
	Provider storage.Provider

	// Channel is the already-connected RequestChannel to use. Tests
	// inject a fake here; production callers leave it nil and set
	// ServerURL/Token/DeviceID so Connect dials a real transport.Client.
	Channel transport.RequestChannel

	ServerURL string
	Token     string
	UserID    string // this identity's userId, used to derive ClientID
	DeviceID  string // empty: derive/persist one via LoadOrCreateDeviceID

	BreakerCfg       breaker.Config
	PresenceDebounce time.Duration
}

// SyncClient is one connected identity's view of the sync system.
type SyncClient struct {
	provider storage.Provider
	channel  transport.RequestChannel
	store    *docstore.Store
	push     *push.Engine
	hub      *broadcast.Hub
	hubRecv  <-chan broadcast.Message
	hubUnsub func()
	events   *bus
	log      *logrus.Logger

	userID   string
	deviceID string
	clientID string

	presenceDebounce time.Duration

	mu          sync.Mutex
	rooms       map[string]*presence.Store // docId -> merged presence view
	pendingOwn  map[string]json.RawMessage // docId -> this client's own pending value
	debounceTmr map[string]*time.Timer
	docTypes    map[string]string // docId -> docType, populated by GetDoc
}

// Connect establishes a SyncClient: dials the transport (unless cfg.Channel
// is already set), derives/persists the device id, and wires every
// component together.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*SyncClient, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("client: Config.Provider is required")
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		d, err := LoadOrCreateDeviceID(ctx, cfg.Provider)
		if err != nil {
			return nil, err
		}
		deviceID = d
	}

	channel := cfg.Channel
	if channel == nil {
		c, err := transport.Dial(ctx, cfg.ServerURL, wire.Handshake{Token: cfg.Token, DeviceID: deviceID})
		if err != nil {
			return nil, err
		}
		if o.requestTimeout > 0 {
			c.RequestTimeout = o.requestTimeout
		}
		channel = c
	}

	debounce := cfg.PresenceDebounce
	if o.presenceDebounce > 0 {
		debounce = o.presenceDebounce
	}
	if debounce <= 0 {
		debounce = DefaultPresenceDebounce
	}

	clientID := ClientID(cfg.UserID, deviceID)
	hub := acquireHub(clientID, log)
	hubRecv, hubUnsub := hub.Subscribe()

	c := &SyncClient{
		provider:         cfg.Provider,
		channel:          channel,
		hub:              hub,
		hubRecv:          hubRecv,
		hubUnsub:         hubUnsub,
		events:           newBus(),
		log:              log,
		userID:           cfg.UserID,
		deviceID:         deviceID,
		clientID:         clientID,
		presenceDebounce: debounce,
		rooms:            make(map[string]*presence.Store),
		pendingOwn:       make(map[string]json.RawMessage),
		debounceTmr:      make(map[string]*time.Timer),
		docTypes:         make(map[string]string),
	}

	c.store = docstore.New(cfg.Provider, c.onLocalChange, docstore.WithLogger(log))
	c.push = push.NewEngine(cfg.Provider, sendAdapter{channel}, c.hub, push.Callbacks{
		ApplySnapshot:    c.store.ApplySnapshot,
		ApplyServerOps:   c.store.ApplyServerOps,
		OnChange:         c.onRemoteChange,
		OnSyncError:      c.onSyncError,
		OwnPresencePatch: c.ownPresencePatch,
	}, cfg.BreakerCfg, push.WithLogger(log))
	c.push.SetSelfChannel(hubRecv)

	go c.listenBroadcast(hubRecv)

	channel.OnPush(wire.EventDirty, c.handleDirtyPush)
	channel.OnPush(wire.EventPresence, c.handlePresencePush)
	channel.OnConnect(c.rearmPushes)
	channel.OnDisconnect(c.onChannelDisconnect)

	c.log.WithField("clientId", clientID).Info("client: connected")
	c.rearmPushes()
	return c, nil
}

// rearmPushes re-arms a push for every cached doc (spec §4.8: "on
// connect, re-arm pushes for every cached doc"), fired once at startup
// and again after every transport reconnect so ops queued while the
// connection was down actually flush.
func (c *SyncClient) rearmPushes() {
	c.mu.Lock()
	docTypes := make(map[string]string, len(c.docTypes))
	for docID, t := range c.docTypes {
		docTypes[docID] = t
	}
	c.mu.Unlock()

	for docID, docType := range docTypes {
		c.push.Dirty(context.Background(), docID, docType)
	}
	c.events.emit(Event{Kind: EventConnect})
}

// onChannelDisconnect fires when the transport's live connection drops
// out from under an otherwise-still-open SyncClient (spec §4.8);
// distinct from Disconnect, which is the caller-initiated teardown.
func (c *SyncClient) onChannelDisconnect(reason string) {
	c.log.WithField("clientId", c.clientID).WithField("reason", reason).Warn("client: connection lost")
	c.events.emit(Event{Kind: EventDisconnect, Err: fmt.Errorf("client: connection lost: %s", reason)})
}

// sendAdapter narrows transport.RequestChannel to push.Sender.
type sendAdapter struct{ ch transport.RequestChannel }

func (a sendAdapter) Send(ctx context.Context, event string, payload any, out any) (*wire.TypedError, error) {
	return a.ch.Send(ctx, event, payload, out)
}

// Register associates a document type name with its binding, must be
// called before any GetDoc using that type.
func (c *SyncClient) Register(docType string, b docstore.Binding) {
	c.store.Register(docType, b)
}

// On subscribes handler to every event of kind, returning an unsubscribe
// function.
func (c *SyncClient) On(kind EventKind, handler Handler) func() {
	return c.events.On(kind, handler)
}

// GetDoc resolves a document by type/id, minting one (and reporting its
// new id) when docID is empty (spec §4.6's getDoc). The returned release
// must be called exactly once.
func (c *SyncClient) GetDoc(ctx context.Context, docType, docID string, createIfMissing bool) (doc any, resolvedID string, release func(), err error) {
	resolvedID = docID
	if resolvedID == "" {
		if !createIfMissing {
			return nil, "", func() {}, fmt.Errorf("client: GetDoc requires docID or createIfMissing")
		}
		resolvedID = id.NewDocID()
	}

	d, found, rel, err := c.store.GetDoc(ctx, docstore.GetArgs{Type: docType, ID: resolvedID, CreateIfMissing: createIfMissing})
	if err != nil {
		return nil, "", func() {}, err
	}
	if !found {
		return nil, "", func() {}, nil
	}

	c.mu.Lock()
	c.docTypes[resolvedID] = docType
	c.mu.Unlock()

	c.events.emit(Event{Kind: EventDocLoad, DocID: resolvedID})
	return d, resolvedID, func() {
		rel()
		c.events.emit(Event{Kind: EventDocUnload, DocID: resolvedID})
	}, nil
}

// onLocalChange is docstore's ChangeNotifier: every local commit is
// appended to docID's operations log (what push's readPushBatch later
// reads and flushes) and arms a push for the owning docId (spec §4.7's
// "local commit" transition). GetDoc records docId -> docType in
// c.docTypes so this lookup always succeeds for any doc the caller has
// actually resolved.
func (c *SyncClient) onLocalChange(docID string, ops []json.RawMessage) {
	if len(ops) == 0 {
		return
	}
	raw, err := json.Marshal(ops)
	if err == nil {
		_ = c.provider.Transaction(context.Background(), storage.ReadWrite, func(tx storage.Tx) error {
			return tx.SaveOperations(context.Background(), storage.OpBatch{DocID: docID, Operations: raw})
		})
	}

	c.mu.Lock()
	docType := c.docTypeFor(docID)
	c.mu.Unlock()
	c.push.Dirty(context.Background(), docID, docType)
}

func (c *SyncClient) onRemoteChange(docID, origin string) {
	c.events.emit(Event{Kind: EventChange, DocID: docID, Origin: origin})
}

func (c *SyncClient) onSyncError(docID string, typedErr *wire.TypedError) {
	c.events.emit(Event{Kind: EventSync, DocID: docID, SyncErr: typedErr})
}

func (c *SyncClient) docTypeFor(docID string) string {
	t, ok := c.docTypes[docID]
	if !ok {
		return ""
	}
	return t
}

func (c *SyncClient) handleDirtyPush(payload json.RawMessage) {
	var p wire.DirtyPush
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.mu.Lock()
	docType := c.docTypeFor(p.DocID)
	c.mu.Unlock()
	c.push.Dirty(context.Background(), p.DocID, docType)
}

// listenBroadcast applies every message other tabs of this identity
// publish to the shared Hub (spec §4.5): operations updates are applied
// to whichever live cached doc matches, piggybacked presence is merged
// alongside it, and the event bus fires a "remote" change the same as a
// network-sourced consolidation would. Runs until hubUnsub closes recv.
func (c *SyncClient) listenBroadcast(recv <-chan broadcast.Message) {
	for msg := range recv {
		switch msg.Kind {
		case broadcast.KindOperations:
			c.mu.Lock()
			docType := c.docTypeFor(msg.DocID)
			c.mu.Unlock()
			if docType != "" {
				if err := c.store.ApplyServerOps(context.Background(), msg.DocID, docType, msg.Operations); err == nil {
					c.onRemoteChange(msg.DocID, "remote")
				}
			}
			if len(msg.Presence) > 0 {
				c.roomFor(msg.DocID).ApplyPatch(msg.Presence)
				metrics.PresencePatchesTotal.WithLabelValues("client").Inc()
			}
		case broadcast.KindPresence:
			c.roomFor(msg.DocID).ApplyPatch(msg.Presence)
			metrics.PresencePatchesTotal.WithLabelValues("client").Inc()
		}
	}
}

func (c *SyncClient) handlePresencePush(payload json.RawMessage) {
	var p wire.PresencePush
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.roomFor(p.DocID).ApplyPatch(p.Presence)
	metrics.PresencePatchesTotal.WithLabelValues("client").Inc()
}

// Presence returns the merged presence snapshot for docID.
func (c *SyncClient) Presence(docID string) map[string]json.RawMessage {
	return c.roomFor(docID).Snapshot()
}

func (c *SyncClient) roomFor(docID string) *presence.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[docID]
	if !ok {
		r = presence.New(presence.WithLogger(c.log))
		c.rooms[docID] = r
	}
	return r
}

// SetPresence sets this client's own presence value for docID, debounced
// by c.presenceDebounce before it's sent over the wire (spec §4.4: a
// trailing-edge debounce so rapid cursor movement doesn't flood the
// connection). A nil value means "leave".
func (c *SyncClient) SetPresence(docID string, value json.RawMessage) {
	c.mu.Lock()
	c.pendingOwn[docID] = value
	if t, ok := c.debounceTmr[docID]; ok {
		t.Stop()
	}
	c.debounceTmr[docID] = time.AfterFunc(c.presenceDebounce, func() { c.flushPresence(docID) })
	c.mu.Unlock()
}

func (c *SyncClient) flushPresence(docID string) {
	patch, ok := c.ownPresencePatchMap(docID)
	if !ok {
		return
	}
	c.roomFor(docID).ApplyPatch(patch)
	metrics.PresencePatchesTotal.WithLabelValues("client").Inc()
	c.hub.Publish(broadcast.Message{Kind: broadcast.KindPresence, DocID: docID, Presence: patch}, c.hubRecv)

	var out wire.SuccessResponse
	_, _ = c.channel.Send(context.Background(), wire.EventPresence, wire.PresenceRequest{DocID: docID, Presence: patch}, &out)
}

func (c *SyncClient) ownPresencePatchMap(docID string) (wire.PresencePatch, bool) {
	c.mu.Lock()
	v, ok := c.pendingOwn[docID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return wire.PresencePatch{c.clientID: v}, true
}

// ownPresencePatch implements push.Callbacks.OwnPresencePatch: it
// piggybacks whatever the client's current presence value is onto the
// next sync-operations request, in addition to the dedicated debounced
// "presence" send (spec §4.7: sync requests "may also carry this
// client's current presence").
func (c *SyncClient) ownPresencePatch(docID string) (json.RawMessage, bool) {
	patch, ok := c.ownPresencePatchMap(docID)
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// UnsubscribeDoc leaves docID's room server-side and clears local
// presence tracking (spec §6's "unsubscribe-doc").
func (c *SyncClient) UnsubscribeDoc(ctx context.Context, docID string) error {
	var out wire.SuccessResponse
	typedErr, err := c.channel.Send(ctx, wire.EventUnsubscribeDoc, wire.DocIDRequest{DocID: docID}, &out)
	if err != nil {
		return err
	}
	if typedErr != nil {
		return typedErr
	}

	c.mu.Lock()
	delete(c.rooms, docID)
	delete(c.pendingOwn, docID)
	if t, ok := c.debounceTmr[docID]; ok {
		t.Stop()
		delete(c.debounceTmr, docID)
	}
	c.mu.Unlock()
	return nil
}

// Disconnect tears the connection down: every in-flight push settles to
// idle (spec §4.7's "any -> disconnect -> idle"), every cached doc's
// presence is cleared and a leave-patch broadcast to sibling tabs of
// this identity (spec §4.8: "on disconnect, broadcast {own clientId:
// null} for every cached doc"), and the transport closes.
func (c *SyncClient) Disconnect() error {
	c.push.Disconnect()

	c.mu.Lock()
	docIDs := make([]string, 0, len(c.rooms))
	for docID := range c.rooms {
		docIDs = append(docIDs, docID)
	}
	for _, t := range c.debounceTmr {
		t.Stop()
	}
	c.debounceTmr = make(map[string]*time.Timer)
	c.pendingOwn = make(map[string]json.RawMessage)
	c.mu.Unlock()

	leave := wire.PresencePatch{c.clientID: nil}
	for _, docID := range docIDs {
		c.roomFor(docID).ApplyPatch(leave)
		c.hub.Publish(broadcast.Message{Kind: broadcast.KindPresence, DocID: docID, Presence: leave}, c.hubRecv)
	}

	c.hubUnsub()
	releaseHub(c.clientID)

	err := c.channel.Close()
	c.events.emit(Event{Kind: EventDisconnect, Err: err})
	return err
}

// DeleteDoc permanently deletes docID server-side (spec §6's
// "delete-doc"), responding only success/failure per spec — denial
// (e.g. unauthorized) is a false, not an error.
func (c *SyncClient) DeleteDoc(ctx context.Context, docID string) (bool, error) {
	var out wire.SuccessResponse
	typedErr, err := c.channel.Send(ctx, wire.EventDeleteDoc, wire.DocIDRequest{DocID: docID}, &out)
	if err != nil {
		return false, err
	}
	if typedErr != nil {
		return false, typedErr
	}

	if out.Success {
		c.mu.Lock()
		delete(c.rooms, docID)
		delete(c.pendingOwn, docID)
		delete(c.docTypes, docID)
		if t, ok := c.debounceTmr[docID]; ok {
			t.Stop()
			delete(c.debounceTmr, docID)
		}
		c.mu.Unlock()
	}
	return out.Success, nil
}
