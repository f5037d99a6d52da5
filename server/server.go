package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Polqt/docsync/metrics"
	"github.com/Polqt/docsync/transport"
	"github.com/Polqt/docsync/wire"
)

func unmarshalPayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Exact connection-rejection strings (spec §4.9.1); integration tests
// match on these verbatim, so changing the wording here is a breaking
// change.
const (
	errNoToken       = "Authentication required: no token provided"
	errNoDeviceID    = "Device ID required"
	errInvalidToken  = "Authentication failed: invalid token"
	authErrorPrefix  = "Authentication error: "
	authErrorPushEvt = "auth-error"
)

// Server is SyncServer (spec §4.9): it upgrades HTTP connections,
// authenticates the handshake, and dispatches every subsequent event to
// the right room. Grounded on the teacher's Hub.Dispatch switch, with
// the authenticate/authorize hooks and device-exclusion rule from
// §4.9.1-3 layered on top.
type Server struct {
	hub          *Hub
	provider     *Provider
	authenticate Authenticator
	authorize    Authorizer
	log          *logrus.Logger
}

type Option func(*Server)

func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.authorize = a }
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) { s.log = l }
}

func New(provider *Provider, authenticate Authenticator, opts ...Option) *Server {
	s := &Server{
		hub:          NewHub(),
		provider:     provider,
		authenticate: authenticate,
		authorize:    AllowAll,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP makes Server usable directly as an http.Handler, matching
// the teacher's net/http wiring in cmd/server/main.go.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.log.WithError(err).Warn("server: upgrade failed")
		return
	}
	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, c *transport.ServerConn) {
	defer c.Close()

	env, err := c.ReadEnvelope()
	if err != nil {
		return
	}

	var hs wire.Handshake
	if len(env.Payload) > 0 {
		_ = unmarshalPayload(env.Payload, &hs)
	}

	if hs.Token == "" {
		s.reject(c, errNoToken)
		return
	}
	if hs.DeviceID == "" {
		s.reject(c, errNoDeviceID)
		return
	}

	result, err := s.authenticate(ctx, hs.Token)
	if err != nil {
		s.reject(c, fmt.Sprintf("%s%s", authErrorPrefix, err.Error()))
		return
	}
	if result.UserID == "" {
		s.reject(c, errInvalidToken)
		return
	}

	sock := newSocket(c.RemoteAddr(), c, result.UserID, hs.DeviceID, result.Context)
	s.log.WithFields(logrus.Fields{"userId": result.UserID, "deviceId": hs.DeviceID}).Debug("server: connection authenticated")

	metrics.ConnectedSocketsGauge.Inc()
	defer metrics.ConnectedSocketsGauge.Dec()
	defer s.onDisconnect(sock)

	for {
		env, err := c.ReadEnvelope()
		if err != nil {
			return
		}
		s.dispatch(ctx, sock, env)
	}
}

func (s *Server) reject(c *transport.ServerConn, message string) {
	_ = c.Push(authErrorPushEvt, map[string]string{"message": message})
}

// RunIdleEviction starts the hub's periodic idle-room sweep (SPEC_FULL.md
// §C.5) and blocks until ctx is cancelled; callers run it in its own
// goroutine alongside ServeHTTP.
func (s *Server) RunIdleEviction(ctx context.Context, interval, idleTimeout time.Duration) {
	s.hub.Run(ctx, interval, idleTimeout)
}

func (s *Server) dispatch(ctx context.Context, sock *socket, env wire.Envelope) {
	switch env.Event {
	case wire.EventSyncOperations:
		s.handleSync(ctx, sock, env)
	case wire.EventPresence:
		s.handlePresence(sock, env)
	case wire.EventDeleteDoc:
		s.handleDeleteDoc(sock, env)
	case wire.EventUnsubscribeDoc:
		s.handleUnsubscribeDoc(sock, env)
	default:
		_ = sock.conn.Respond(env.ReqID, nil, wire.NewTypedError(wire.ErrTypeValidation, "unknown event "+env.Event))
	}
}

func (s *Server) authz(sock *socket, eventType string, payload any) bool {
	return s.authorize(AuthzRequest{Type: eventType, Payload: payload, UserID: sock.userID, Context: sock.authCtx})
}

func (s *Server) handleSync(ctx context.Context, sock *socket, env wire.Envelope) {
	var req wire.SyncRequest
	if err := unmarshalPayload(env.Payload, &req); err != nil {
		_ = sock.conn.Respond(env.ReqID, nil, wire.NewTypedError(wire.ErrTypeValidation, "malformed sync-operations payload"))
		return
	}

	if !s.authz(sock, wire.EventSyncOperations, req) {
		_ = sock.conn.Respond(env.ReqID, nil, wire.NewTypedError(wire.ErrTypeAuthorization, "not authorized for sync-operations"))
		return
	}

	r := s.hub.getOrCreate(req.DocID)
	sock.mu.Lock()
	alreadyJoined := sock.docs[req.DocID]
	sock.docs[req.DocID] = true
	sock.mu.Unlock()
	if !alreadyJoined {
		r.join(sock)
	}

	result, err := s.provider.Sync(ctx, req.DocID, req.Clock, req.Operations)
	if err != nil {
		_ = sock.conn.Respond(env.ReqID, nil, wire.WrapTypedError(wire.ErrTypeDatabase, "sync failed", err))
		return
	}

	resp := wire.SyncResponseData{
		DocID:         req.DocID,
		Operations:    result.Operations,
		SerializedDoc: result.SerializedDoc,
		Clock:         result.Clock,
	}
	if err := sock.conn.Respond(env.ReqID, resp, nil); err != nil {
		s.log.WithError(err).Warn("server: failed to answer sync-operations")
		return
	}

	// When the sender supplied operations, notify every other socket in
	// the room that newer state is available, except the sender's own
	// device (its other tabs learn of the change over the intra-device
	// broadcast channel instead of a second network round trip — spec
	// §4.9.3).
	if hasOps(req.Operations) {
		r.broadcast(sock.id, sock.deviceID, func(other *socket) {
			_ = other.conn.Push(wire.EventDirty, wire.DirtyPush{DocID: req.DocID})
		})
	}
}

func (s *Server) handlePresence(sock *socket, env wire.Envelope) {
	var req wire.PresenceRequest
	if err := unmarshalPayload(env.Payload, &req); err != nil {
		_ = sock.conn.Respond(env.ReqID, nil, wire.NewTypedError(wire.ErrTypeValidation, "malformed presence payload"))
		return
	}

	if !s.authz(sock, wire.EventPresence, req) {
		_ = sock.conn.Respond(env.ReqID, nil, wire.NewTypedError(wire.ErrTypeAuthorization, "not authorized for presence"))
		return
	}

	r := s.hub.getOrCreate(req.DocID)
	r.presence.ApplyPatch(req.Presence)
	metrics.PresencePatchesTotal.WithLabelValues("server").Inc()

	_ = sock.conn.Respond(env.ReqID, wire.SuccessResponse{Success: true}, nil)

	r.broadcast(sock.id, sock.deviceID, func(other *socket) {
		_ = other.conn.Push(wire.EventPresence, wire.PresencePush{DocID: req.DocID, Presence: req.Presence})
	})
}

func (s *Server) handleDeleteDoc(sock *socket, env wire.Envelope) {
	var req wire.DocIDRequest
	if err := unmarshalPayload(env.Payload, &req); err != nil {
		_ = sock.conn.Respond(env.ReqID, nil, wire.NewTypedError(wire.ErrTypeValidation, "malformed delete-doc payload"))
		return
	}
	if !s.authz(sock, wire.EventDeleteDoc, req) {
		// spec §6: delete-doc responds only {success: boolean}, never a
		// TypedError, unlike sync-operations/presence's denial shape.
		_ = sock.conn.Respond(env.ReqID, wire.SuccessResponse{Success: false}, nil)
		return
	}
	// Authorize-and-acknowledge only (spec §4.9.4): deletion of the
	// underlying document store is out of scope for the wire protocol.
	_ = sock.conn.Respond(env.ReqID, wire.SuccessResponse{Success: true}, nil)
}

func (s *Server) handleUnsubscribeDoc(sock *socket, env wire.Envelope) {
	var req wire.DocIDRequest
	if err := unmarshalPayload(env.Payload, &req); err != nil {
		_ = sock.conn.Respond(env.ReqID, nil, wire.NewTypedError(wire.ErrTypeValidation, "malformed unsubscribe-doc payload"))
		return
	}

	s.leaveDoc(sock, req.DocID)
	_ = sock.conn.Respond(env.ReqID, wire.SuccessResponse{Success: true}, nil)
}

func (s *Server) leaveDoc(sock *socket, docID string) {
	sock.mu.Lock()
	_, joined := sock.docs[docID]
	delete(sock.docs, docID)
	sock.mu.Unlock()
	if !joined {
		return
	}

	r := s.hub.getOrCreate(docID)
	r.leave(sock.id)

	patch := wire.PresencePatch{sock.clientID: nil}
	r.presence.ApplyPatch(patch)
	metrics.PresencePatchesTotal.WithLabelValues("server").Inc()
	r.broadcast(sock.id, "", func(other *socket) {
		_ = other.conn.Push(wire.EventPresence, wire.PresencePush{DocID: docID, Presence: patch})
	})

	s.hub.drop(docID)
}

// onDisconnect implements spec §4.9.5: emit a {clientId: null} presence
// patch for every doc the socket was still subscribed to and untrack it.
func (s *Server) onDisconnect(sock *socket) {
	for _, docID := range sock.joinedDocs() {
		s.leaveDoc(sock, docID)
	}
}
