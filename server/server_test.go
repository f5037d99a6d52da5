package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/docsync/storage/memory"
	"github.com/Polqt/docsync/wire"
)

// fakeConn is an in-process stand-in for transport.ServerConn, letting
// dispatch logic be exercised without a real websocket.
type fakeConn struct {
	mu       sync.Mutex
	data     any
	typedErr *wire.TypedError
	pushed   []wire.Envelope
}

func (c *fakeConn) Respond(reqID uint64, data any, typedErr *wire.TypedError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.typedErr = typedErr
	return nil
}

func (c *fakeConn) Push(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, wire.Envelope{Event: event, Payload: raw})
	return nil
}

func (c *fakeConn) lastPush() (wire.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pushed) == 0 {
		return wire.Envelope{}, false
	}
	return c.pushed[len(c.pushed)-1], true
}

func newTestServer() *Server {
	return New(NewProvider(memory.New()), func(ctx context.Context, token string) (AuthResult, error) {
		return AuthResult{UserID: "user-" + token}, nil
	})
}

func connectSocket(s *Server, id, token, deviceID string) (*socket, *fakeConn) {
	c := &fakeConn{}
	result, _ := s.authenticate(context.Background(), token)
	sock := newSocket(id, c, result.UserID, deviceID, result.Context)
	return sock, c
}

func TestSyncOperationsAssignsClockAndRespondsSuccess(t *testing.T) {
	s := newTestServer()
	sock, c := connectSocket(s, "sock-1", "tok", "device-A")

	payload, _ := json.Marshal(wire.SyncRequest{DocID: "doc1", Clock: 0, Operations: opArray(`{"x":1}`)})
	s.dispatch(context.Background(), sock, wire.Envelope{ReqID: 1, Event: wire.EventSyncOperations, Payload: payload})

	require.Nil(t, c.typedErr)
	resp, ok := c.data.(wire.SyncResponseData)
	require.True(t, ok)
	assert.Equal(t, uint64(1), resp.Clock)
}

func TestSyncOperationsNotifiesOtherSocketsExceptSameDevice(t *testing.T) {
	s := newTestServer()

	sender, senderConn := connectSocket(s, "sock-sender", "tok", "device-A")
	sameDeviceOtherTab, sameDeviceConn := connectSocket(s, "sock-same-device", "tok", "device-A")
	otherDevice, otherDeviceConn := connectSocket(s, "sock-other-device", "tok", "device-B")

	// Join all three sockets to the room first via a no-op sync.
	for _, sock := range []*socket{sender, sameDeviceOtherTab, otherDevice} {
		payload, _ := json.Marshal(wire.SyncRequest{DocID: "doc1", Clock: 0})
		s.dispatch(context.Background(), sock, wire.Envelope{ReqID: 1, Event: wire.EventSyncOperations, Payload: payload})
	}

	payload, _ := json.Marshal(wire.SyncRequest{DocID: "doc1", Clock: 1, Operations: opArray(`{"x":1}`)})
	s.dispatch(context.Background(), sender, wire.Envelope{ReqID: 2, Event: wire.EventSyncOperations, Payload: payload})

	_, senderPushed := senderConn.lastPush()
	assert.False(t, senderPushed, "sender should not receive its own dirty push")

	_, sameDevicePushed := sameDeviceConn.lastPush()
	assert.False(t, sameDevicePushed, "same-device tab should not receive a second network push")

	otherPush, otherPushed := otherDeviceConn.lastPush()
	require.True(t, otherPushed, "a different device in the room should be notified")
	assert.Equal(t, wire.EventDirty, otherPush.Event)
}

func TestPresenceAppliesAndBroadcastsPatch(t *testing.T) {
	s := newTestServer()
	a, _ := connectSocket(s, "sock-a", "tok", "device-A")
	b, bConn := connectSocket(s, "sock-b", "tok2", "device-B")

	for _, sock := range []*socket{a, b} {
		payload, _ := json.Marshal(wire.SyncRequest{DocID: "doc1", Clock: 0})
		s.dispatch(context.Background(), sock, wire.Envelope{ReqID: 1, Event: wire.EventSyncOperations, Payload: payload})
	}

	patch := wire.PresencePatch{a.clientID: json.RawMessage(`{"cursor":5}`)}
	payload, _ := json.Marshal(wire.PresenceRequest{DocID: "doc1", Presence: patch})
	s.dispatch(context.Background(), a, wire.Envelope{ReqID: 2, Event: wire.EventPresence, Payload: payload})

	push, ok := bConn.lastPush()
	require.True(t, ok)
	assert.Equal(t, wire.EventPresence, push.Event)

	r := s.hub.getOrCreate("doc1")
	v, ok := r.presence.Get(a.clientID)
	require.True(t, ok)
	assert.JSONEq(t, `{"cursor":5}`, string(v))
}

func TestDisconnectEmitsNullPresencePatchForEveryJoinedDoc(t *testing.T) {
	s := newTestServer()
	leaver, _ := connectSocket(s, "sock-leaver", "tok", "device-A")
	observer, observerConn := connectSocket(s, "sock-observer", "tok2", "device-B")

	for _, sock := range []*socket{leaver, observer} {
		payload, _ := json.Marshal(wire.SyncRequest{DocID: "doc1", Clock: 0})
		s.dispatch(context.Background(), sock, wire.Envelope{ReqID: 1, Event: wire.EventSyncOperations, Payload: payload})
	}

	s.onDisconnect(leaver)

	push, ok := observerConn.lastPush()
	require.True(t, ok)
	assert.Equal(t, wire.EventPresence, push.Event)
	var p wire.PresencePush
	require.NoError(t, json.Unmarshal(push.Payload, &p))
	raw, present := p.Presence[leaver.clientID]
	require.True(t, present)
	assert.True(t, raw == nil || string(raw) == "null")
}

func TestDeleteDocRespondsSuccessTrueWhenAuthorized(t *testing.T) {
	s := newTestServer()
	sock, c := connectSocket(s, "sock-1", "tok", "device-A")

	payload, _ := json.Marshal(wire.DocIDRequest{DocID: "doc1"})
	s.dispatch(context.Background(), sock, wire.Envelope{ReqID: 1, Event: wire.EventDeleteDoc, Payload: payload})

	require.Nil(t, c.typedErr)
	resp, ok := c.data.(wire.SuccessResponse)
	require.True(t, ok)
	assert.True(t, resp.Success)
}

func TestDeleteDocRespondsSuccessFalseOnAuthorizationDenial(t *testing.T) {
	s := New(NewProvider(memory.New()), func(ctx context.Context, token string) (AuthResult, error) {
		return AuthResult{UserID: "user-" + token}, nil
	}, WithAuthorizer(func(AuthzRequest) bool { return false }))
	sock, c := connectSocket(s, "sock-1", "tok", "device-A")

	payload, _ := json.Marshal(wire.DocIDRequest{DocID: "doc1"})
	s.dispatch(context.Background(), sock, wire.Envelope{ReqID: 1, Event: wire.EventDeleteDoc, Payload: payload})

	require.Nil(t, c.typedErr, "delete-doc denial must use the success:false shape, not a TypedError")
	resp, ok := c.data.(wire.SuccessResponse)
	require.True(t, ok)
	assert.False(t, resp.Success)
}

func TestUnauthorizedEventIsRejected(t *testing.T) {
	s := New(NewProvider(memory.New()), func(ctx context.Context, token string) (AuthResult, error) {
		return AuthResult{UserID: "user-" + token}, nil
	}, WithAuthorizer(func(AuthzRequest) bool { return false }))

	sock, c := connectSocket(s, "sock-1", "tok", "device-A")
	payload, _ := json.Marshal(wire.SyncRequest{DocID: "doc1"})
	s.dispatch(context.Background(), sock, wire.Envelope{ReqID: 1, Event: wire.EventSyncOperations, Payload: payload})

	require.NotNil(t, c.typedErr)
	assert.Equal(t, wire.ErrTypeAuthorization, c.typedErr.Type)
}
