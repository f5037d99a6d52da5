// Package integration drives real transport.Client connections against a
// real server.Server over an actual websocket (httptest.Server + gorilla
// transport), exercising spec §8's end-to-end scenarios that no single
// package's unit tests can cover alone.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/docsync/server"
	"github.com/Polqt/docsync/storage/memory"
	"github.com/Polqt/docsync/transport"
	"github.com/Polqt/docsync/wire"
)

// validPrefixAuth accepts tokens that start with "valid-", deriving the
// userId from whatever follows the prefix (spec §8 scenario 1).
func validPrefixAuth(_ context.Context, token string) (server.AuthResult, error) {
	const prefix = "valid-"
	if !strings.HasPrefix(token, prefix) {
		return server.AuthResult{}, nil
	}
	return server.AuthResult{UserID: strings.TrimPrefix(token, prefix)}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := server.New(server.NewProvider(memory.New()), validPrefixAuth)
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return hs, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func TestAuthAcceptanceRejectsBadAndAnonymousTokens(t *testing.T) {
	_, url := newTestServer(t)

	t.Run("valid token connects", func(t *testing.T) {
		ch, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "valid-user1", DeviceID: "d1"})
		require.NoError(t, err)
		defer ch.Close()

		var out wire.SuccessResponse
		typedErr, err := ch.Send(context.Background(), wire.EventPresence, wire.PresenceRequest{DocID: "doc1", Presence: wire.PresencePatch{"user1/d1": json.RawMessage(`"here"`)}}, &out)
		require.NoError(t, err)
		require.Nil(t, typedErr)
		assert.True(t, out.Success)
	})

	t.Run("bad token is rejected with the exact spec message", func(t *testing.T) {
		ch, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "bad", DeviceID: "d1"})
		require.NoError(t, err)
		defer ch.Close()

		rejected := make(chan string, 1)
		ch.OnPush("auth-error", func(payload json.RawMessage) {
			var m map[string]string
			_ = json.Unmarshal(payload, &m)
			rejected <- m["message"]
		})

		require.Eventually(t, func() bool { return len(rejected) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "Authentication failed: invalid token", <-rejected)
	})

	t.Run("anonymous connection is rejected", func(t *testing.T) {
		ch, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "", DeviceID: "d1"})
		require.NoError(t, err)
		defer ch.Close()

		rejected := make(chan string, 1)
		ch.OnPush("auth-error", func(payload json.RawMessage) {
			var m map[string]string
			_ = json.Unmarshal(payload, &m)
			rejected <- m["message"]
		})

		require.Eventually(t, func() bool { return len(rejected) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "Authentication required: no token provided", <-rejected)
	})
}

func TestClockIncrementsOnFirstSync(t *testing.T) {
	_, url := newTestServer(t)
	ch, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "valid-user1", DeviceID: "d1"})
	require.NoError(t, err)
	defer ch.Close()

	var resp wire.SyncResponseData
	typedErr, err := ch.Send(context.Background(), wire.EventSyncOperations, wire.SyncRequest{
		DocID:      "doc-1",
		Clock:      0,
		Operations: json.RawMessage(`[{"type":"insert"}]`),
	}, &resp)
	require.NoError(t, err)
	require.Nil(t, typedErr)

	assert.Equal(t, "doc-1", resp.DocID)
	assert.EqualValues(t, 1, resp.Clock)
	assert.Nil(t, resp.Operations)
	assert.Nil(t, resp.SerializedDoc)
}

func TestSenderDeviceExclusionAndOtherDeviceDirty(t *testing.T) {
	_, url := newTestServer(t)

	deviceXCh, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "valid-user1", DeviceID: "device-x"})
	require.NoError(t, err)
	defer deviceXCh.Close()
	deviceXDirty := make(chan struct{}, 8)
	deviceXCh.OnPush(wire.EventDirty, func(json.RawMessage) { deviceXDirty <- struct{}{} })

	deviceYCh, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "valid-user1", DeviceID: "device-y"})
	require.NoError(t, err)
	defer deviceYCh.Close()
	deviceYDirty := make(chan struct{}, 8)
	deviceYCh.OnPush(wire.EventDirty, func(json.RawMessage) { deviceYDirty <- struct{}{} })

	// both join the room first
	var out wire.SyncResponseData
	_, err = deviceXCh.Send(context.Background(), wire.EventSyncOperations, wire.SyncRequest{DocID: "doc-1", Clock: 0}, &out)
	require.NoError(t, err)
	_, err = deviceYCh.Send(context.Background(), wire.EventSyncOperations, wire.SyncRequest{DocID: "doc-1", Clock: 0}, &out)
	require.NoError(t, err)

	// a second tab on device-x syncs ops; device-x's own other sockets must
	// not get a dirty push, device-y must.
	deviceX2Ch, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "valid-user1", DeviceID: "device-x"})
	require.NoError(t, err)
	defer deviceX2Ch.Close()
	_, err = deviceX2Ch.Send(context.Background(), wire.EventSyncOperations, wire.SyncRequest{
		DocID:      "doc-1",
		Clock:      out.Clock,
		Operations: json.RawMessage(`[{"type":"insert"}]`),
	}, &out)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(deviceYDirty) > 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, deviceXDirty, "device-x's own sockets must not receive a dirty push for their own device's sync")
}

func TestPresenceLeaveOnDisconnectNotifiesRoom(t *testing.T) {
	_, url := newTestServer(t)

	chA, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "valid-user1", DeviceID: "device-a"})
	require.NoError(t, err)

	chB, err := transport.Dial(context.Background(), url, wire.Handshake{Token: "valid-user2", DeviceID: "device-b"})
	require.NoError(t, err)
	defer chB.Close()

	leaves := make(chan wire.PresencePush, 1)
	chB.OnPush(wire.EventPresence, func(payload json.RawMessage) {
		var p wire.PresencePush
		if err := json.Unmarshal(payload, &p); err == nil {
			leaves <- p
		}
	})

	// sockets join a doc's room on their first sync-operations
	var syncOut wire.SyncResponseData
	_, err = chA.Send(context.Background(), wire.EventSyncOperations, wire.SyncRequest{DocID: "doc-1", Clock: 0}, &syncOut)
	require.NoError(t, err)

	var out wire.SuccessResponse
	_, err = chA.Send(context.Background(), wire.EventPresence, wire.PresenceRequest{
		DocID:    "doc-1",
		Presence: wire.PresencePatch{"user1/device-a": json.RawMessage(`"here"`)},
	}, &out)
	require.NoError(t, err)

	_, err = chB.Send(context.Background(), wire.EventSyncOperations, wire.SyncRequest{DocID: "doc-1", Clock: 0}, &syncOut)
	require.NoError(t, err)

	_, err = chB.Send(context.Background(), wire.EventPresence, wire.PresenceRequest{
		DocID:    "doc-1",
		Presence: wire.PresencePatch{"user2/device-b": json.RawMessage(`"here"`)},
	}, &out)
	require.NoError(t, err)

	require.NoError(t, chA.Close())

	require.Eventually(t, func() bool { return len(leaves) == 1 }, time.Second, 5*time.Millisecond)
	p := <-leaves
	assert.Equal(t, "doc-1", p.DocID)
	raw, ok := p.Presence["user1/device-a"]
	require.True(t, ok)
	assert.True(t, raw == nil || string(raw) == "null")
}
