// Package transport implements RequestChannel (spec §4.3) over
// gorilla/websocket, replacing the teacher's hand-rolled, never-finished
// RFC 6455 framing (transport/ws.go's WSConn.ReadMessage/WriteMessage)
// with the corpus-wide idiomatic choice for Go WebSocket transport.
package transport

import (
	"context"
	"encoding/json"

	"github.com/Polqt/docsync/wire"
)

// RequestChannel is the duplex abstraction both SyncClient and the
// server's per-connection handler talk through (spec §4.3): correlated
// request/response pairs plus unsolicited server->client pushes.
type RequestChannel interface {
	// Send issues a correlated request and blocks for its response. A
	// non-nil typedErr means the peer answered with a typed failure; a
	// non-nil err means the channel itself failed (timeout, disconnect).
	Send(ctx context.Context, event string, payload any, out any) (typedErr *wire.TypedError, err error)

	// OnPush registers handler for an unsolicited event frame (spec §6:
	// "dirty", "presence" pushed from server to client).
	OnPush(event string, handler func(payload json.RawMessage))

	// OnConnect registers handler to run after every successful reconnect
	// (spec §4.8's "on connect, re-arm pushes for every cached doc"). It
	// is not called for a connection that is already live when the
	// handler is registered, such as the one Dial established.
	OnConnect(handler func())

	// OnDisconnect registers handler to run when the live connection
	// drops, carrying a human-readable reason (spec §4.8's connection
	// lifecycle).
	OnDisconnect(handler func(reason string))

	// OnConnectError registers handler to run when a reconnect attempt
	// itself fails; the channel keeps retrying with backoff regardless.
	OnConnectError(handler func(message string))

	Close() error
}
