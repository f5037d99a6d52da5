package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Polqt/docsync/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Accepting all origins mirrors the teacher's handler, which performed
	// no origin check either; a deployment fronting this with a browser
	// client should tighten this.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerConn is one accepted, upgraded connection on the server side: the
// per-socket object SyncServer reads requests from and pushes frames to
// (spec §4.9). It replaces the teacher's WSConn+wsSender pair.
type ServerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
}

// Upgrade performs the HTTP->WebSocket upgrade via gorilla/websocket.
func Upgrade(w http.ResponseWriter, r *http.Request) (*ServerConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return &ServerConn{conn: conn}, nil
}

// ReadEnvelope blocks for the next inbound frame.
func (c *ServerConn) ReadEnvelope() (wire.Envelope, error) {
	var env wire.Envelope
	err := c.conn.ReadJSON(&env)
	return env, err
}

// Respond answers a request envelope by ReqID with either data or a
// typed error (exactly one should be non-nil).
func (c *ServerConn) Respond(reqID uint64, data any, typedErr *wire.TypedError) error {
	env := wire.Envelope{ReqID: reqID, Error: typedErr}
	if typedErr == nil && data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("transport: marshal response: %w", err)
		}
		env.Data = raw
	}
	return c.writeEnvelope(env)
}

// Push sends an unsolicited server->client frame (spec §6: "dirty",
// "presence" pushes carry no reqId and expect no response).
func (c *ServerConn) Push(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal push: %w", err)
	}
	return c.writeEnvelope(wire.Envelope{Event: event, Payload: raw})
}

func (c *ServerConn) writeEnvelope(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote address string, used for session ids
// and logging (teacher's Session.ID used the same shape).
func (c *ServerConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
