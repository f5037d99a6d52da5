package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Polqt/docsync/wire"
)

// DefaultRequestTimeout bounds a Client.Send call when the caller's ctx
// carries no deadline of its own.
const DefaultRequestTimeout = 5 * time.Second

// initialReconnectBackoff and maxReconnectBackoff bound the doubling
// delay between redial attempts, the same shape as the teacher's
// backoffDuration helper (500ms, 1s, 2s... capped at 30s).
const (
	initialReconnectBackoff = 500 * time.Millisecond
	maxReconnectBackoff     = 30 * time.Second
)

// Client is the client-side RequestChannel (spec §4.3), built on
// gorilla/websocket. It redials with exponential backoff whenever the
// live connection drops, so a SyncClient's OnConnect/OnDisconnect
// handlers see every reconnect. OnConnect handlers are not called for
// the connection the initial Dial established.
type Client struct {
	url       string
	handshake wire.Handshake

	// RequestTimeout bounds Send when the caller's ctx carries no
	// deadline of its own. Zero means DefaultRequestTimeout; set by
	// client.WithRequestTimeout.
	RequestTimeout time.Duration

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextReqID uint64

	mu           sync.Mutex
	pending      map[uint64]chan wire.Envelope
	pushHandlers map[string]func(json.RawMessage)

	handlersMu         sync.Mutex
	connectHandlers    []func()
	disconnectHandlers []func(reason string)
	connectErrHandlers []func(message string)

	closeOnce sync.Once
	closed    chan struct{}
}

var _ RequestChannel = (*Client)(nil)

// Dial opens a websocket connection to url and sends the initial
// handshake frame (spec §6).
func Dial(ctx context.Context, url string, handshake wire.Handshake) (*Client, error) {
	conn, err := dialAndHandshake(ctx, url, handshake)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:          url,
		handshake:    handshake,
		conn:         conn,
		pending:      make(map[uint64]chan wire.Envelope),
		pushHandlers: make(map[string]func(json.RawMessage)),
		closed:       make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

func dialAndHandshake(ctx context.Context, url string, handshake wire.Handshake) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	payload, err := json.Marshal(handshake)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: marshal handshake: %w", err)
	}
	if err := conn.WriteJSON(wire.Envelope{Event: "handshake", Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: send handshake: %w", err)
	}
	return conn, nil
}

func (c *Client) writeEnvelope(env wire.Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
				c.failAllPending(err)
				return
			default:
			}

			c.failAllPending(err)
			c.fireDisconnect(err.Error())

			if !c.reconnect() {
				return
			}
			continue
		}

		if env.ReqID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[env.ReqID]
			if ok {
				delete(c.pending, env.ReqID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		c.mu.Lock()
		handler, ok := c.pushHandlers[env.Event]
		c.mu.Unlock()
		if ok {
			handler(env.Payload)
		}
	}
}

// reconnect redials with doubling backoff until it succeeds or Close is
// called, returning false only in the latter case (readLoop should stop).
func (c *Client) reconnect() bool {
	backoff := initialReconnectBackoff
	for {
		select {
		case <-c.closed:
			return false
		default:
		}

		conn, err := dialAndHandshake(context.Background(), c.url, c.handshake)
		if err != nil {
			c.fireConnectError(err.Error())
			select {
			case <-c.closed:
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.fireConnect()
		return true
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- wire.Envelope{ReqID: id, Error: wire.WrapTypedError(wire.ErrTypeNetwork, "connection closed", err)}
		delete(c.pending, id)
	}
}

// Send implements RequestChannel.
func (c *Client) Send(ctx context.Context, event string, payload any, out any) (*wire.TypedError, error) {
	reqID := atomic.AddUint64(&c.nextReqID, 1)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}

	ch := make(chan wire.Envelope, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()

	if err := c.writeEnvelope(wire.Envelope{ReqID: reqID, Event: event, Payload: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: write request: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := c.RequestTimeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return env.Error, nil
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return nil, fmt.Errorf("transport: decode response: %w", err)
			}
		}
		return nil, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: request timed out: %w", ctx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("transport: connection closed")
	}
}

// OnPush implements RequestChannel.
func (c *Client) OnPush(event string, handler func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushHandlers[event] = handler
}

// OnConnect implements RequestChannel.
func (c *Client) OnConnect(handler func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.connectHandlers = append(c.connectHandlers, handler)
}

// OnDisconnect implements RequestChannel.
func (c *Client) OnDisconnect(handler func(reason string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.disconnectHandlers = append(c.disconnectHandlers, handler)
}

// OnConnectError implements RequestChannel.
func (c *Client) OnConnectError(handler func(message string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.connectErrHandlers = append(c.connectErrHandlers, handler)
}

func (c *Client) fireConnect() {
	c.handlersMu.Lock()
	handlers := append([]func(){}, c.connectHandlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (c *Client) fireDisconnect(reason string) {
	c.handlersMu.Lock()
	handlers := append([]func(string){}, c.disconnectHandlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (c *Client) fireConnectError(message string) {
	c.handlersMu.Lock()
	handlers := append([]func(string){}, c.connectErrHandlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(message)
	}
}

// Close implements RequestChannel.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		err = conn.Close()
	})
	return err
}
