// Package ws implements spec.md §4.2: a single-URL WebSocket transport with
// a DISCONNECTED→CONNECTING→CONNECTED→RECONNECTING→CLOSED state machine,
// exponential backoff with jitter, and JSON-framed message delivery with a
// raw-bytes fallback. Grounded on the teacher's
// internal/providers/kraken/websocket.go (WebSocketClient, Subscription,
// messageLoop, pingLoop, triggerReconnect), reimplemented against the real
// github.com/gorilla/websocket the teacher's go.mod declares.
package ws

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketdata/internal/xerrors"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message carries one inbound frame. Raw always holds the wire bytes;
// Decoded holds a parsed JSON value when the frame is valid JSON, nil
// otherwise (the raw-message fallback from spec.md §4.2).
type Message struct {
	Raw     []byte
	Decoded any
}

// Config tunes a Client's reconnect behavior.
type Config struct {
	Venue            string
	URL              string
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	OnOpen           func(conn *websocket.Conn) error // subscription replay after (re)connect
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Client is a single venue/stream-group WebSocket connection with automatic
// reconnect. Messages and reconnect notifications are delivered on
// channels; Run blocks until ctx is cancelled. Client has no Close method:
// cancelling ctx is the only way to stop it.
type Client struct {
	cfg Config

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State

	messages  chan Message
	reconnect chan struct{}

	reconnectAttempts int
}

// New constructs a Client. Call Run to start the connection loop.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		state:     Disconnected,
		messages:  make(chan Message, 256),
		reconnect: make(chan struct{}, 1),
	}
}

// Messages returns the channel of inbound frames.
func (c *Client) Messages() <-chan Message { return c.messages }

// Reconnects returns a channel signalled once per completed reconnect.
func (c *Client) Reconnects() <-chan struct{} { return c.reconnect }

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connect/read/reconnect loop until ctx is cancelled, then
// returns ctx's error; it never returns nil.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.setState(Closed)
		close(c.messages)
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setState(Connecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.reconnectAttempts++
			if !c.wait(ctx, c.backoff()) {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(Connected)

		if c.cfg.OnOpen != nil {
			if err := c.cfg.OnOpen(conn); err != nil {
				log.Warn().Err(err).Str("venue", c.cfg.Venue).Msg("subscription replay failed")
			}
		}

		if c.reconnectAttempts > 0 {
			select {
			case c.reconnect <- struct{}{}:
			default:
			}
		}
		c.reconnectAttempts = 0

		runErr := c.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Err(runErr).Str("venue", c.cfg.Venue).Msg("websocket disconnected, reconnecting")
		c.setState(Reconnecting)
		c.reconnectAttempts++
		if !c.wait(ctx, c.backoff()) {
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			msg := Message{Raw: raw}
			var decoded any
			if json.Unmarshal(raw, &decoded) == nil {
				msg.Decoded = decoded
			}
			select {
			case c.messages <- msg:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes a JSON-encoded payload on the active connection. Returns a
// NetworkError if no connection is currently open.
func (c *Client) Send(payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return xerrors.Network(c.cfg.Venue, websocket.ErrCloseSent)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Validation("marshal ws payload: %v", err)
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) backoff() time.Duration {
	base := c.cfg.MinBackoff * time.Duration(1<<uint(min(c.reconnectAttempts, 10)))
	if base > c.cfg.MaxBackoff {
		base = c.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2 + 1))
	return base/2 + jitter
}

func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RequestHeader builds the handshake header this venue needs (most venues
// need none; kept for connectors that require auth headers on upgrade).
func RequestHeader(extra map[string]string) http.Header {
	h := http.Header{}
	for k, v := range extra {
		h.Set(k, v)
	}
	return h
}
