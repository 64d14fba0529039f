// Package ws implements [upstream.Channel] over a websocket connection to the
// backend conversation service.
//
// Compressed microphone frames are written as binary messages. Binary
// messages from the backend are speaker frames and are handed to the
// [upstream.Channel.OnAudio] callback; text messages go to the optional
// [Client.OnText] callback. Any read or write error marks the channel closed;
// the next [Client.EnsureOpen] dials again.
//
// Example:
//
//	c := ws.New("wss://backend.example/v1/",
//	    ws.WithBearerToken(token),
//	    ws.WithDeviceID("aa:bb:cc:dd:ee:ff"),
//	)
//	c.OnAudio(distributor.HandleFrame)
//	if err := c.EnsureOpen(ctx); err != nil { ... }
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebridge/pkg/upstream"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 1 << 20
)

// ErrClosed is returned by [Client.EnsureOpen] after [Client.Close].
var ErrClosed = errors.New("ws upstream: client closed")

var errNoEndpoint = errors.New("no endpoint available")

// Dial statuses reported to the hook installed with [WithDialHook].
const (
	DialOK       = "ok"
	DialError    = "error"
	DialRejected = "rejected"
)

// Gate decides whether a dial attempt may run. A circuit breaker satisfies
// it; when Execute returns without calling fn, the attempt counts as
// rejected.
type Gate interface {
	Execute(fn func() error) error
}

// Endpoints picks the URL for each dial attempt. A
// resilience.FallbackGroup[string] satisfies it: fn is called with each
// healthy endpoint in turn until one dial succeeds.
type Endpoints interface {
	Execute(fn func(url string) error) error
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHeader adds an HTTP header sent with every dial.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithBearerToken sets the Authorization header to "Bearer <token>". An empty
// token leaves the header unset.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithDeviceID sets the Device-Id header identifying the voice device.
func WithDeviceID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.header.Set("Device-Id", id)
		}
	}
}

// WithClientID sets the Client-Id header identifying this relay instance.
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.header.Set("Client-Id", id)
		}
	}
}

// WithDialTimeout bounds a single dial including the hello write.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithHello sets a text message written right after every successful dial.
func WithHello(msg string) Option {
	return func(c *Client) {
		if msg != "" {
			c.hello = []byte(msg)
		}
	}
}

// WithReadLimit sets the maximum size of an inbound message.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithGate guards every dial with g.
func WithGate(g Gate) Option {
	return func(c *Client) { c.gate = g }
}

// WithEndpoints dials through e instead of the URL passed to [New]. The URL
// given to New is then only used for logging until the first dial succeeds.
// A [Gate] is ignored when endpoints are set.
func WithEndpoints(e Endpoints) Option {
	return func(c *Client) { c.endpoints = e }
}

// WithDialHook registers fn to be told the outcome of every dial attempt:
// [DialOK], [DialError] or [DialRejected].
func WithDialHook(fn func(status string)) Option {
	return func(c *Client) { c.dialHook = fn }
}

// Client is a reconnecting websocket [upstream.Channel].
type Client struct {
	url         string
	header      http.Header
	dialTimeout time.Duration
	readLimit   int64
	hello       []byte
	gate        Gate
	endpoints   Endpoints
	dialHook    func(string)

	// lifetime of read loops; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dialMu sync.Mutex // serialises EnsureOpen

	mu      sync.Mutex // guards conn, connURL and closed
	conn    *websocket.Conn
	connURL string
	closed  bool

	writeMu sync.Mutex // one in-flight write per connection

	cbMu    sync.RWMutex
	onAudio func([]byte)
	onText  func([]byte)
}

var (
	_ upstream.Channel    = (*Client)(nil)
	_ upstream.TextSender = (*Client)(nil)
)

// New creates a Client for url. No connection is made until
// [Client.EnsureOpen].
func New(url string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:         url,
		header:      http.Header{},
		dialTimeout: defaultDialTimeout,
		readLimit:   defaultReadLimit,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// URL returns the endpoint of the current connection, or the empty string
// when the client is not connected.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.connURL
}

// IsOpen implements [upstream.Channel].
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// EnsureOpen implements [upstream.Channel]. It makes at most one dial per
// call; with a [Gate] installed the dial may be skipped entirely.
func (c *Client) EnsureOpen(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	closed, open := c.closed, c.conn != nil
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if open {
		return nil
	}

	if c.endpoints != nil {
		attempted := false
		err := c.endpoints.Execute(func(url string) error {
			attempted = true
			return c.dial(ctx, url)
		})
		if !attempted {
			c.reportDial(DialRejected)
			if err == nil {
				err = errNoEndpoint
			}
			return fmt.Errorf("ws upstream: dial skipped: %w", err)
		}
		return err
	}

	if c.gate == nil {
		return c.dial(ctx, c.url)
	}
	attempted := false
	err := c.gate.Execute(func() error {
		attempted = true
		return c.dial(ctx, c.url)
	})
	if !attempted {
		c.reportDial(DialRejected)
		return fmt.Errorf("ws upstream: dial skipped: %w", err)
	}
	return err
}

// dial opens a new connection to url and starts its read loop. Must be called
// with dialMu held.
func (c *Client) dial(ctx context.Context, url string) error {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{
		HTTPHeader: c.header.Clone(),
	})
	if err != nil {
		c.reportDial(DialError)
		return fmt.Errorf("ws upstream: dial: %w", err)
	}
	conn.SetReadLimit(c.readLimit)

	if len(c.hello) > 0 {
		if err := conn.Write(dctx, websocket.MessageText, c.hello); err != nil {
			conn.CloseNow()
			c.reportDial(DialError)
			return fmt.Errorf("ws upstream: write hello: %w", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.CloseNow()
		return ErrClosed
	}
	c.conn = conn
	c.connURL = url
	c.wg.Add(1)
	c.mu.Unlock()

	c.reportDial(DialOK)
	slog.Info("ws upstream: connected", "url", url)
	go c.readLoop(conn)
	return nil
}

func (c *Client) reportDial(status string) {
	if c.dialHook != nil {
		c.dialHook(status)
	}
}

// SendAudio implements [upstream.Channel].
func (c *Client) SendAudio(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return upstream.ErrNotOpen
	}

	c.writeMu.Lock()
	err := conn.Write(ctx, websocket.MessageBinary, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return fmt.Errorf("ws upstream: write: %w", err)
	}
	return nil
}

// SendText implements [upstream.TextSender].
func (c *Client) SendText(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return upstream.ErrNotOpen
	}

	c.writeMu.Lock()
	err := conn.Write(ctx, websocket.MessageText, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return fmt.Errorf("ws upstream: write text: %w", err)
	}
	return nil
}

// OnAudio implements [upstream.Channel].
func (c *Client) OnAudio(fn func(frame []byte)) {
	c.cbMu.Lock()
	c.onAudio = fn
	c.cbMu.Unlock()
}

// OnText registers the callback for text messages from the backend.
// Registering replaces the previous callback; nil unregisters.
func (c *Client) OnText(fn func(msg []byte)) {
	c.cbMu.Lock()
	c.onText = fn
	c.cbMu.Unlock()
}

// readLoop delivers inbound messages until the connection fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			c.drop(conn, err)
			return
		}

		c.cbMu.RLock()
		onAudio, onText := c.onAudio, c.onText
		c.cbMu.RUnlock()

		switch typ {
		case websocket.MessageBinary:
			if onAudio != nil {
				onAudio(data)
			}
		case websocket.MessageText:
			if onText != nil {
				onText(data)
			}
		}
	}
}

// drop forgets conn if it is still the current connection and closes it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	url := c.connURL
	if current {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if current && !closed {
		slog.Warn("ws upstream: connection lost", "url", url, "err", cause)
	}
	conn.CloseNow()
}

// Close implements [upstream.Channel].
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		if err := conn.Close(websocket.StatusNormalClosure, "relay shutting down"); err != nil {
			slog.Debug("ws upstream: close handshake", "err", err)
		}
		c.writeMu.Unlock()
	}
	c.cancel()
	c.wg.Wait()
	return nil
}
