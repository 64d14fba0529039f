package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn is an in-memory [Conn]. Tests push inbound messages with
// deliver and inspect what the session wrote with written.
type fakeConn struct {
	inbound chan outbound

	mu           sync.Mutex
	writes       []outbound
	failBinary   bool
	failAll      bool
	block        chan struct{} // when non-nil, Write waits for it
	writing      chan struct{} // receives one value per Write call, if non-nil
	closeCode    websocket.StatusCode
	closedByPeer bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan outbound, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-c.inbound:
		return m.typ, m.data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	case <-ctx.Done():
		_ = c.CloseNow()
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	block, writing := c.block, c.writing
	c.mu.Unlock()
	if writing != nil {
		writing <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll || (c.failBinary && typ == websocket.MessageBinary) {
		return errors.New("fake conn: write failed")
	}
	c.writes = append(c.writes, outbound{typ: typ, data: append([]byte(nil), p...)})
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	return c.CloseNow()
}

func (c *fakeConn) CloseNow() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// deliver queues an inbound message as if the browser sent it.
func (c *fakeConn) deliver(typ websocket.MessageType, data []byte) {
	c.inbound <- outbound{typ: typ, data: data}
}

// hangUp simulates the browser closing the connection.
func (c *fakeConn) hangUp() {
	c.mu.Lock()
	c.closedByPeer = true
	c.mu.Unlock()
	_ = c.CloseNow()
}

func (c *fakeConn) written() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]outbound(nil), c.writes...)
}

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// testMetrics returns a Metrics instance backed by a private ManualReader.
func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func testConfig() Config {
	return Config{
		Input:              audio.Format{SampleRate: 16000, Channels: 1},
		Output:             audio.Format{SampleRate: 24000, Channels: 1},
		FrameSamples:       320,
		OutputFrameSamples: 480,
	}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestBridge returns a Bridge with private metrics.
func newTestBridge(t *testing.T, cfg Config, opts ...Option) *Bridge {
	t.Helper()
	m, _ := testMetrics(t)
	b := New(cfg, append([]Option{WithMetrics(m)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

// serveFake runs b.Serve on conn in the background and waits until the
// session is registered.
func serveFake(t *testing.T, b *Bridge, conn *fakeConn) <-chan error {
	t.Helper()
	before := b.Status().Sessions
	done := make(chan error, 1)
	go func() { done <- b.Serve(context.Background(), conn, "fake") }()
	waitFor(t, 2*time.Second, func() bool { return b.Status().Sessions > before })
	return done
}

// wsURL converts an httptest server URL to a websocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialBridge serves b over HTTP and opens one browser websocket to it.
func dialBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readText reads one message and fails unless it is text.
func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	return string(data)
}

func writeText(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func writeBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}
