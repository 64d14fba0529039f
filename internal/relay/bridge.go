// Package relay carries live audio between browser sessions and the single
// upstream conversation channel.
//
// The [Bridge] is the session registry: it accepts browser websockets, runs a
// receive loop per session, fans speaker audio and device-state changes out
// to every session and answers status queries. Microphone audio is handed to
// one registered [MicrophoneHandler], normally a [Forwarder] that slices it
// into codec frames and sends them upstream. Speaker audio enters through a
// [Distributor]; device-state changes through a [Publisher].
//
// Fan-out is best effort and isolated per session: every session has its own
// bounded queue and writer, a full queue drops the message and a failed write
// drops only that session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebridge/internal/device"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
)

// ErrBridgeClosed is returned by [Bridge.Serve] after [Bridge.Close].
var ErrBridgeClosed = errors.New("relay: bridge closed")

// MicrophoneHandler consumes raw microphone PCM chunks from streaming
// sessions. It runs on the receive goroutine of the session that sent the
// chunk.
type MicrophoneHandler func(ctx context.Context, chunk []byte)

// Config holds the audio parameters announced to browsers and the per-session
// transport limits.
type Config struct {
	// Input is the microphone PCM format browsers must send.
	Input audio.Format

	// Output is the speaker PCM format browsers receive.
	Output audio.Format

	// FrameSamples is the per-channel sample count of one microphone frame.
	FrameSamples int

	// OutputFrameSamples is the per-channel sample count of one speaker frame.
	OutputFrameSamples int

	// LivenessWindow is how recent the last frame must be for the microphone
	// or speaker to count as active. Default: 2s.
	LivenessWindow time.Duration

	// QueueSize is the outbound message capacity per session. Default: 64.
	QueueSize int

	// WriteTimeout bounds a single transport write. Default: 5s.
	WriteTimeout time.Duration

	// ReadLimit is the maximum inbound message size in bytes. Default: 64 KiB.
	ReadLimit int64

	// OriginPatterns lists host patterns allowed to open sessions. Empty
	// means same-origin only.
	OriginPatterns []string
}

func (c *Config) applyDefaults() {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithClock overrides the clock used for liveness timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge is the registry of live browser sessions.
type Bridge struct {
	cfg     Config
	now     func() time.Time
	metrics *observe.Metrics

	livenessWindow atomic.Int64 // nanoseconds

	mu        sync.Mutex // guards sessions, lastState and closed
	sessions  map[*Session]struct{}
	lastState device.State
	closed    bool
	wg        sync.WaitGroup

	handlerMu  sync.RWMutex
	micHandler MicrophoneHandler

	lastMic     atomic.Int64 // unix nanoseconds, 0 = never
	lastSpeaker atomic.Int64
	nextID      atomic.Uint64
}

// New creates an empty Bridge whose last known device state is idle.
func New(cfg Config, opts ...Option) *Bridge {
	cfg.applyDefaults()
	b := &Bridge{
		cfg:       cfg,
		now:       time.Now,
		sessions:  make(map[*Session]struct{}),
		lastState: device.StateIdle,
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.livenessWindow.Store(int64(cfg.LivenessWindow))
	return b
}

// SetLivenessWindow changes the activity window used by [Bridge.Status].
func (b *Bridge) SetLivenessWindow(d time.Duration) {
	if d > 0 {
		b.livenessWindow.Store(int64(d))
	}
}

// SetMicrophoneHandler installs h as the single microphone consumer,
// replacing any previous handler. nil clears it.
func (b *Bridge) SetMicrophoneHandler(h MicrophoneHandler) {
	b.handlerMu.Lock()
	b.micHandler = h
	b.handlerMu.Unlock()
}

// ClearHandlers removes the microphone handler. Sessions stay connected;
// their microphone audio is dropped until a handler is installed again.
func (b *Bridge) ClearHandlers() {
	b.SetMicrophoneHandler(nil)
}

func (b *Bridge) microphoneHandler() MicrophoneHandler {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.micHandler
}

// ServeHTTP upgrades the request to a websocket and serves it as a browser
// session until it ends.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.cfg.OriginPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("relay: websocket accept failed",
			"remote", r.RemoteAddr,
			"err", err)
		return
	}
	conn.SetReadLimit(b.cfg.ReadLimit)

	if err := b.Serve(r.Context(), conn, r.RemoteAddr); err != nil && !errors.Is(err, ErrBridgeClosed) {
		observe.Logger(r.Context()).Debug("relay: session ended with error",
			"remote", r.RemoteAddr,
			"err", err)
	}
}

// Serve runs one browser session over conn until the peer disconnects, the
// transport fails, ctx is cancelled or the bridge closes. The session is
// always removed from the registry before Serve returns.
//
// The first two messages a session receives are the audio config and the
// current device state, in that order.
func (b *Bridge) Serve(ctx context.Context, conn Conn, remote string) error {
	ctx, span := observe.StartSpan(ctx, "relay.session")
	defer span.End()
	span.SetAttributes(observe.Attr("session.remote", remote))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(b.nextID.Add(1), remote, conn, b.cfg.QueueSize, b.cfg.WriteTimeout, cancel, b.recordDrop)
	if err := b.register(s); err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return err
	}
	defer b.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	log := observe.Logger(ctx).With("session_id", s.id, "remote", remote)
	log.Info("relay: session connected")
	err := b.receiveLoop(ctx, s)

	b.removeSession(s)
	cancel()
	<-writerDone
	s.close(websocket.StatusNormalClosure, "")
	log.Info("relay: session disconnected")
	return err
}

// register adds s under the registry lock after queueing its handshake, so a
// concurrent state broadcast can never reach s before its config message.
func (b *Bridge) register(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBridgeClosed
	}
	_ = s.send(websocket.MessageText, b.configPayload(b.lastState))
	_ = s.send(websocket.MessageText, deviceStatePayload(b.lastState))
	b.sessions[s] = struct{}{}
	b.wg.Add(1)
	b.metrics.ActiveSessions.Add(context.Background(), 1)
	return nil
}

func (b *Bridge) removeSession(s *Session) {
	b.mu.Lock()
	_, ok := b.sessions[s]
	delete(b.sessions, s)
	b.mu.Unlock()
	if ok {
		b.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (b *Bridge) snapshot() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// receiveLoop dispatches inbound messages until the transport ends. A normal
// close by the peer or a cancelled ctx yields a nil error.
func (b *Bridge) receiveLoop(ctx context.Context, s *Session) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("relay: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			b.handleMicrophone(ctx, s, data)
		case websocket.MessageText:
			b.handleControl(s, data)
		}
	}
}

func (b *Bridge) handleMicrophone(ctx context.Context, s *Session, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	h := b.microphoneHandler()
	if h == nil {
		slog.Debug("relay: microphone handler not ready, dropping chunk",
			"session_id", s.id,
			"bytes", len(chunk))
		return
	}
	if !s.streaming.Load() {
		return
	}
	b.lastMic.Store(b.now().UnixNano())
	h(ctx, chunk)
}

func (b *Bridge) handleControl(s *Session, data []byte) {
	switch m := ParseClientMessage(data).(type) {
	case MicMessage:
		s.streaming.Store(m.Active)
		slog.Debug("relay: microphone streaming changed", "session_id", s.id, "active", m.Active)
	case PingMessage:
		if err := s.send(websocket.MessageText, pongPayload); err != nil {
			slog.Debug("relay: pong not queued", "session_id", s.id, "err", err)
		}
	case NoticeMessage:
		slog.Info("relay: browser notice", "session_id", s.id, "message", m.Message)
	case UnrecognizedMessage:
		slog.Debug("relay: ignoring control message",
			"session_id", s.id,
			"reason", m.Reason,
			"payload", truncate(m.Raw, 100))
	}
}

// BroadcastState records state as the last known device state and queues a
// device_state message for every session. It returns the number of sessions
// the message was queued for.
func (b *Bridge) BroadcastState(_ context.Context, state device.State) int {
	payload := deviceStatePayload(state)

	// The registry lock stays held while queueing so a session registering
	// concurrently gets either this state in its handshake or this message,
	// never a stale handshake followed by nothing. send never blocks.
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastState = state
	delivered := 0
	for s := range b.sessions {
		if err := s.send(websocket.MessageText, payload); err != nil {
			slog.Debug("relay: device state not queued", "session_id", s.id, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastPCM queues one speaker frame for every session. Empty input is
// ignored. It returns the number of sessions the frame was queued for.
func (b *Bridge) BroadcastPCM(_ context.Context, pcm []byte) int {
	if len(pcm) == 0 {
		return 0
	}
	b.lastSpeaker.Store(b.now().UnixNano())

	delivered := 0
	for _, s := range b.snapshot() {
		if err := s.send(websocket.MessageBinary, pcm); err != nil {
			slog.Debug("relay: speaker frame not queued", "session_id", s.id, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// LastDeviceState returns the state most recently passed to
// [Bridge.BroadcastState].
func (b *Bridge) LastDeviceState() device.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastState
}

func (b *Bridge) recordDrop(kind string) {
	b.metrics.RecordDroppedMessage(context.Background(), kind)
}

// Close disconnects every session and refuses new ones. It waits for running
// sessions to finish or for ctx to expire.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.StatusGoingAway, "relay shutting down")
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: close: %w", ctx.Err())
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
