package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrSessionClosed is returned when a message is offered to a session whose
// writer has stopped.
var ErrSessionClosed = errors.New("relay: session closed")

// errQueueFull is returned when a session's outbound queue has no room.
var errQueueFull = errors.New("relay: session queue full")

// Conn is the transport of one browser session. [*websocket.Conn] satisfies
// it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// outbound is one queued message for a session.
type outbound struct {
	typ  websocket.MessageType
	data []byte
}

func (o outbound) kind() string {
	if o.typ == websocket.MessageBinary {
		return "pcm"
	}
	return "control"
}

// Session is one connected browser. It owns a bounded outbound queue drained
// by a single writer goroutine; every transport write and the final close
// happen under writeMu.
type Session struct {
	id     uint64
	remote string
	conn   Conn

	streaming atomic.Bool

	queue        chan outbound
	writeTimeout time.Duration
	writeMu      sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	onDrop func(kind string)
}

func newSession(id uint64, remote string, conn Conn, queueSize int, writeTimeout time.Duration, cancel context.CancelFunc, onDrop func(string)) *Session {
	return &Session{
		id:           id,
		remote:       remote,
		conn:         conn,
		queue:        make(chan outbound, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		cancel:       cancel,
		onDrop:       onDrop,
	}
}

// Streaming reports whether the browser currently sends microphone audio.
func (s *Session) Streaming() bool { return s.streaming.Load() }

// send queues a message without blocking. When the queue is full the message
// is dropped.
func (s *Session) send(typ websocket.MessageType, data []byte) error {
	msg := outbound{typ: typ, data: data}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		if s.onDrop != nil {
			s.onDrop(msg.kind())
		}
		return errQueueFull
	}
}

// writeLoop drains the queue until ctx is cancelled or a write fails. A
// failed write tears the session down.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.write(ctx, msg); err != nil {
				if ctx.Err() == nil {
					slog.Debug("relay: session write failed",
						"session_id", s.id,
						"remote", s.remote,
						"err", err)
				}
				s.abort()
				return
			}
		}
	}
}

func (s *Session) write(ctx context.Context, msg outbound) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(wctx, msg.typ, msg.data); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

// abort drops the transport without a close handshake. The receive loop sees
// the failure and removes the session.
func (s *Session) abort() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.conn.CloseNow()
	})
}

// close ends the session with a close handshake.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.writeMu.Lock()
		_ = s.conn.Close(code, reason)
		s.writeMu.Unlock()
	})
}
