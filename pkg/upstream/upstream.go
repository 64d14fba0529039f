// Package upstream defines the single link between the relay and the backend
// conversation service.
//
// A [Channel] carries compressed microphone frames out and pushes compressed
// speaker frames in. The relay never queues frames for a closed channel: it
// asks for one reconnect attempt and drops the frame when that fails.
package upstream

import (
	"context"
	"errors"
)

// ErrNotOpen is returned by [Channel.SendAudio] when the channel has no live
// connection.
var ErrNotOpen = errors.New("upstream: channel not open")

// Channel is the relay's view of the backend conversation link.
//
// Implementations must be safe for concurrent use.
type Channel interface {
	// IsOpen reports whether the channel currently has a live connection.
	IsOpen() bool

	// EnsureOpen makes one attempt to open the channel if it is not already
	// open. It returns nil when the channel is open afterwards.
	EnsureOpen(ctx context.Context) error

	// SendAudio transmits one compressed microphone frame.
	SendAudio(ctx context.Context, frame []byte) error

	// OnAudio registers the callback invoked for every compressed speaker
	// frame received from the backend. Registering replaces the previous
	// callback; nil unregisters. The callback runs on the channel's read
	// goroutine and must not block for long.
	OnAudio(fn func(frame []byte))

	// Close tears down the connection. It is safe to call more than once.
	Close() error
}

// TextSender is implemented by channels that also carry text control
// messages to the backend.
type TextSender interface {
	SendText(ctx context.Context, msg []byte) error
}
