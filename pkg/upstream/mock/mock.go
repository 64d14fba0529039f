// Package mock provides an in-memory mock implementation of
// [upstream.Channel] for use in unit tests.
//
// The mock is safe for concurrent use. Set the exported fields to control
// behaviour and inspect the Call* fields after the code under test ran.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/upstream"
)

var (
	_ upstream.Channel    = (*Channel)(nil)
	_ upstream.TextSender = (*Channel)(nil)
)

// Channel is a mock implementation of [upstream.Channel].
type Channel struct {
	mu sync.Mutex

	// Open is the value reported by IsOpen.
	Open bool

	// EnsureOpenErr is returned by EnsureOpen. When nil, EnsureOpen sets Open
	// to true.
	EnsureOpenErr error

	// SendErr is returned by SendAudio.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountEnsureOpen records how many times EnsureOpen was called.
	CallCountEnsureOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Sent holds a copy of every frame passed to SendAudio, in order.
	Sent [][]byte

	// SentText holds a copy of every message passed to SendText, in order.
	SentText [][]byte

	onAudio func([]byte)
}

// IsOpen implements [upstream.Channel].
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Open
}

// EnsureOpen implements [upstream.Channel].
func (c *Channel) EnsureOpen(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountEnsureOpen++
	if c.EnsureOpenErr != nil {
		return c.EnsureOpenErr
	}
	c.Open = true
	return nil
}

// SendAudio implements [upstream.Channel].
func (c *Channel) SendAudio(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, append([]byte(nil), frame...))
	return nil
}

// SendText implements [upstream.TextSender]. It fails with SendErr like
// SendAudio.
func (c *Channel) SendText(_ context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.SentText = append(c.SentText, append([]byte(nil), msg...))
	return nil
}

// OnAudio implements [upstream.Channel].
func (c *Channel) OnAudio(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = fn
}

// Close implements [upstream.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.Open = false
	return c.CloseErr
}

// EmitAudio invokes the registered OnAudio callback with frame. Use this in
// tests to simulate a speaker frame arriving from the backend.
func (c *Channel) EmitAudio(frame []byte) {
	c.mu.Lock()
	fn := c.onAudio
	c.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// SentFrames returns a copy of Sent under the lock.
func (c *Channel) SentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.Sent))
	copy(out, c.Sent)
	return out
}

// EnsureOpenCount returns CallCountEnsureOpen under the lock.
func (c *Channel) EnsureOpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountEnsureOpen
}

// TextMessages returns a copy of SentText under the lock.
func (c *Channel) TextMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.SentText))
	copy(out, c.SentText)
	return out
}
