package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/internal/device"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/upstream"
)

// StateSource reports the current device state for the microphone gate.
type StateSource interface {
	Snapshot() device.Snapshot
}

// ForwarderOption is a functional option for configuring a [Forwarder].
type ForwarderOption func(*Forwarder)

// WithForwarderMetrics sets the metrics sink. Default:
// [observe.DefaultMetrics].
func WithForwarderMetrics(m *observe.Metrics) ForwarderOption {
	return func(f *Forwarder) { f.metrics = m }
}

// Forwarder accumulates microphone chunks from all sessions into codec frames
// and sends each frame upstream when the link is up and the device is
// listening. Frames that cannot be sent are dropped, never queued.
//
// All sessions share one accumulator; mu is held from accepting a chunk until
// its frames are forwarded so frames leave in arrival order. sendMu keeps at
// most one frame in flight upstream.
type Forwarder struct {
	enc     audio.Encoder
	up      upstream.Channel
	dev     StateSource
	metrics *observe.Metrics

	mu  sync.Mutex
	acc *FrameAccumulator

	sendMu sync.Mutex
}

// NewForwarder creates a Forwarder producing frames of frameBytes bytes. enc
// and up may be nil while the application is still starting; frames are then
// dropped as not ready.
func NewForwarder(frameBytes int, enc audio.Encoder, up upstream.Channel, dev StateSource, opts ...ForwarderOption) (*Forwarder, error) {
	if frameBytes <= 0 {
		return nil, fmt.Errorf("relay: frame size must be positive, got %d", frameBytes)
	}
	if dev == nil {
		return nil, fmt.Errorf("relay: forwarder needs a device state source")
	}
	f := &Forwarder{
		enc: enc,
		up:  up,
		dev: dev,
		acc: NewFrameAccumulator(frameBytes),
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f, nil
}

// HandleMicrophone is a [MicrophoneHandler]. It buffers chunk and forwards
// every frame it completes, oldest first.
func (f *Forwarder) HandleMicrophone(ctx context.Context, chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, frame := range f.acc.Push(chunk) {
		f.forward(ctx, frame)
	}
}

// Buffered returns the number of bytes waiting to complete the next frame.
func (f *Forwarder) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acc.Buffered()
}

// Reset discards any partial frame.
func (f *Forwarder) Reset() {
	f.mu.Lock()
	f.acc.Reset()
	f.mu.Unlock()
}

// forward sends one frame. Must be called with f.mu held.
func (f *Forwarder) forward(ctx context.Context, frame []byte) {
	if f.up == nil || f.enc == nil {
		f.metrics.RecordMicFrame(ctx, observe.MicNotReady)
		slog.Debug("relay: forwarder not ready, dropping frame")
		return
	}

	if !f.up.IsOpen() {
		if err := f.up.EnsureOpen(ctx); err != nil {
			f.metrics.RecordMicFrame(ctx, observe.MicDroppedUpstream)
			slog.Debug("relay: upstream unavailable, dropping frame", "err", err)
			return
		}
	}

	if !f.dev.Snapshot().PermitsMicrophone() {
		f.metrics.RecordMicFrame(ctx, observe.MicDroppedState)
		return
	}

	start := time.Now()
	packet, err := f.enc.Encode(frame)
	f.metrics.RecordCodec(ctx, "encode", start)
	if err != nil {
		f.metrics.RecordMicFrame(ctx, observe.MicEncodeError)
		slog.Debug("relay: encode failed, dropping frame", "err", err)
		return
	}
	if len(packet) == 0 {
		f.metrics.RecordMicFrame(ctx, observe.MicSilent)
		return
	}

	f.sendMu.Lock()
	err = f.up.SendAudio(ctx, packet)
	f.sendMu.Unlock()
	if err != nil {
		f.metrics.RecordMicFrame(ctx, observe.MicSendError)
		slog.Debug("relay: upstream send failed, dropping frame", "err", err)
		return
	}
	f.metrics.RecordMicFrame(ctx, observe.MicForwarded)
}
