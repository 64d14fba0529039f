package relay

import (
	"time"

	"github.com/MrWong99/voicebridge/internal/device"
)

// Status text values reported by [Bridge.Status].
const (
	StatusDisconnected = "disconnected"
	StatusConnected    = "connected"
	StatusStreaming    = "connected, microphone streaming"
)

// Status is a point-in-time view of the relay.
type Status struct {
	Connected           bool         `json:"connected"`
	Sessions            int          `json:"sessions"`
	MicrophoneStreaming bool         `json:"microphoneStreaming"`
	MicrophoneActive    bool         `json:"microphoneActive"`
	SpeakerActive       bool         `json:"speakerActive"`
	LastMicrophoneAt    *time.Time   `json:"lastMicrophoneAt"`
	LastSpeakerAt       *time.Time   `json:"lastSpeakerAt"`
	StatusText          string       `json:"statusText"`
	DeviceState         device.State `json:"deviceState"`
	InputSampleRate     int          `json:"inputSampleRate"`
	OutputSampleRate    int          `json:"outputSampleRate"`
	FrameSamples        int          `json:"frameSamples"`
}

// Status reports connection and liveness information. Activity is derived
// from the last frame timestamps at call time.
func (b *Bridge) Status() Status {
	now := b.now()
	window := time.Duration(b.livenessWindow.Load())

	sessions := b.snapshot()
	streaming := false
	for _, s := range sessions {
		if s.Streaming() {
			streaming = true
			break
		}
	}

	st := Status{
		Connected:           len(sessions) > 0,
		Sessions:            len(sessions),
		MicrophoneStreaming: streaming,
		DeviceState:         b.LastDeviceState(),
		InputSampleRate:     b.cfg.Input.SampleRate,
		OutputSampleRate:    b.cfg.Output.SampleRate,
		FrameSamples:        b.cfg.FrameSamples,
	}
	st.LastMicrophoneAt, st.MicrophoneActive = since(b.lastMic.Load(), now, window)
	st.LastSpeakerAt, st.SpeakerActive = since(b.lastSpeaker.Load(), now, window)

	switch {
	case st.Connected && st.MicrophoneStreaming && st.MicrophoneActive:
		st.StatusText = StatusStreaming
	case st.Connected:
		st.StatusText = StatusConnected
	default:
		st.StatusText = StatusDisconnected
	}
	return st
}

// since converts a stored timestamp and reports whether it lies within window
// of now.
func since(nanos int64, now time.Time, window time.Duration) (*time.Time, bool) {
	if nanos == 0 {
		return nil, false
	}
	t := time.Unix(0, nanos).UTC()
	return &t, now.Sub(t) < window
}
