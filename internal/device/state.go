// Package device models the talk/listen state of the voice device that the
// relay serves, and the gate that decides whether microphone audio may be
// transmitted upstream.
package device

import "fmt"

// State is the device's conversation state.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateSpeaking  State = "speaking"
)

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateListening, StateSpeaking:
		return true
	}
	return false
}

// String implements [fmt.Stringer].
func (s State) String() string { return string(s) }

// ParseState converts a wire value into a [State].
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.IsValid() {
		return "", fmt.Errorf("device: unknown state %q", v)
	}
	return s, nil
}

// ListeningMode controls when the device stops listening.
type ListeningMode string

const (
	// ModeManual listens while the user holds the talk control.
	ModeManual ListeningMode = "manual"
	// ModeAutoStop listens until the backend detects the end of the utterance.
	ModeAutoStop ListeningMode = "auto_stop"
	// ModeRealtime listens continuously, including while the device speaks.
	ModeRealtime ListeningMode = "realtime"
)

// IsValid reports whether m is one of the known modes.
func (m ListeningMode) IsValid() bool {
	switch m {
	case ModeManual, ModeAutoStop, ModeRealtime:
		return true
	}
	return false
}

// ParseListeningMode converts a config value into a [ListeningMode].
func ParseListeningMode(v string) (ListeningMode, error) {
	m := ListeningMode(v)
	if !m.IsValid() {
		return "", fmt.Errorf("device: unknown listening mode %q", v)
	}
	return m, nil
}

// Snapshot is a point-in-time copy of everything the microphone gate needs.
type Snapshot struct {
	State         State         `json:"state"`
	Mode          ListeningMode `json:"listeningMode"`
	KeepListening bool          `json:"keepListening"`
	AECEnabled    bool          `json:"aecEnabled"`
	Aborted       bool          `json:"aborted"`
}

// PermitsMicrophone reports whether a microphone frame may be sent upstream.
//
// Audio flows while listening, unless the current turn was aborted. While the
// device speaks, audio flows only for full-duplex operation: echo cancellation
// on, continuous listening on and realtime mode.
func (s Snapshot) PermitsMicrophone() bool {
	switch s.State {
	case StateListening:
		return !s.Aborted
	case StateSpeaking:
		return s.AECEnabled && s.KeepListening && s.Mode == ModeRealtime
	default:
		return false
	}
}
