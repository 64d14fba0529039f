package device

import (
	"log/slog"
	"sync"
)

// Tracker holds the device state owned by the application and notifies
// listeners on every state assignment. It is safe for concurrent use.
//
// Transitions are not validated and repeated assignments of the same state
// still notify: the last write wins.
//
// Notifying updates are serialized by notifyMu, which is held from the
// assignment until the last listener returns. Listeners therefore observe
// states in assignment order and the last notification always carries the
// current state. Lock order is notifyMu then mu.
type Tracker struct {
	notifyMu  sync.Mutex
	mu        sync.Mutex
	snap      Snapshot
	autoMode  ListeningMode
	listeners []func(State)
}

// NewTracker creates a Tracker in [StateIdle]. autoMode is the listening mode
// used by [Tracker.StartAuto]; an invalid value falls back to [ModeAutoStop].
func NewTracker(autoMode ListeningMode, aecEnabled bool) *Tracker {
	if !autoMode.IsValid() || autoMode == ModeManual {
		autoMode = ModeAutoStop
	}
	return &Tracker{
		snap: Snapshot{
			State:      StateIdle,
			Mode:       autoMode,
			AECEnabled: aecEnabled,
		},
		autoMode: autoMode,
	}
}

// OnChange registers fn to be called with the new state after every
// notifying update. Listeners run synchronously, in registration order. They
// may read the tracker but must not call a notifying method, which would
// deadlock.
func (t *Tracker) OnChange(fn func(State)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Subscribe registers fn like [Tracker.OnChange] and then calls it with the
// current state. No transition can slip between the two, so fn never sees a
// stale state after a newer one.
func (t *Tracker) Subscribe(fn func(State)) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.OnChange(fn)
	fn(t.State())
}

// Snapshot returns a copy of the current device state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// State returns the current conversation state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.State
}

// SetState assigns s and notifies listeners. Entering listening clears the
// aborted flag of the previous turn.
func (t *Tracker) SetState(s State) {
	t.update(func(snap *Snapshot) {
		snap.State = s
		if s == StateListening {
			snap.Aborted = false
		}
	}, true)
}

// SetListeningMode changes the listening mode without notifying.
func (t *Tracker) SetListeningMode(m ListeningMode) {
	t.update(func(snap *Snapshot) { snap.Mode = m }, false)
}

// SetKeepListening changes the continuous-listening flag without notifying.
func (t *Tracker) SetKeepListening(v bool) {
	t.update(func(snap *Snapshot) { snap.KeepListening = v }, false)
}

// SetAECEnabled changes the echo-cancellation flag without notifying.
func (t *Tracker) SetAECEnabled(v bool) {
	t.update(func(snap *Snapshot) { snap.AECEnabled = v }, false)
}

// SetAutoMode changes the mode used by future [Tracker.StartAuto] calls.
func (t *Tracker) SetAutoMode(m ListeningMode) {
	if !m.IsValid() || m == ModeManual {
		return
	}
	t.mu.Lock()
	t.autoMode = m
	t.mu.Unlock()
}

// SetAborted marks the current turn as aborted without notifying.
func (t *Tracker) SetAborted(v bool) {
	t.update(func(snap *Snapshot) { snap.Aborted = v }, false)
}

// ─── Conversation controls ───────────────────────────────────────────────────

// StartManual begins a push-to-talk turn.
func (t *Tracker) StartManual() {
	t.update(func(snap *Snapshot) {
		snap.Mode = ModeManual
		snap.KeepListening = false
		snap.Aborted = false
		snap.State = StateListening
	}, true)
}

// StopManual ends a push-to-talk turn.
func (t *Tracker) StopManual() {
	t.SetState(StateIdle)
}

// StartAuto begins a hands-free conversation in the configured auto mode.
func (t *Tracker) StartAuto() {
	t.update(func(snap *Snapshot) {
		snap.Mode = t.autoMode
		snap.KeepListening = true
		snap.Aborted = false
		snap.State = StateListening
	}, true)
}

// StopConversation leaves continuous listening and returns to idle.
func (t *Tracker) StopConversation() {
	t.update(func(snap *Snapshot) {
		snap.KeepListening = false
		snap.State = StateIdle
	}, true)
}

// AbortSpeaking interrupts the device while it speaks. It reports whether
// there was anything to abort.
func (t *Tracker) AbortSpeaking() bool {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.snap.State != StateSpeaking {
		t.mu.Unlock()
		return false
	}
	t.snap.Aborted = true
	t.snap.State = StateIdle
	listeners := t.listenersLocked()
	t.mu.Unlock()

	slog.Info("device: speaking aborted")
	notify(listeners, StateIdle)
	return true
}

// update applies fn under the lock and, when notifyListeners is set, calls
// listeners with the resulting state before the next notifying update may
// start.
func (t *Tracker) update(fn func(*Snapshot), notifyListeners bool) {
	if notifyListeners {
		t.notifyMu.Lock()
		defer t.notifyMu.Unlock()
	}

	t.mu.Lock()
	prev := t.snap.State
	fn(&t.snap)
	state := t.snap.State
	var listeners []func(State)
	if notifyListeners {
		listeners = t.listenersLocked()
	}
	t.mu.Unlock()

	if !notifyListeners {
		return
	}
	if prev != state {
		slog.Debug("device: state changed", "from", prev, "to", state)
	}
	notify(listeners, state)
}

func (t *Tracker) listenersLocked() []func(State) {
	out := make([]func(State), len(t.listeners))
	copy(out, t.listeners)
	return out
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
