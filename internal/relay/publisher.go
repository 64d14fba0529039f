package relay

import (
	"context"

	"github.com/MrWong99/voicebridge/internal/device"
)

// StateBroadcaster fans device-state changes out to sessions.
type StateBroadcaster interface {
	BroadcastState(ctx context.Context, state device.State) int
}

// StateNotifier is the application's device-state change feed. Subscribe
// calls fn with the current state and then with every later state, in the
// order they were assigned.
type StateNotifier interface {
	Subscribe(fn func(device.State))
}

// Publisher turns device-state transitions into broadcasts. Every published
// state produces exactly one broadcast; transitions are not validated.
type Publisher struct {
	sink StateBroadcaster
}

// NewPublisher creates a Publisher broadcasting through sink.
func NewPublisher(sink StateBroadcaster) *Publisher {
	return &Publisher{sink: sink}
}

// Publish broadcasts state.
func (p *Publisher) Publish(ctx context.Context, state device.State) {
	p.sink.BroadcastState(ctx, state)
}

// Attach subscribes to n and publishes its current state once so sessions
// that connect later start from the right state.
func (p *Publisher) Attach(ctx context.Context, n StateNotifier) {
	n.Subscribe(func(s device.State) { p.Publish(ctx, s) })
}
