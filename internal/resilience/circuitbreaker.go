// Package resilience provides the circuit breaker that gates upstream
// reconnect attempts.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). Unlike
// a fixed reset timeout, the open period grows exponentially with every
// consecutive trip and is jittered, so a dead backend is probed less and less
// often and several relays do not redial in lockstep.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and its cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected with
	// [ErrCircuitOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a single probe call. Success closes the breaker,
	// failure re-opens it with a longer cooldown.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// Cooldown is the open period after the first trip. Default: 2s.
	Cooldown time.Duration

	// MaxCooldown caps the exponentially growing open period. Default: 30s.
	MaxCooldown time.Duration

	// JitterFrac randomises each open period by ±JitterFrac. Default: 0.2.
	// Set to a negative value to disable jitter.
	JitterFrac float64

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	maxCooldown time.Duration
	jitterFrac  float64
	now         func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	trips           int
	openUntil       time.Time
	probing         bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if cfg.JitterFrac == 0 {
		cfg.JitterFrac = 0.2
	} else if cfg.JitterFrac < 0 {
		cfg.JitterFrac = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		maxCooldown: cfg.MaxCooldown,
		jitterFrac:  cfg.JitterFrac,
		now:         cfg.Now,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state exactly one
// concurrent probe is let through; other callers get [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = false
		slog.Debug("circuit breaker half-open", "name", cb.name)
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	inHalfOpen := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	if inHalfOpen {
		cb.probing = false
		cb.trip()
		slog.Warn("circuit breaker re-opened from half-open",
			"name", cb.name,
			"open_for", cb.openUntil.Sub(cb.now()))
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.trip()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail,
			"open_for", cb.openUntil.Sub(cb.now()))
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
	}
	cb.state = StateClosed
	cb.probing = false
	cb.consecutiveFail = 0
	cb.trips = 0
}

// trip opens the breaker for the next backoff period. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openUntil = cb.now().Add(cb.backoff(cb.trips))
	cb.trips++
}

// backoff returns the jittered open period for the given trip number.
func (cb *CircuitBreaker) backoff(trip int) time.Duration {
	d := cb.cooldown
	for range trip {
		d *= 2
		if d >= cb.maxCooldown {
			d = cb.maxCooldown
			break
		}
	}
	return applyJitter(d, cb.jitterFrac)
}

// applyJitter adds ±frac random jitter to d.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}

// State returns the current [State] of the breaker. An open breaker whose
// cooldown has elapsed reports [StateHalfOpen]; the transition itself happens
// on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.trips = 0
	cb.probing = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
