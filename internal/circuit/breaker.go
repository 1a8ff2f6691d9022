// Package circuit implements the circuit breaker guarding the upstream fetch
// path. When the upstream keeps failing, the breaker opens and requests
// short-circuit straight to their cache or synthesized fallback instead of
// waiting out the network timeout each time.
package circuit

import (
	"sync"
	"time"

	"github.com/mediacache/mediacache/pkg/errors"
)

// State represents the breaker state.
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected immediately
	StateOpen
	// StateHalfOpen - a probe request tests whether the upstream recovered
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when the breaker rejects a request outright.
var ErrOpen = errors.New(errors.ErrCodeCircuitOpen, "upstream circuit open")

// Config contains breaker tuning.
type Config struct {
	// Consecutive failures in the closed state that trip the breaker.
	FailureThreshold uint32
	// Closed-state counting window; counts reset when it elapses.
	Interval time.Duration
	// How long the breaker stays open before probing.
	Timeout time.Duration
	// Called on every state transition.
	OnStateChange func(from, to State)
}

// Counts holds request outcome tallies for the current window.
type Counts struct {
	Requests            uint32
	Successes           uint32
	Failures            uint32
	ConsecutiveFailures uint32
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	config Config
	state  State
	counts Counts
	expiry time.Time
	clock  func() time.Time
}

// New creates a breaker, filling zero config fields with defaults.
func New(config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	b := &Breaker{config: config, state: StateClosed, clock: time.Now}
	b.expiry = b.clock().Add(config.Interval)
	return b
}

// Allow reports whether a request may proceed. A true result must be followed
// by exactly one Record call with the outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.clock()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		// One probe at a time.
		if b.counts.Requests > 0 {
			return ErrOpen
		}
	}
	b.counts.Requests++
	return nil
}

// Record reports the outcome of a request previously admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	state := b.currentState(now)

	if err == nil {
		b.counts.Successes++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.clock())
}

// CountsSnapshot returns a copy of the current window tallies.
func (b *Breaker) CountsSnapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, state)
	}
}
