// Package circuitbreaker tracks consecutive failures per push service and
// stops sending to a service that keeps failing until a cooldown passes.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type serviceState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker is keyed by an arbitrary service identifier, typically the
// host of a push endpoint. A threshold of zero or less disables it.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*serviceState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*serviceState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock sets the time source. Used in tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a request to key may proceed. After the cooldown a
// single trial request is let through; further requests wait for its result.
func (cb *CircuitBreaker) Allow(key string) error {
	if cb.threshold <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.states, key)
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	if cb.threshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &serviceState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

// State returns "closed", "open" or "half_open" for key.
func (cb *CircuitBreaker) State(key string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[key]; ok {
		return s.state.String()
	}
	return stateClosed.String()
}
