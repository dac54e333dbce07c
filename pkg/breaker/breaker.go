// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker tracks the health of an upstream server as a circuit
// breaker driven by health probes.
//
// A closed breaker lets probes and traffic through. MaxFailures consecutive
// probe failures open it. Once ResetTimeout has passed, the next probe runs
// half-open: SuccessThreshold successes close the breaker again and a single
// failure reopens it.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half_open",
	StateOpen:     "open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Config tunes a breaker. Zero fields take defaults: 3 failures, 30s reset
// and 1 success.
type Config struct {
	MaxFailures      int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State     State
	Failures  int
	Successes int
	Since     time.Time
}

// CircuitBreaker guards one upstream server.
type CircuitBreaker struct {
	mu       sync.RWMutex
	config   Config
	snap     Snapshot
	onChange func(from, to State)
	now      func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		config: cfg,
		snap:   Snapshot{State: StateClosed, Since: time.Now()},
		now:    time.Now,
	}
}

// Call runs fn unless the breaker is open and feeds its result back.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.record(err)
	return err
}

// Ready reports whether traffic should be sent through this breaker. It
// never changes the state.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.snap.State != StateOpen || cb.cooledDown()
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.now().Sub(cb.snap.Since) > cb.config.ResetTimeout
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.snap.State != StateOpen {
		return true
	}
	if !cb.cooledDown() {
		return false
	}
	cb.transition(StateHalfOpen)
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := &cb.snap
	switch {
	case err != nil && s.State == StateHalfOpen:
		cb.transition(StateOpen)
	case err != nil:
		s.Failures++
		s.Successes = 0
		if s.Failures >= cb.config.MaxFailures {
			cb.transition(StateOpen)
		}
	case s.State == StateHalfOpen:
		s.Successes++
		if s.Successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	default:
		s.Failures = 0
	}
}

// transition moves to state, resets the counters and notifies the
// listener. Callers hold mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.snap.State
	if from == to {
		return
	}
	cb.snap = Snapshot{State: to, Since: cb.now()}

	if cb.onChange != nil {
		go cb.onChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.snap.State
}

// OnStateChange registers fn for state changes. fn runs on its own goroutine.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Snapshot returns the current state and counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.snap
}
