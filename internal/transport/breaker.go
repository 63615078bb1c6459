// Package transport delivers jobs to agents over HTTP, with retry and a
// per-endpoint circuit breaker.
package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the endpoint's breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// breaker states.
const (
	stateClosed = iota
	stateOpen
	stateHalfOpen
)

// circuitBreaker tracks consecutive failures against one endpoint. After
// failureThreshold consecutive failures the circuit opens for cooldown; the
// first call after cooldown probes in half-open state.
type circuitBreaker struct {
	mu               sync.Mutex
	state            int
	failures         int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            stateClosed,
		failureThreshold: threshold,
		cooldown:         cooldown,
	}
}

// Allow reports whether a call may proceed, transitioning open breakers to
// half-open once the cooldown has elapsed.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed, stateHalfOpen:
		return true
	case stateOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = stateClosed
}

// RecordFailure counts a failure; a half-open probe failure or reaching the
// threshold opens the circuit.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = stateOpen
		cb.openedAt = time.Now()
	}
}

// breakerSet holds one breaker per agent endpoint.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	threshold int
	cooldown  time.Duration
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*circuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (s *breakerSet) get(endpoint string) *circuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[endpoint]
	if !ok {
		cb = newCircuitBreaker(s.threshold, s.cooldown)
		s.breakers[endpoint] = cb
	}
	return cb
}

// forget drops the breaker for an endpoint (agent unregistered).
func (s *breakerSet) forget(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, endpoint)
}
