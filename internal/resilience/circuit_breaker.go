package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/voice-coach/internal/observability"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Testing whether the service recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one remote dependency (exchange, synthesis, Deepgram).
// It is shared by every session, so a failing backend is noticed across calls.
type CircuitBreaker struct {
	name         string
	maxFailures  int           // consecutive counted failures before opening
	resetTimeout time.Duration // time spent open before probing
	trials       int           // successful trials needed to close again

	// countFailure decides which errors trip the breaker; nil counts all of them
	countFailure func(error) bool
	now          func() time.Time

	mu          sync.Mutex
	state       CircuitState
	consecutive int
	inFlight    int // trials admitted while half-open
	succeeded   int // trials that succeeded while half-open
	openedAt    time.Time
	failures    int64
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		trials:       3,
		now:          time.Now,
	}
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	return cb
}

// CountFailuresWhen restricts which errors count as breaker failures
func (cb *CircuitBreaker) CountFailuresWhen(fn func(error) bool) *CircuitBreaker {
	cb.mu.Lock()
	cb.countFailure = fn
	cb.mu.Unlock()
	return cb
}

// Name returns the service name the breaker protects
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call runs fn unless the breaker is open
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()

	cb.mu.Lock()
	countFailure := cb.countFailure
	cb.mu.Unlock()

	counted := err != nil && (countFailure == nil || countFailure(err))

	cb.RecordResult(!counted)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.inFlight = 1
		cb.succeeded = 0
		return true
	case StateHalfOpen:
		if cb.inFlight < cb.trials {
			cb.inFlight++
			return true
		}
	}
	return false
}

// RecordResult feeds one outcome into the breaker
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		switch cb.state {
		case StateClosed:
			cb.consecutive = 0
		case StateHalfOpen:
			cb.succeeded++
			if cb.succeeded >= cb.trials {
				cb.consecutive = 0
				cb.setState(StateClosed)
			}
		}
		return
	}

	cb.failures++
	observability.IncrementCircuitBreakerFailures(cb.name)

	switch cb.state {
	case StateClosed:
		cb.consecutive++
		if cb.consecutive >= cb.maxFailures {
			cb.open()
		}
	case StateHalfOpen:
		// A failed trial reopens immediately
		cb.open()
	}
}

// open trips the breaker; caller holds the lock
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.inFlight = 0
	cb.succeeded = 0
	cb.setState(StateOpen)
}

// setState records a transition; caller holds the lock
func (cb *CircuitBreaker) setState(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	observability.UpdateCircuitBreakerState(cb.name, int(to))
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns how many counted failures the breaker has seen
func (cb *CircuitBreaker) Failures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
