package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned to callers that were refused by an open circuit.
var ErrOpen = errors.New("circuit open")

const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // One trial request in flight
)

// Stats is a point-in-time view of one breaker.
type Stats struct {
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitzero"`
}

// Ticket identifies a call admitted by Allow. Every state transition starts a
// new generation, and outcomes carrying an older ticket are ignored.
type Ticket struct {
	generation uint64
}

type CircuitBreaker struct {
	mutex            sync.Mutex
	clock            clock.Clock
	state            State
	generation       uint64
	failures         int
	openUntil        time.Time
	probing          bool
	failureThreshold int
	cooldown         time.Duration
}

// NewCircuitBreaker returns a closed breaker that opens after threshold
// consecutive failures and stays open for cooldown. A nil clock means wall
// time.
func NewCircuitBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if clk == nil {
		clk = clock.New()
	}

	return &CircuitBreaker{
		clock:            clk,
		state:            StateClosed,
		failureThreshold: threshold,
		cooldown:         cooldown,
	}
}

// Allow reports whether a call may proceed and returns the ticket its outcome
// must be recorded with. Once the cooldown has elapsed the first caller is
// admitted as the half-open probe; everyone else keeps failing fast until
// that probe reports back.
func (cb *CircuitBreaker) Allow() (Ticket, bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return cb.ticket(), true
	case StateOpen:
		if cb.clock.Now().Before(cb.openUntil) {
			return Ticket{}, false
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return cb.ticket(), true
	case StateHalfOpen:
		if cb.probing {
			return Ticket{}, false
		}
		cb.probing = true
		return cb.ticket(), true
	default:
		return Ticket{}, false
	}
}

func (cb *CircuitBreaker) RecordFailure(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if t.generation != cb.generation {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.failures++
		cb.trip()
	}
}

func (cb *CircuitBreaker) RecordSuccess(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if t.generation != cb.generation {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.failures = 0
		cb.transition(StateClosed)
	}
}

// Release gives back an admitted call that ended without an outcome, such as
// a request the caller abandoned. A pending half-open probe slot is freed.
func (cb *CircuitBreaker) Release(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if t.generation == cb.generation && cb.state == StateHalfOpen {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	s := Stats{State: cb.state, Failures: cb.failures}
	if cb.state != StateClosed {
		s.OpenUntil = cb.openUntil
	}
	return s
}

// The helpers below must be called with the mutex held.

func (cb *CircuitBreaker) ticket() Ticket {
	return Ticket{generation: cb.generation}
}

func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.probing = false
	cb.generation++
}

func (cb *CircuitBreaker) trip() {
	cb.transition(StateOpen)
	cb.openUntil = cb.clock.Now().Add(cb.cooldown)
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
