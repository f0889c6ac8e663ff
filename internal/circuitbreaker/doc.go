// Package circuitbreaker implements the per-backend circuit breakers the
// gateway consults before every proxied call.
//
// A breaker has three states:
//
//   - CLOSED: calls pass through, consecutive failures are counted
//   - OPEN: calls fail fast until the cooldown elapses
//   - HALF-OPEN: exactly one trial call decides between CLOSED and OPEN
//
// Time comes from an injected clock so cooldowns can be driven by a mock.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(3, 30*time.Second, nil)
//	cb := registry.GetBreaker("item-service")
//	ticket, ok := cb.Allow()
//	if !ok {
//	    return circuitbreaker.ErrOpen
//	}
//	if err := call(); err != nil {
//	    cb.RecordFailure(ticket)
//	} else {
//	    cb.RecordSuccess(ticket)
//	}
//
// Outcomes are recorded against the ticket Allow handed out. A result that
// arrives after the breaker changed state, such as a slow call admitted
// before the circuit opened, does not count.
package circuitbreaker
