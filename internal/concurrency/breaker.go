package concurrency

import "time"

// CircuitState is the state of a key's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// breaker is a per-key circuit breaker. Open moves to half-open lazily,
// the first time the key is consulted after the open timeout.
type breaker struct {
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

func newBreaker() breaker {
	return breaker{state: CircuitClosed}
}

// current applies the lazy open → half-open transition and returns the state.
func (b *breaker) current(now time.Time, openTimeout time.Duration) CircuitState {
	if b.state == CircuitOpen && now.Sub(b.lastFailure) >= openTimeout {
		b.state = CircuitHalfOpen
		b.successes = 0
	}
	return b.state
}

// allow reports whether an acquire may proceed.
func (b *breaker) allow(now time.Time, openTimeout time.Duration) bool {
	return b.current(now, openTimeout) != CircuitOpen
}

// record feeds one result into the breaker.
func (b *breaker) record(success bool, now time.Time, cfg *Config) {
	if success {
		b.failures = 0
		if b.state == CircuitHalfOpen {
			b.successes++
			if b.successes >= cfg.SuccessThreshold {
				b.state = CircuitClosed
				b.successes = 0
			}
		}
		return
	}

	b.failures++
	b.successes = 0
	b.lastFailure = now
	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
	case CircuitClosed:
		if b.failures >= cfg.FailureThreshold {
			b.state = CircuitOpen
		}
	}
}

func (b *breaker) reset() {
	*b = newBreaker()
}
