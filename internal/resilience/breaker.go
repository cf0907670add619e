package resilience

import (
	"sync"
	"time"
)

// BreakerState represents the state of a per-stage circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, rejecting attempts
	BreakerHalfOpen                     // cooldown elapsed, one probe allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of failures inside FailureWindow
	// that opens the circuit.
	FailureThreshold int
	// FailureWindow is the sliding window over which failures count.
	FailureWindow time.Duration
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the stock configuration: three failures in
// ten minutes opens the breaker for five minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    10 * time.Minute,
		Cooldown:         5 * time.Minute,
	}
}

// breaker tracks failure state for a single stage.
type breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      []time.Time // failure timestamps inside the window
	lastFailure   time.Time
	probeInFlight bool
	config        BreakerConfig
	now           func() time.Time
}

func newBreaker(config BreakerConfig, now func() time.Time) *breaker {
	return &breaker{state: BreakerClosed, config: config, now: now}
}

// allow reports whether an attempt may proceed. When the cooldown has
// elapsed on an open breaker it transitions to half-open and admits exactly
// one probe; further attempts are rejected until the probe resolves.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false

	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// recordSuccess closes the breaker and clears failure history.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = nil
	b.probeInFlight = false
}

// recordFailure registers a failure and re-evaluates the opening condition.
// Returns the new state.
func (b *breaker) recordFailure() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now
	b.probeInFlight = false

	if b.state == BreakerHalfOpen {
		// A failed probe reopens immediately.
		b.state = BreakerOpen
		return b.state
	}

	// Drop failures that fell out of the window.
	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.config.FailureThreshold {
		b.state = BreakerOpen
	}
	return b.state
}

// currentState returns the state, applying the open → half-open transition
// when the cooldown has elapsed.
func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.config.Cooldown {
		b.state = BreakerHalfOpen
		b.probeInFlight = false
	}
	return b.state
}

func (b *breaker) failureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failures)
}
