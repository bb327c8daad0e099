// Package breaker implements a general-purpose circuit breaker for
// isolating faults on shared infrastructure dependencies (cache,
// database, external APIs): a consecutive-failure/recovery-timeout state
// machine with a bounded half-open probe window.
package breaker

import (
	"log"
	"sync"
	"time"
)

// State is one of closed, open, half_open.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds for a single breaker instance.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures to open
	RecoveryTimeout  time.Duration // time to stay open before probing
	SuccessThreshold int           // consecutive half-open successes to close
	HalfOpenMaxCalls int           // concurrency limit while half-open
}

// DefaultConfig returns sensible defaults for an external dependency.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is a closed/open/half_open fault isolation state machine.
// One instance guards one external dependency.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	consecutiveOK    int
	openedAt         time.Time
	halfOpenInFlight int
}

// New constructs a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the current state (thread-safe).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call should proceed, and if not, the duration
// until the breaker will next consider probing the dependency.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		elapsed := time.Since(b.openedAt)
		if elapsed >= b.cfg.RecoveryTimeout {
			b.transition(HalfOpen)
			b.halfOpenInFlight = 1
			return true, 0
		}
		return false, b.cfg.RecoveryTimeout - elapsed
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return false, b.cfg.RecoveryTimeout
		}
		b.halfOpenInFlight++
		return true, 0
	default: // Closed
		return true, 0
	}
}

// RecordSuccess notes a successful call, possibly closing the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	case Closed:
		b.consecutiveFails = 0
	}
}

// RecordFailure notes a failed call, possibly opening the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.transition(Open)
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	}
}

// transition must be called with mu held; it resets per-state counters
// and logs the change.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case Open:
		b.openedAt = time.Now()
		b.consecutiveOK = 0
		b.halfOpenInFlight = 0
	case HalfOpen:
		b.consecutiveOK = 0
	case Closed:
		b.consecutiveFails = 0
		b.consecutiveOK = 0
		b.halfOpenInFlight = 0
	}
	if from != to {
		log.Printf("breaker[%s]: %s -> %s", b.cfg.Name, from, to)
	}
}

// Call wraps fn with breaker admission and outcome recording.
func (b *Breaker) Call(fn func() error) error {
	ok, retryAfter := b.Allow()
	if !ok {
		return &breakerOpenError{name: b.cfg.Name, retryAfter: retryAfter}
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

type breakerOpenError struct {
	name       string
	retryAfter time.Duration
}

func (e *breakerOpenError) Error() string {
	return "breaker " + e.name + " is open"
}

// RetryAfter exposes the suggested backoff for callers that type-assert.
func (e *breakerOpenError) RetryAfter() time.Duration { return e.retryAfter }
