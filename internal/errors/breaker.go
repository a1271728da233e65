package errors

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is wrapped into the transient error returned while a
// breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig tunes a breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenProbes is how many trial calls are admitted after the
	// cooldown; one success closes the circuit, one failure reopens it.
	HalfOpenProbes int
}

// DefaultCircuitBreakerConfig returns the defaults used for outbound HTTP.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
	}
}

func (c *CircuitBreakerConfig) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker trips after consecutive failures and refuses calls until a
// cooldown passes. Safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probes   int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.normalize()
	if name == "" {
		name = "default"
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. While the circuit is open it
// returns a transient error carrying the remaining cooldown, so callers'
// retry policies back off instead of giving up.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return &TransientError{
				Err:        fmt.Errorf("%w: %s", ErrCircuitOpen, b.name),
				RetryAfter: retryAfterSeconds(remaining),
			}
		}
		b.state = breakerHalfOpen
		b.probes = 0
		fallthrough
	default: // half-open
		if b.probes >= b.cfg.HalfOpenProbes {
			return &TransientError{
				Err:        fmt.Errorf("%w: %s (probing)", ErrCircuitOpen, b.name),
				RetryAfter: retryAfterSeconds(b.cfg.Cooldown),
			}
		}
		b.probes++
		return nil
	}
}

// Mark records the outcome of a call admitted by Allow. A nil error counts
// as success.
func (b *CircuitBreaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return
	}

	switch b.state {
	case breakerHalfOpen:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// retryAfterSeconds converts a wait to the whole seconds RetryAfter carries,
// never reporting zero for a wait that is still pending.
func retryAfterSeconds(d time.Duration) int {
	seconds := int(d / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	return seconds
}

func (b *CircuitBreaker) trip() {
	b.state = breakerOpen
	b.openedAt = b.now()
	b.failures = 0
}
