package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency for a cool-down
// period, then lets a single probe through to decide whether to close
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probing     bool
	rejected    int64
	transitions int64

	name             string
	failureThreshold int
	openTimeout      time.Duration
	clock            clockwork.Clock
	logger           *slog.Logger
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithName names the breaker in errors and logs
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerClock sets the clock
func WithBreakerClock(clock clockwork.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clock = clock
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
		clock:            clockwork.NewRealClock(),
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit is open. Context errors from fn do
// not count as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err, ctx.Err() != nil)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a snapshot of the breaker
type CircuitBreakerStats struct {
	Name        string
	State       State
	Failures    int
	Rejected    int64
	Transitions int64
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		Rejected:    cb.rejected,
		Transitions: cb.transitions,
	}
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		nextRetry := cb.openedAt.Add(cb.openTimeout)
		if cb.clock.Now().Before(nextRetry) {
			cb.rejected++
			return &CircuitBreakerError{
				Name:      cb.name,
				State:     cb.state,
				Failures:  cb.failures,
				NextRetry: nextRetry,
			}
		}
		cb.transition(StateHalfOpen, "open timeout elapsed")
		cb.probing = true
		return nil

	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			return &CircuitBreakerError{Name: cb.name, State: cb.state, Failures: cb.failures}
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(err error, canceled bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == StateHalfOpen
	if wasProbe {
		cb.probing = false
	}

	if err == nil {
		cb.failures = 0
		if wasProbe {
			cb.transition(StateClosed, "probe succeeded")
		}
		return
	}
	if canceled {
		return
	}

	cb.failures++
	switch {
	case wasProbe:
		cb.openedAt = cb.clock.Now()
		cb.transition(StateOpen, "probe failed")
	case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
		cb.openedAt = cb.clock.Now()
		cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d)", cb.failureThreshold))
	}
}

func (cb *CircuitBreaker) transition(to State, reason string) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.transitions++
	if to == StateClosed {
		cb.failures = 0
		cb.probing = false
	}
	cb.logger.Info("circuit breaker state changed",
		"name", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}
