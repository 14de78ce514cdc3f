package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by errors returned while a circuit rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitBreakerError is returned when the circuit rejects a call
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe in progress", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open after %d failures, retry at %s",
		e.Name, e.Failures, e.NextRetry.Format(time.RFC3339))
}

// Is lets errors.Is match ErrCircuitOpen
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError is returned once a retried operation runs out of attempts
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempts: %v", e.Op, e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
