// Package reliability guards frame sends against transient transport
// failures.
//
// A Retrier repeats a send under a RetryPolicy (exponential backoff or a
// fixed delay); errors marked with Permanent, context errors and open
// circuits end the retries at once. A CircuitBreaker stops sending to a
// transport that keeps failing and lets a single probe through after a
// cool-down.
//
//	breaker := NewCircuitBreaker(WithFailureThreshold(5))
//	retrier := NewRetrier(NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 3))
//
//	err := retrier.Do(ctx, "send", func(ctx context.Context) error {
//	    return breaker.Execute(ctx, func(ctx context.Context) error {
//	        return transport.Send(ctx, frame)
//	    })
//	})
package reliability
