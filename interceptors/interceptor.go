package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sacmq/sacmq-go/contracts"
	"github.com/sacmq/sacmq-go/internal/reliability"
	"github.com/sacmq/sacmq-go/messaging"
)

// ErrPanic is wrapped by errors built from recovered handler panics
var ErrPanic = errors.New("interceptors: handler panicked")

// Interceptor processes a request before it reaches the final handler
type Interceptor interface {
	// Intercept handles request, usually by calling next
	Intercept(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error) {
	return i.fn(ctx, request, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates an empty chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptorChain{logger: logger}
}

// Add appends an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then returns handler wrapped by every interceptor of the chain
func (c *InterceptorChain) Then(handler messaging.RequestHandler) messaging.RequestHandler {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
			return interceptor.Intercept(ctx, request, next)
		})
	}
	return handler
}

// Built-in interceptors

// LoggingInterceptor logs each request with its duration and outcome
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error) {
	start := time.Now()
	response, err := next.HandleRequest(ctx, request)
	duration := time.Since(start)

	switch {
	case err != nil:
		i.logger.Error("request failed",
			"sequenceId", request.SequenceID,
			"method", request.Method,
			"traceId", request.TraceID,
			"duration", duration,
			"error", err)
	case response != nil && !response.IsSuccess():
		i.logger.Warn("request answered with failure",
			"sequenceId", request.SequenceID,
			"method", request.Method,
			"code", response.Code,
			"duration", duration)
	default:
		i.logger.Debug("request handled",
			"sequenceId", request.SequenceID,
			"method", request.Method,
			"duration", duration)
	}
	return response, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns handler panics into errors so the responder
// still answers the request
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (response *contracts.RPCMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				"sequenceId", request.SequenceID,
				"method", request.Method,
				"panic", r,
				"stack", string(debug.Stack()))
			response = nil
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return next.HandleRequest(ctx, request)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds the context handed to the handler
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. Handlers that ignore their context are
// not preempted; the request then fails once they return late.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	response, err := next.HandleRequest(ctx, request)
	if err == nil && ctx.Err() != nil {
		return nil, fmt.Errorf("request %d exceeded %s: %w", request.SequenceID, i.timeout, ctx.Err())
	}
	return response, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// MetricsCollector receives per-method request measurements
type MetricsCollector interface {
	IncrementRequestCount(method string)
	RecordProcessingTime(method string, duration time.Duration)
	IncrementErrorCount(method string)
}

// MetricsInterceptor reports requests to a MetricsCollector
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error) {
	start := time.Now()
	i.collector.IncrementRequestCount(request.Method)

	response, err := next.HandleRequest(ctx, request)
	i.collector.RecordProcessingTime(request.Method, time.Since(start))
	if err != nil || (response != nil && !response.IsSuccess()) {
		i.collector.IncrementErrorCount(request.Method)
	}
	return response, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// MethodStats holds the measurements of one method
type MethodStats struct {
	Requests  int64
	Errors    int64
	TotalTime time.Duration
	MaxTime   time.Duration
}

// InMemoryMetrics is a MetricsCollector keeping counters per method
type InMemoryMetrics struct {
	mu      sync.Mutex
	methods map[string]*MethodStats
}

// NewInMemoryMetrics creates an empty collector
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{methods: make(map[string]*MethodStats)}
}

func (m *InMemoryMetrics) method(name string) *MethodStats {
	stats, ok := m.methods[name]
	if !ok {
		stats = &MethodStats{}
		m.methods[name] = stats
	}
	return stats
}

// IncrementRequestCount implements MetricsCollector
func (m *InMemoryMetrics) IncrementRequestCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.method(method).Requests++
}

// RecordProcessingTime implements MetricsCollector
func (m *InMemoryMetrics) RecordProcessingTime(method string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.method(method)
	stats.TotalTime += duration
	if duration > stats.MaxTime {
		stats.MaxTime = duration
	}
}

// IncrementErrorCount implements MetricsCollector
func (m *InMemoryMetrics) IncrementErrorCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.method(method).Errors++
}

// Snapshot returns a copy of the per-method counters
func (m *InMemoryMetrics) Snapshot() map[string]MethodStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MethodStats, len(m.methods))
	for name, stats := range m.methods {
		out[name] = *stats
	}
	return out
}

// CircuitBreakerInterceptor fails requests fast while a downstream
// dependency keeps failing
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor. Failure responses count as failures.
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, request *contracts.RPCMessage, next messaging.RequestHandler) (*contracts.RPCMessage, error) {
	var response *contracts.RPCMessage
	err := i.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		response, err = next.HandleRequest(ctx, request)
		if err != nil {
			return err
		}
		if response != nil {
			return response.Err()
		}
		return nil
	})

	var responseErr *contracts.ResponseError
	if errors.As(err, &responseErr) {
		return response, nil
	}
	return response, err
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// DefaultInterceptorChainBuilder builds chains from the built-in interceptors
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithRecovery adds panic recovery
func (b *DefaultInterceptorChainBuilder) WithRecovery() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithLogging adds request logging
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds metrics collection
func (b *DefaultInterceptorChainBuilder) WithMetrics(collector MetricsCollector) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithTimeout adds a per-request timeout
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCircuitBreaker adds a circuit breaker
func (b *DefaultInterceptorChainBuilder) WithCircuitBreaker(breaker *reliability.CircuitBreaker) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(breaker))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
