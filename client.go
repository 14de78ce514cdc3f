// Copyright 2024 The sacmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sacmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sacmq/sacmq-go/contracts"
	"github.com/sacmq/sacmq-go/framing"
	"github.com/sacmq/sacmq-go/internal/rabbitmq"
	"github.com/sacmq/sacmq-go/internal/reliability"
	"github.com/sacmq/sacmq-go/invoke"
	"github.com/sacmq/sacmq-go/messaging"
	"github.com/sacmq/sacmq-go/serialization"
	rabbitmqTransport "github.com/sacmq/sacmq-go/transports/rabbitmq"
)

const (
	// DefaultTimeout bounds a SyncSend without its own timeout
	DefaultTimeout = 10 * time.Second

	drainInterval = 50 * time.Millisecond
)

// ErrProducerClosed is returned when sending through a closed producer
var ErrProducerClosed = errors.New("sacmq: producer closed")

// Producer sends requests over a transport and waits for their responses
type Producer struct {
	transport   messaging.Transport
	codec       *serialization.MessageCodec
	coordinator *invoke.Coordinator
	retrier     *reliability.Retrier
	breaker     *reliability.CircuitBreaker
	logger      *slog.Logger
	timeout     time.Duration
	onClose     func() error

	sequence atomic.Uint64
	closed   atomic.Bool

	serveCancel context.CancelFunc
	serveDone   chan struct{}
	serveErr    error

	closeOnce sync.Once
	closeErr  error
}

// NewProducer starts reading responses from transport. The transport is
// owned by the producer from here on and is closed by Close.
func NewProducer(transport messaging.Transport, options ...ProducerOption) (*Producer, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", contracts.CodeProducerInitFailed)
	}

	cfg, err := newProducerConfig(options)
	if err != nil {
		return nil, err
	}

	coordinatorOpts := append([]invoke.CoordinatorOption{invoke.WithLogger(cfg.logger)}, cfg.coordinatorOpts...)
	p := &Producer{
		transport:   transport,
		codec:       serialization.NewMessageCodec(cfg.framer),
		coordinator: invoke.NewCoordinator(coordinatorOpts...),
		retrier:     reliability.NewRetrier(cfg.retryPolicy, reliability.WithRetryLogger(cfg.logger)),
		logger:      cfg.logger,
		timeout:     cfg.timeout,
		onClose:     cfg.onClose,
		serveDone:   make(chan struct{}),
	}
	if cfg.breakerThreshold > 0 {
		p.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("producer"),
			reliability.WithFailureThreshold(cfg.breakerThreshold),
			reliability.WithOpenTimeout(cfg.breakerOpenTimeout),
			reliability.WithBreakerLogger(cfg.logger),
		)
	}

	// Ids start at a random point so a restarted producer does not reuse
	// the ids of calls a responder may still answer
	p.sequence.Store(rand.Uint64N(1 << 32))

	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithResponseSink(p.coordinator),
	}
	if cfg.handler != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithRequestHandler(cfg.handler))
	}
	dispatcher := messaging.NewDispatcher(p.codec, dispatcherOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	p.serveCancel = cancel
	go func() {
		defer close(p.serveDone)
		if err := dispatcher.Serve(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
			p.serveErr = err
			p.logger.Error("response reader stopped", "error", err)
		}
	}()

	p.logger.Info("producer started", "framing", cfg.framer.Name(), "timeout", cfg.timeout)
	return p, nil
}

// DialRabbitMQ connects to the broker at url and returns a producer that
// publishes to requestQueue. Closing the producer also closes the broker
// connection.
func DialRabbitMQ(ctx context.Context, url, requestQueue string, options ...ProducerOption) (*Producer, error) {
	// Reject bad options before anything is opened on the broker
	cfg, err := newProducerConfig(options)
	if err != nil {
		return nil, err
	}

	manager, err := rabbitmqTransport.Connect(ctx, url, rabbitmq.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.CodeProducerInitFailed, err)
	}

	conn, err := rabbitmqTransport.Dial(ctx, manager, requestQueue, rabbitmqTransport.WithLogger(cfg.logger))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", contracts.CodeProducerInitFailed, err), manager.Close())
	}

	options = append(options, withOnClose(manager.Close))
	producer, err := NewProducer(conn, options...)
	if err != nil {
		return nil, errors.Join(err, conn.Close(), manager.Close())
	}
	return producer, nil
}

// SyncSend sends a request for method and waits for its response. body is
// JSON encoded unless it already is a json.RawMessage. A request that gets
// no response in time yields the timeout response, not an error; use
// IsTimeout on the result.
func (p *Producer) SyncSend(ctx context.Context, method string, body interface{}, options ...CallOption) (*contracts.RPCMessage, error) {
	if p.closed.Load() {
		return nil, ErrProducerClosed
	}

	call := p.callOptions(options)
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	seq := p.sequence.Add(1)
	request := contracts.NewRequest(seq, method, payload)
	if call.traceID != "" {
		request.TraceID = call.traceID
	}

	p.coordinator.Register(seq, call.timeout)

	frame, err := p.codec.Encode(request)
	if err != nil {
		p.coordinator.Forget(seq)
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := p.send(ctx, frame); err != nil {
		p.coordinator.Forget(seq)
		return nil, fmt.Errorf("failed to send request %d: %w", seq, err)
	}

	p.logger.Debug("request sent",
		"sequenceId", seq,
		"method", method,
		"traceId", request.TraceID)

	waitCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	response, err := p.coordinator.AwaitResponse(waitCtx, seq)
	if err != nil {
		p.coordinator.Forget(seq)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return contracts.Timeout(seq), nil
		}
		return nil, err
	}

	p.coordinator.Release(seq)
	return response, nil
}

// OnewaySend sends a request for method without waiting for anything back
func (p *Producer) OnewaySend(ctx context.Context, method string, body interface{}, options ...CallOption) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	call := p.callOptions(options)
	payload, err := encodeBody(body)
	if err != nil {
		return err
	}

	msg := contracts.NewOneway(p.sequence.Add(1), method, payload)
	if call.traceID != "" {
		msg.TraceID = call.traceID
	}

	frame, err := p.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode oneway message: %w", err)
	}
	if err := p.send(ctx, frame); err != nil {
		return fmt.Errorf("failed to send oneway message %d: %w", msg.SequenceID, err)
	}
	return nil
}

func (p *Producer) send(ctx context.Context, frame []byte) error {
	op := func(ctx context.Context) error {
		return p.transport.Send(ctx, frame)
	}
	if p.breaker != nil {
		send := op
		op = func(ctx context.Context) error {
			return p.breaker.Execute(ctx, send)
		}
	}
	return p.retrier.Do(ctx, "send", op)
}

// Close stops accepting calls and waits for in-flight calls to finish or
// ctx to end, then closes the transport. Calls still pending when ctx ends
// are interrupted and Close reports a shutdown error.
func (p *Producer) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		var drainErr error
		if err := p.drain(ctx); err != nil {
			drainErr = fmt.Errorf("%w: %d requests still pending: %w",
				contracts.CodeProducerShutdownError, p.coordinator.Stats().Pending, err)
		}

		p.serveCancel()
		errs := []error{drainErr, p.transport.Close()}
		<-p.serveDone
		errs = append(errs, p.coordinator.Close())
		if p.onClose != nil {
			errs = append(errs, p.onClose())
		}

		p.closeErr = errors.Join(errs...)
		p.logger.Info("producer closed", "error", p.closeErr)
	})
	return p.closeErr
}

func (p *Producer) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for p.coordinator.HasPendingRequests() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats returns the request coordinator counters
func (p *Producer) Stats() invoke.Stats {
	return p.coordinator.Stats()
}

// IsConnected reports whether the transport is usable
func (p *Producer) IsConnected() bool {
	return !p.closed.Load() && p.transport.IsConnected()
}

// Err returns the error that stopped the response reader, if any
func (p *Producer) Err() error {
	select {
	case <-p.serveDone:
		return p.serveErr
	default:
		return nil
	}
}

func (p *Producer) callOptions(options []CallOption) *callConfig {
	call := &callConfig{timeout: p.timeout}
	for _, opt := range options {
		opt(call)
	}
	if call.timeout <= 0 {
		call.timeout = p.timeout
	}
	return call
}

func encodeBody(body interface{}) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return payload, nil
}

// producerConfig holds producer configuration
type producerConfig struct {
	logger             *slog.Logger
	timeout            time.Duration
	framer             framing.Codec
	retryPolicy        reliability.RetryPolicy
	breakerThreshold   int
	breakerOpenTimeout time.Duration
	coordinatorOpts    []invoke.CoordinatorOption
	handler            messaging.RequestHandler
	onClose            func() error
}

// ProducerOption configures the producer
type ProducerOption func(*producerConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.logger = logger
	}
}

// WithTimeout sets the default SyncSend timeout
func WithTimeout(timeout time.Duration) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.timeout = timeout
	}
}

// WithFraming sets the frame codec. It must match the peer.
func WithFraming(framer framing.Codec) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.framer = framer
	}
}

// WithSendRetry retries failed sends with exponential backoff
func WithSendRetry(maxRetries int, initialDelay, maxDelay time.Duration) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.retryPolicy = reliability.NewExponentialBackoff(initialDelay, maxDelay, 2, maxRetries)
	}
}

// WithCircuitBreaker stops sending after threshold consecutive send
// failures until openTimeout has passed
func WithCircuitBreaker(threshold int, openTimeout time.Duration) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.breakerThreshold = threshold
		cfg.breakerOpenTimeout = openTimeout
	}
}

// WithCoordinatorOptions tunes the request coordinator
func WithCoordinatorOptions(options ...invoke.CoordinatorOption) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.coordinatorOpts = append(cfg.coordinatorOpts, options...)
	}
}

// WithRequestHandler lets the producer also answer requests sent by the
// peer over the same transport
func WithRequestHandler(handler messaging.RequestHandler) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.handler = handler
	}
}

// newProducerConfig applies options over the defaults and validates the result
func newProducerConfig(options []ProducerOption) (*producerConfig, error) {
	cfg := &producerConfig{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		framer:  framing.NewLengthPrefixed(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", contracts.CodeProducerInitFailed)
	}
	if cfg.framer == nil {
		return nil, fmt.Errorf("%w: framing is required", contracts.CodeProducerInitFailed)
	}
	return cfg, nil
}

func withOnClose(fn func() error) ProducerOption {
	return func(cfg *producerConfig) {
		cfg.onClose = fn
	}
}

type callConfig struct {
	timeout time.Duration
	traceID string
}

// CallOption configures a single send
type CallOption func(*callConfig)

// WithCallTimeout overrides the producer timeout for one call
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = timeout
	}
}

// WithTraceID sets the trace id carried by the message
func WithTraceID(traceID string) CallOption {
	return func(c *callConfig) {
		c.traceID = traceID
	}
}
